package cywlink

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"github.com/soypat/cywlink/whd"
)

// LinkState is the WiFi association state.
type LinkState uint8

const (
	LinkDown LinkState = iota
	LinkScanning
	LinkJoining
	LinkJoined
	LinkDisassociating
)

func (s LinkState) String() string {
	switch s {
	case LinkDown:
		return "down"
	case LinkScanning:
		return "scanning"
	case LinkJoining:
		return "joining"
	case LinkJoined:
		return "joined"
	case LinkDisassociating:
		return "disassociating"
	}
	return "linkstate(" + strconv.Itoa(int(s)) + ")"
}

// LinkChange is a link state transition.
type LinkChange struct {
	From, To LinkState
	// Reason describes what caused the transition.
	Reason string
}

var errDownToJoined = errors.New("link cannot go from down to joined")

// linkTracker is the pure link state: the state plus join progress.
type linkTracker struct {
	state  LinkState
	secure bool
	// ssidOK is set on SET_SSID or JOIN success, keyed on PSK_SUP keyed.
	ssidOK bool
	keyed  bool
}

// linkStep is the outcome of applying one event to a linkTracker.
type linkStep struct {
	changed bool
	reason  string
	// err is set when a join attempt failed.
	err error
}

func joinFailure(ev Event) linkStep {
	jerr := &JoinError{Event: ev.Type, Status: ev.Status, Reason: ev.Reason}
	return linkStep{changed: true, reason: ev.Type.String() + " " + ev.Status.String(), err: jerr}
}

func lossReason(ev Event) string {
	return ev.Type.String() + " reason=" + strconv.Itoa(int(ev.Reason))
}

// nextLinkState applies ev to cur. It never moves from LinkDown to LinkJoined.
func nextLinkState(cur linkTracker, ev Event) (linkTracker, linkStep) {
	next := cur
	switch cur.state {
	case LinkScanning:
		if ev.Type == whd.EvESCAN_RESULT && ev.Status != whd.EStatusPartial {
			next.state = LinkDown
			return next, linkStep{changed: true, reason: "scan done"}
		}

	case LinkJoining:
		switch ev.Type {
		case whd.EvAUTH:
			if ev.Status != whd.EStatusSuccess {
				next = linkTracker{}
				return next, joinFailure(ev)
			}
		case whd.EvSET_SSID, whd.EvJOIN:
			if ev.Status != whd.EStatusSuccess {
				if ev.Type == whd.EvJOIN {
					break // SET_SSID carries the verdict.
				}
				next = linkTracker{}
				return next, joinFailure(ev)
			}
			next.ssidOK = true
		case whd.EvPSK_SUP:
			if ev.Status != whd.EStatusKeyed {
				next = linkTracker{}
				return next, joinFailure(ev)
			}
			next.keyed = true
		}
		if next.ssidOK && (!next.secure || next.keyed) {
			next.state = LinkJoined
			return next, linkStep{changed: true, reason: "joined"}
		}

	case LinkJoined, LinkDisassociating:
		switch ev.Type {
		case whd.EvDISASSOC, whd.EvDISASSOC_IND, whd.EvDEAUTH, whd.EvDEAUTH_IND:
			return linkTracker{}, linkStep{changed: true, reason: lossReason(ev)}
		case whd.EvLINK:
			if ev.Flags&1 == 0 {
				return linkTracker{}, linkStep{changed: true, reason: lossReason(ev)}
			}
		}
	}
	return next, linkStep{}
}

// linkMachine holds the link state shared by the Runner and user operations.
type linkMachine struct {
	mu sync.Mutex
	t  linkTracker
	// joinRes receives the outcome of the join in progress.
	joinRes chan error
	watches fanout[LinkChange]
}

func (m *linkMachine) state() LinkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.state
}

// apply runs one event through the state machine. Called by the Runner.
func (m *linkMachine) apply(d *Device, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.t.state
	next, step := nextLinkState(m.t, ev)
	m.t = next
	if !step.changed {
		return
	}
	m.publish(d, from, next.state, step.reason)
	if from == LinkJoining {
		m.finishJoin(step.err)
	}
}

// setLink forces a transition requested by a user operation. Must hold mu.
func (m *linkMachine) setLink(d *Device, to LinkState, reason string) error {
	from := m.t.state
	if from == LinkDown && to == LinkJoined {
		return errDownToJoined
	}
	if from == to {
		return nil
	}
	m.t = linkTracker{state: to}
	m.publish(d, from, to, reason)
	return nil
}

func (m *linkMachine) publish(d *Device, from, to LinkState, reason string) {
	d.info("link", slog.String("from", from.String()), slog.String("to", to.String()), slog.String("reason", reason))
	m.watches.publish(LinkChange{From: from, To: to, Reason: reason})
}

// finishJoin reports the end of a join attempt. Must hold mu.
func (m *linkMachine) finishJoin(err error) {
	if m.joinRes != nil {
		m.joinRes <- err
		m.joinRes = nil
	}
}

// begin moves from LinkDown to a user initiated state.
func (m *linkMachine) begin(d *Device, to LinkState, secure bool) (<-chan error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.t.state != LinkDown {
		return nil, ErrLinkBusy
	}
	if err := m.setLink(d, to, "user"); err != nil {
		return nil, err
	}
	m.t.secure = secure
	if to != LinkJoining {
		return nil, nil
	}
	m.joinRes = make(chan error, 1)
	return m.joinRes, nil
}

// abort returns to LinkDown if the machine is still in state from and
// reports whether it did.
func (m *linkMachine) abort(d *Device, from LinkState, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.t.state != from {
		return false
	}
	if from == LinkJoining {
		m.joinRes = nil
	}
	m.setLink(d, LinkDown, reason)
	return true
}

// teardown resets the link when the Runner stops.
func (m *linkMachine) teardown(d *Device, err error) {
	m.mu.Lock()
	m.finishJoin(err)
	m.setLink(d, LinkDown, "runner stopped")
	m.mu.Unlock()
	m.watches.closeAll()
}

// LinkState returns the current link state.
func (d *Device) LinkState() LinkState { return d.link.state() }

// IsLinkUp reports whether the device is joined to a network.
func (d *Device) IsLinkUp() bool { return d.LinkState() == LinkJoined }

// LinkWatch receives link state changes.
type LinkWatch struct {
	q *dropQueue[LinkChange]
	f *fanout[LinkChange]
}

// WatchLink returns a watch with room for capacity changes. When full the
// oldest change is dropped.
func (d *Device) WatchLink(capacity int) *LinkWatch {
	w := &LinkWatch{q: d.link.watches.add(capacity, nil), f: &d.link.watches}
	if d.sess.Load().isDead() {
		w.Close()
	}
	return w
}

func (w *LinkWatch) C() <-chan LinkChange { return w.q.c }

func (w *LinkWatch) Next(ctx context.Context) (LinkChange, error) {
	select {
	case ch, ok := <-w.q.c:
		if !ok {
			return LinkChange{}, ErrSubscriptionClosed
		}
		return ch, nil
	case <-ctx.Done():
		return LinkChange{}, ctx.Err()
	}
}

func (w *LinkWatch) Dropped() uint64 { return w.q.dropped.Load() }

func (w *LinkWatch) Close() { w.f.remove(w.q) }
