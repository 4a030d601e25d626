package cywlink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/soypat/cywlink/internal/chipsim"
	"github.com/soypat/cywlink/whd"
)

func ev(typ whd.AsyncEventType, status whd.EStatus) Event {
	return Event{Type: typ, Status: status}
}

func TestNextLinkState(t *testing.T) {
	for _, tc := range []struct {
		name   string
		start  linkTracker
		events []Event
		want   LinkState
		err    bool
	}{
		{
			name:   "open join",
			start:  linkTracker{state: LinkJoining},
			events: []Event{ev(whd.EvAUTH, 0), {Type: whd.EvLINK, Flags: 1}, ev(whd.EvSET_SSID, 0)},
			want:   LinkJoined,
		},
		{
			name:   "secure join waits for keys",
			start:  linkTracker{state: LinkJoining, secure: true},
			events: []Event{ev(whd.EvAUTH, 0), ev(whd.EvSET_SSID, 0)},
			want:   LinkJoining,
		},
		{
			name:   "secure join keyed first",
			start:  linkTracker{state: LinkJoining, secure: true},
			events: []Event{ev(whd.EvPSK_SUP, whd.EStatusKeyed), ev(whd.EvJOIN, 0)},
			want:   LinkJoined,
		},
		{
			name:   "auth failure",
			start:  linkTracker{state: LinkJoining},
			events: []Event{ev(whd.EvAUTH, whd.EStatusFail)},
			want:   LinkDown,
			err:    true,
		},
		{
			name:   "join failure defers to set_ssid",
			start:  linkTracker{state: LinkJoining},
			events: []Event{ev(whd.EvJOIN, whd.EStatusFail)},
			want:   LinkJoining,
		},
		{
			name:   "no networks",
			start:  linkTracker{state: LinkJoining},
			events: []Event{ev(whd.EvSET_SSID, whd.EStatusNoNetworks)},
			want:   LinkDown,
			err:    true,
		},
		{
			name:   "bad key",
			start:  linkTracker{state: LinkJoining, secure: true},
			events: []Event{ev(whd.EvSET_SSID, 0), ev(whd.EvPSK_SUP, whd.EStatusFail)},
			want:   LinkDown,
			err:    true,
		},
		{
			name:   "deauth",
			start:  linkTracker{state: LinkJoined},
			events: []Event{ev(whd.EvDEAUTH_IND, 0)},
			want:   LinkDown,
		},
		{
			name:   "link lost",
			start:  linkTracker{state: LinkJoined},
			events: []Event{{Type: whd.EvLINK, Flags: 1}, {Type: whd.EvLINK}},
			want:   LinkDown,
		},
		{
			name:   "scan partial then done",
			start:  linkTracker{state: LinkScanning},
			events: []Event{ev(whd.EvESCAN_RESULT, whd.EStatusPartial), ev(whd.EvESCAN_RESULT, 0)},
			want:   LinkDown,
		},
		{
			name:   "down ignores join success",
			start:  linkTracker{},
			events: []Event{ev(whd.EvSET_SSID, 0), ev(whd.EvPSK_SUP, whd.EStatusKeyed), {Type: whd.EvLINK, Flags: 1}},
			want:   LinkDown,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cur := tc.start
			var gotErr error
			for _, e := range tc.events {
				from := cur.state
				next, step := nextLinkState(cur, e)
				if from == LinkDown && next.state == LinkJoined {
					t.Fatal("went from down to joined")
				}
				if step.changed != (from != next.state) {
					t.Errorf("changed=%v but %s -> %s", step.changed, from, next.state)
				}
				if step.err != nil {
					gotErr = step.err
				}
				cur = next
			}
			if cur.state != tc.want {
				t.Errorf("state %s want %s", cur.state, tc.want)
			}
			if (gotErr != nil) != tc.err {
				t.Errorf("err=%v want error %v", gotErr, tc.err)
			}
			var jerr *JoinError
			if gotErr != nil && !errors.As(gotErr, &jerr) {
				t.Errorf("join error of type %T", gotErr)
			}
		})
	}
}

func TestSetLinkRejectsDownToJoined(t *testing.T) {
	d := New(chipsim.New(chipsim.Config{}), testConfig())
	m := &d.link
	m.mu.Lock()
	err := m.setLink(d, LinkJoined, "test")
	m.mu.Unlock()
	if !errors.Is(err, errDownToJoined) {
		t.Errorf("got %v", err)
	}
	if d.LinkState() != LinkDown {
		t.Errorf("state %s", d.LinkState())
	}
}

func collectChanges(w *LinkWatch) []LinkState {
	var got []LinkState
	for {
		select {
		case ch, ok := <-w.C():
			if !ok {
				return got
			}
			got = append(got, ch.To)
		default:
			return got
		}
	}
}

func TestJoinOpen(t *testing.T) {
	h := startDevice(t, testConfig(), chipsim.Config{})
	h.chip.SetNetwork("cafe", "")
	w := h.dev.WatchLink(8)
	defer w.Close()
	if err := h.dev.Join(testContext(t), "cafe", JoinOptions{}); err != nil {
		t.Fatal(err)
	}
	if !h.dev.IsLinkUp() {
		t.Fatalf("state %s after join", h.dev.LinkState())
	}
	if diff := cmp.Diff([]LinkState{LinkJoining, LinkJoined}, collectChanges(w)); diff != "" {
		t.Error(diff)
	}
	if err := h.dev.Join(testContext(t), "cafe", JoinOptions{}); !errors.Is(err, ErrLinkBusy) {
		t.Errorf("join while joined got %v", err)
	}
}

func TestJoinSecure(t *testing.T) {
	h := startDevice(t, testConfig(), chipsim.Config{})
	h.chip.SetNetwork("home", "correct horse")
	ctx := testContext(t)

	err := h.dev.Join(ctx, "home", JoinOptions{Passphrase: "wrong horse"})
	var jerr *JoinError
	if !errors.As(err, &jerr) || jerr.Event != whd.EvPSK_SUP {
		t.Fatalf("bad passphrase got %v", err)
	}
	if h.dev.LinkState() != LinkDown {
		t.Fatalf("state %s after failed join", h.dev.LinkState())
	}

	if err = h.dev.Join(ctx, "home", JoinOptions{Passphrase: "correct horse"}); err != nil {
		t.Fatal(err)
	}
	if !h.dev.IsLinkUp() {
		t.Fatal("link down after join")
	}
	if !h.chip.LinkUp() {
		t.Error("chip not associated")
	}
}

func TestJoinFailures(t *testing.T) {
	cfg := testConfig()
	cfg.JoinTimeout = 50 * time.Millisecond
	h := startDevice(t, cfg, chipsim.Config{})
	ctx := testContext(t)

	// No access point answers.
	if err := h.dev.Join(ctx, "nowhere", JoinOptions{}); !errors.Is(err, ErrJoinTimeout) {
		t.Errorf("got %v, want join timeout", err)
	}
	h.chip.SetNetwork("cafe", "")
	err := h.dev.Join(ctx, "elsewhere", JoinOptions{})
	var jerr *JoinError
	if !errors.As(err, &jerr) || jerr.Status != whd.EStatusNoNetworks {
		t.Errorf("unknown ssid got %v", err)
	}
	if err = h.dev.Join(ctx, "cafe", JoinOptions{Passphrase: "short"}); !errors.Is(err, errPassphraseLen) {
		t.Errorf("short passphrase got %v", err)
	}
	if err = h.dev.Join(ctx, "this ssid is way longer than thirty two bytes", JoinOptions{}); !errors.Is(err, errSSIDTooLong) {
		t.Errorf("long ssid got %v", err)
	}
	if h.dev.LinkState() != LinkDown {
		t.Errorf("state %s", h.dev.LinkState())
	}
}

func TestJoinSettle(t *testing.T) {
	d := New(chipsim.New(chipsim.Config{}), testConfig())
	result, err := d.link.begin(d, LinkJoining, false)
	if err != nil {
		t.Fatal(err)
	}
	if err = d.settleJoin(result, ErrJoinTimeout); !errors.Is(err, ErrJoinTimeout) {
		t.Errorf("pending join got %v", err)
	}
	if d.LinkState() != LinkDown {
		t.Errorf("state %s after timeout", d.LinkState())
	}

	// The join completes as the timer fires.
	result, err = d.link.begin(d, LinkJoining, false)
	if err != nil {
		t.Fatal(err)
	}
	d.link.mu.Lock()
	d.link.setLink(d, LinkJoined, "event")
	d.link.finishJoin(nil)
	d.link.mu.Unlock()
	if err = d.settleJoin(result, ErrJoinTimeout); err != nil {
		t.Errorf("completed join got %v", err)
	}
	if d.LinkState() != LinkJoined {
		t.Errorf("state %s after completed join", d.LinkState())
	}
}

func TestDisassociate(t *testing.T) {
	h := startDevice(t, testConfig(), chipsim.Config{})
	h.chip.SetNetwork("cafe", "")
	ctx := testContext(t)
	if err := h.dev.Join(ctx, "cafe", JoinOptions{}); err != nil {
		t.Fatal(err)
	}
	w := h.dev.WatchLink(4)
	defer w.Close()
	sub := h.dev.Subscribe(EventTypes(whd.EvDEAUTH_IND), 4)
	defer sub.Close()
	linkSub := h.dev.Subscribe(LinkEvents, 4)
	defer linkSub.Close()
	radio := h.dev.Subscribe(EventTypes(whd.EvRADIO), 4)
	defer radio.Close()

	h.chip.Disassociate(3)
	ch, err := w.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ch.From != LinkJoined || ch.To != LinkDown {
		t.Errorf("change %+v", ch)
	}
	for name, s := range map[string]*Subscription{"deauth": sub, "link": linkSub} {
		e, err := s.Next(ctx)
		if err != nil {
			t.Fatal(name, err)
		}
		if e.Type != whd.EvDEAUTH_IND || e.Reason != 3 {
			t.Errorf("%s subscription got %+v", name, e)
		}
	}
	e, err := linkSub.Next(ctx)
	if err != nil || e.Type != whd.EvLINK || e.Flags&1 != 0 {
		t.Errorf("link subscription got %+v, %v", e, err)
	}
	sctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if e, err = radio.Next(sctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("non matching subscription got %+v, %v", e, err)
	}
}

func TestLeave(t *testing.T) {
	h := startDevice(t, testConfig(), chipsim.Config{})
	h.chip.SetNetwork("cafe", "")
	ctx := testContext(t)
	if err := h.dev.Leave(ctx); err != nil {
		t.Fatal("leave while down:", err)
	}
	if err := h.dev.Join(ctx, "cafe", JoinOptions{}); err != nil {
		t.Fatal(err)
	}
	w := h.dev.WatchLink(4)
	defer w.Close()
	if err := h.dev.Leave(ctx); err != nil {
		t.Fatal(err)
	}
	if h.dev.LinkState() != LinkDown {
		t.Errorf("state %s after leave", h.dev.LinkState())
	}
	got := collectChanges(w)
	if diff := cmp.Diff([]LinkState{LinkDisassociating, LinkDown}, got); diff != "" {
		t.Error(diff)
	}
	eventually(t, "chip disassociated", func() bool { return !h.chip.LinkUp() })
}

func TestScan(t *testing.T) {
	h := startDevice(t, testConfig(), chipsim.Config{})
	nets := []whd.BSSInfo{
		{BSSID: [6]byte{1, 2, 3, 4, 5, 6}, SSID: "alpha", ChanSpec: 0x1006, RSSI: -40},
		{BSSID: [6]byte{1, 2, 3, 4, 5, 7}, SSID: "beta", ChanSpec: 0x100b, RSSI: -70, Capability: whd.DOT11_CAP_PRIVACY},
	}
	h.chip.SetScanResults(nets)
	var got []string
	err := h.dev.Scan(testContext(t), ScanOptions{}, func(bss whd.BSSInfo) {
		got = append(got, bss.SSID)
		if bss.SSID == "beta" && !bss.Secure() {
			t.Error("beta not secure")
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"alpha", "beta"}, got); diff != "" {
		t.Error(diff)
	}
	if h.dev.LinkState() != LinkDown {
		t.Errorf("state %s after scan", h.dev.LinkState())
	}
	io := h.chip.Ioctls()
	if last := io[len(io)-1]; last.Name != "escan" || len(last.Value) != whd.SCAN_PARAMS_LEN {
		t.Errorf("last ioctl %s len %d", last.Name, len(last.Value))
	}
}

func TestRunnerStopEndsLink(t *testing.T) {
	h := startDevice(t, testConfig(), chipsim.Config{})
	h.chip.SetNetwork("cafe", "")
	if err := h.dev.Join(testContext(t), "cafe", JoinOptions{}); err != nil {
		t.Fatal(err)
	}
	w := h.dev.WatchLink(4)
	h.stop()
	if h.dev.LinkState() != LinkDown {
		t.Errorf("state %s after stop", h.dev.LinkState())
	}
	if _, err := w.Next(testContext(t)); err != nil {
		t.Fatal("missing teardown change:", err)
	}
	if _, err := w.Next(testContext(t)); !errors.Is(err, ErrSubscriptionClosed) {
		t.Errorf("watch not closed: %v", err)
	}
}
