package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/soypat/cywlink"
	"github.com/soypat/cywlink/whd"
	"github.com/soypat/saleae"
	"github.com/soypat/saleae/analyzers"
)

// Decoder turns captured SPI transactions into gSPI commands and frames.
type Decoder struct {
	// Order is the bus word order set in the bus control register.
	Order binary.ByteOrder
	// WordInterpreter reorders data words on output when it differs from Order.
	WordInterpreter binary.ByteOrder
	TrimForce       uint
	TrimStatus      bool
	OmitReadData    bool
	OmitRead        bool
	OmitWrite       bool
	OmitIneffectual bool
	PadDataToWord   bool
	// DecodeFrames prints SDPCM frame summaries for WLAN function transfers.
	DecodeFrames bool
}

type files struct {
	sd, cs, clk string
	out, timing string
}

func parseOrder(s string) (binary.ByteOrder, error) {
	switch s {
	case "be":
		return binary.BigEndian, nil
	case "le":
		return binary.LittleEndian, nil
	}
	return nil, fmt.Errorf("invalid word order %q, want be or le", s)
}

func parseFlags(fs *flag.FlagSet, args []string) (dec Decoder, f files, err error) {
	fs.StringVar(&f.sd, "f-sd", "digital_1.bin", "Saleae binary export of the shared SDO/SDI line.")
	fs.StringVar(&f.cs, "f-cs", "digital_0.bin", "Saleae binary export of chip select.")
	fs.StringVar(&f.clk, "f-clk", "digital_2.bin", "Saleae binary export of the SPI clock.")
	fs.StringVar(&f.out, "o-cmd", "commands.txt", "Output file of decoded commands.")
	fs.StringVar(&f.timing, "o-time", "", "Optional output of transaction start times, one line per command.")
	order := fs.String("bctl-order", "le", "Word order configured in the bus control register: be or le.")
	words := fs.String("interpret-words", "", "Print data words in this order. Defaults to -bctl-order.")
	fs.BoolVar(&dec.TrimStatus, "trim-stat", false, "Trim the trailing status word when data runs 4 bytes past the command size.")
	fs.UintVar(&dec.TrimForce, "trim-force", 0, "Trim n bytes off the end of every command.")
	fs.BoolVar(&dec.OmitReadData, "omit-read-data", false, "Omit read data.")
	fs.BoolVar(&dec.OmitRead, "omit-read", false, "Omit read commands.")
	fs.BoolVar(&dec.OmitWrite, "omit-write", false, "Omit write commands.")
	fs.BoolVar(&dec.OmitIneffectual, "omit-inef", false, "Omit data past the command size.")
	fs.BoolVar(&dec.PadDataToWord, "pad-data", false, "Pad data to a whole word.")
	fs.BoolVar(&dec.DecodeFrames, "frames", true, "Decode SDPCM frames carried by WLAN function transfers.")
	if err = fs.Parse(args); err != nil {
		return dec, f, err
	}
	if *words == "" {
		*words = *order
	}
	if dec.Order, err = parseOrder(*order); err != nil {
		return dec, f, err
	}
	if dec.WordInterpreter, err = parseOrder(*words); err != nil {
		return dec, f, err
	}
	if dec.OmitRead && dec.OmitWrite {
		return dec, f, errors.New("cannot omit both read and write commands")
	}
	return dec, f, nil
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "cywanalyze - decode Saleae captures of CYW43439 gSPI transactions.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	dec, f, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	start := time.Now()
	if err := dec.run(f); err != nil {
		log.Fatal(err)
	}
	slog.Info("finished", slog.Duration("elapsed", time.Since(start)))
}

func (d *Decoder) run(f files) error {
	commands, err := d.processSpiFiles(f.sd, f.clk, f.cs)
	if err != nil {
		return err
	}
	fp, err := os.Create(f.out)
	if err != nil {
		return err
	}
	defer fp.Close()

	var timings io.Writer
	if f.timing != "" {
		slog.Info("creating timings file", slog.String("file", f.timing))
		tf, err := os.Create(f.timing)
		if err != nil {
			return err
		}
		defer tf.Close()
		timings = tf
	}
	return d.write(fp, timings, commands)
}

func (d *Decoder) write(w, timings io.Writer, commands []cywtx) (err error) {
	const fmtMsg = "cmd×%2d %s data=%#x"
	for _, action := range commands {
		if (d.OmitRead && !action.Cmd.Write) || (d.OmitWrite && action.Cmd.Write) {
			continue
		} else if d.OmitReadData && !action.Cmd.Write {
			action.Data = []byte{}
		} else if d.PadDataToWord && len(action.Data)%4 != 0 {
			unpadded := len(action.Data) - len(action.Data)%4
			data := append([]byte{}, action.Data[:unpadded]...)
			if d.WordInterpreter == binary.BigEndian {
				data = append(data, make([]byte, 4-len(action.Data)%4)...)
				action.Data = append(data, action.Data[unpadded:]...)
			} else {
				data = append(action.Data[unpadded:], data...)
				action.Data = append(data, make([]byte, 4-len(action.Data)%4)...)
			}
		}
		if d.OmitIneffectual && action.Cmd.Size < uint32(len(action.Data)) {
			action.Data = action.Data[:action.Cmd.Size]
		}
		if action.Cmd.Size < uint32(len(action.Data)) {
			// Anything after the space is not part of the command data.
			fmt.Fprintf(w, fmtMsg, action.Num, action.Cmd.String(), action.Data[:action.Cmd.Size])
			_, err = fmt.Fprintf(w, " %x", action.Data[action.Cmd.Size:])
		} else {
			_, err = fmt.Fprintf(w, fmtMsg, action.Num, action.Cmd.String(), action.Data)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(w)
		if d.DecodeFrames && action.Cmd.Fn == cywlink.FuncWLAN {
			fmt.Fprintln(w, "\t"+describeFrame(action.Data))
		}
		if timings != nil {
			fmt.Fprintf(timings, "t=%f\tdata=%#x\n", action.Start, action.Data)
		}
	}
	return nil
}

func (d *Decoder) processSpiFiles(fsdio, fclk, fenable string) ([]cywtx, error) {
	sdio, err := opendigital(fsdio)
	if err != nil {
		return nil, err
	}
	clk, err := opendigital(fclk)
	if err != nil {
		return nil, err
	}
	enable, err := opendigital(fenable)
	if err != nil {
		return nil, err
	}
	spi := analyzers.SPI{}
	txs, _ := spi.Scan(clk, enable, sdio, sdio)
	return d.process(txs), nil
}

func opendigital(filename string) (*saleae.DigitalFile, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	return saleae.ReadDigitalFile(fp)
}

// Command is a decoded gSPI command word.
type Command struct {
	Write   bool
	AutoInc bool
	Fn      cywlink.Function
	Addr    uint32
	Size    uint32
	Invalid bool
}

func (cmd *Command) String() string {
	fn := cmd.Fn.String()
	if cmd.Invalid {
		fn = "invalid"
	}
	return fmt.Sprintf("addr=%#7x  fn=%9s  sz=%4v write=%5v autoinc=%5v",
		cmd.Addr, fn, cmd.Size, cmd.Write, cmd.AutoInc)
}

func decodeCommand(command uint32) Command {
	return Command{
		Write:   command&(1<<31) != 0,
		AutoInc: command&(1<<30) != 0,
		Fn:      cywlink.Function(command>>28) & 0b11,
		Addr:    (command >> 11) & 0x1ffff,
		Size:    command & ((1 << 11) - 1),
	}
}

func (d *Decoder) CommandFromBytes(b []byte) (cmd Command, data []byte) {
	if len(b) < 4 {
		cmd = decodeCommand(0xffff_ffff)
		cmd.Invalid = true
		return cmd, b
	}
	cmd = decodeCommand(d.Order.Uint32(b))
	data = b[4:]
	if cmd.Fn == cywlink.FuncBackplane && !cmd.Write && len(data) > 4 {
		data = b[8:] // Response delay padding.
	}
	if d.TrimForce > 0 {
		data = data[:max(0, len(data)-int(d.TrimForce))]
	}
	if d.TrimStatus && len(data)-int(cmd.Size) == 4 {
		data = data[:cmd.Size]
	}
	return cmd, data
}

type cywtx struct {
	Num   int
	Cmd   Command
	Data  []byte
	Start float64
}

func (d *Decoder) process(txs []analyzers.TxSPI) (cytxs []cywtx) {
	var accumulativeResults int = 1
	for i := 0; i < len(txs); i++ {
		tx := txs[i]
		cmd, data := d.CommandFromBytes(tx.SDO)
		for j := i + 1; j < len(txs); j++ {
			nextcmd, nextdata := d.CommandFromBytes(txs[j].SDO)
			if nextcmd != cmd || !bytes.Equal(data, nextdata) {
				break
			}
			accumulativeResults++
			i = j
		}
		d.interpretBytes(data)
		cytxs = append(cytxs, cywtx{
			Num:   accumulativeResults,
			Cmd:   cmd,
			Data:  data,
			Start: tx.StartTime(),
		})
		accumulativeResults = 1
	}
	return cytxs
}

var interpretOnce sync.Once

func (d *Decoder) interpretBytes(data []byte) {
	if d.WordInterpreter == d.Order {
		return // Idempotent transformation.
	}
	interpretOnce.Do(func() {
		slog.Info("interpreting bytes as words", slog.String("order", d.WordInterpreter.String()))
	})
	for len(data) >= 4 {
		word := d.Order.Uint32(data[:4])
		d.WordInterpreter.PutUint32(data[:4], word)
		data = data[4:]
	}
}

// describeFrame summarizes the SDPCM frame at the start of data.
func describeFrame(data []byte) string {
	f, hdr, err := whd.DecodeFrame(data)
	if err != nil {
		return "sdpcm: " + err.Error()
	}
	s := fmt.Sprintf("sdpcm ch=%s seq=%d credit=%d len=%d", f.Channel, f.Seq, f.Credit, hdr.Size)
	switch {
	case len(f.Payload) == 0:
		s += " (credit update)"
	case f.Channel == whd.ChannelControl && len(f.Payload) >= whd.CDC_HEADER_LEN:
		cdc := whd.DecodeCDCHeader(f.Payload)
		s += fmt.Sprintf(" cdc cmd=%s id=%d kind=%d if=%s status=%d", cdc.Cmd, cdc.ID, cdc.Kind(), cdc.Iface(), int32(cdc.Status))
		if cdc.Cmd == whd.WLC_GET_VAR || cdc.Cmd == whd.WLC_SET_VAR {
			body := f.Payload[whd.CDC_HEADER_LEN:]
			if i := bytes.IndexByte(body, 0); i > 0 {
				s += " var=" + string(body[:i])
			}
		}
	case f.Channel == whd.ChannelEvent:
		_, payload, err := whd.BDCPayload(f.Payload)
		if err != nil {
			return s + " bdc: " + err.Error()
		}
		ev, _, err := whd.DecodeEventPacket(payload)
		if err != nil {
			return s + " event: " + err.Error()
		}
		m := ev.Message
		s += fmt.Sprintf(" event=%s status=%s reason=%d flags=%#x", m.EventType, m.Status, m.Reason, m.Flags)
	case f.Channel == whd.ChannelData:
		_, payload, err := whd.BDCPayload(f.Payload)
		if err != nil {
			return s + " bdc: " + err.Error()
		}
		s += fmt.Sprintf(" eth len=%d", len(payload))
	}
	return s
}
