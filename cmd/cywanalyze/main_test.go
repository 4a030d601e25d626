package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"io"
	"strings"
	"testing"

	"github.com/soypat/cywlink"
	"github.com/soypat/cywlink/whd"
)

func TestInterpretBytes(t *testing.T) {
	dec := Decoder{
		Order:           binary.LittleEndian,
		WordInterpreter: binary.BigEndian,
	}
	data := []byte{0x01, 0x02, 0x03, 0x04}
	dec.interpretBytes(data)
	if !bytes.Equal(data, []byte{0x04, 0x03, 0x02, 0x01}) {
		t.Error("expected big endian", data)
	}
	dec = Decoder{
		Order:           binary.BigEndian,
		WordInterpreter: binary.LittleEndian,
	}
	data = []byte{0x01, 0x02, 0x03, 0x04}
	dec.interpretBytes(data)
	if !bytes.Equal(data, []byte{0x04, 0x03, 0x02, 0x01}) {
		t.Error("expected big endian", data)
	}
	dec = Decoder{
		Order:           binary.LittleEndian,
		WordInterpreter: binary.LittleEndian,
	}
	data = []byte{0x01, 0x02, 0x03, 0x04}
	dec.interpretBytes(data)
	if !bytes.Equal(data, []byte{0x01, 0x02, 0x03, 0x04}) {
		t.Fatal("expected big endian", data)
	}
	dec = Decoder{
		Order:           binary.BigEndian,
		WordInterpreter: binary.BigEndian,
	}
	data = []byte{0x01, 0x02, 0x03, 0x04}
	dec.interpretBytes(data)
	if !bytes.Equal(data, []byte{0x01, 0x02, 0x03, 0x04}) {
		t.Fatal("expected big endian", data)
	}
}

func TestCommandFromBytes(t *testing.T) {
	dec := Decoder{Order: binary.LittleEndian, WordInterpreter: binary.LittleEndian}
	word := cywlink.CommandWord(false, true, cywlink.FuncBackplane, 0x1000e, 4)
	b := binary.LittleEndian.AppendUint32(nil, word)
	b = append(b, 0xaa, 0xaa, 0xaa, 0xaa, 1, 2, 3, 4)
	cmd, data := dec.CommandFromBytes(b)
	want := Command{AutoInc: true, Fn: cywlink.FuncBackplane, Addr: 0x1000e, Size: 4}
	if cmd != want {
		t.Errorf("got %+v want %+v", cmd, want)
	}
	if !bytes.Equal(data, []byte{1, 2, 3, 4}) {
		t.Errorf("padding word not skipped: %x", data)
	}
	if cmd, _ = dec.CommandFromBytes([]byte{1}); !cmd.Invalid {
		t.Error("short command not invalid")
	}
}

func TestDescribeFrame(t *testing.T) {
	payload := make([]byte, whd.CDC_HEADER_LEN+8)
	cdc := whd.CDCHeader{Cmd: whd.WLC_GET_VAR, Length: 8, ID: 3}
	cdc.Put(payload)
	copy(payload[whd.CDC_HEADER_LEN:], "ver\x00")
	buf := make([]byte, 64)
	n, err := whd.EncodeFrame(buf, whd.Frame{Channel: whd.ChannelControl, Seq: 7, Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	got := describeFrame(buf[:n])
	for _, sub := range []string{"ch=control", "seq=7", "cmd=GET_VAR", "id=3", "var=ver"} {
		if !strings.Contains(got, sub) {
			t.Errorf("%q missing %q", got, sub)
		}
	}
	if got = describeFrame([]byte{1, 2, 3}); !strings.HasPrefix(got, "sdpcm: whd: framing") {
		t.Errorf("short frame: %q", got)
	}
	n, _ = whd.EncodeFrame(buf, whd.Frame{Channel: whd.ChannelEvent, Seq: 1})
	if got = describeFrame(buf[:n]); !strings.Contains(got, "credit update") {
		t.Errorf("header only frame: %q", got)
	}
}

func TestWriteOmitsReads(t *testing.T) {
	dec := Decoder{OmitRead: true, WordInterpreter: binary.LittleEndian}
	var out bytes.Buffer
	err := dec.write(&out, nil, []cywtx{
		{Num: 1, Cmd: Command{Write: true, Fn: cywlink.FuncBus, Size: 4}, Data: []byte{1, 0, 0, 0}},
		{Num: 2, Cmd: Command{Fn: cywlink.FuncBus, Size: 4}, Data: []byte{2, 0, 0, 0}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(out.String(), "\n"); got != 1 {
		t.Errorf("got %d lines:\n%s", got, out.String())
	}
}

func TestParseFlags(t *testing.T) {
	dec, f, err := parseFlags(flag.NewFlagSet("test", flag.ContinueOnError), []string{"-bctl-order", "be", "-omit-read", "-o-cmd", "out.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Order != binary.BigEndian || dec.WordInterpreter != binary.BigEndian {
		t.Error("word order not applied to interpreter")
	}
	if !dec.OmitRead || !dec.DecodeFrames || f.out != "out.txt" || f.sd != "digital_1.bin" {
		t.Errorf("got %+v %+v", dec, f)
	}
	for _, args := range [][]string{
		{"-bctl-order", "middle"},
		{"-omit-read", "-omit-write"},
	} {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		if _, _, err := parseFlags(fs, args); err == nil {
			t.Errorf("%v accepted", args)
		}
	}
}
