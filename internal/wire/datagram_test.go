package wire

import (
	"bytes"
	"testing"
)

func TestRoundTripPrimitives(t *testing.T) {
	d := NewDatagram()
	d.AddUint8(0xAB).
		AddBool(true).
		AddUint16(0x1234).
		AddUint32(0xDEADBEEF).
		AddUint64(0x0102030405060708).
		AddInt32(-42).
		AddString("hello world").
		AddBlob([]byte{1, 2, 3, 4})

	it := NewDatagramIterator(d.Bytes())

	if v, err := it.GetUint8(); err != nil || v != 0xAB {
		t.Fatalf("GetUint8 = %v, %v", v, err)
	}
	if v, err := it.GetBool(); err != nil || v != true {
		t.Fatalf("GetBool = %v, %v", v, err)
	}
	if v, err := it.GetUint16(); err != nil || v != 0x1234 {
		t.Fatalf("GetUint16 = %v, %v", v, err)
	}
	if v, err := it.GetUint32(); err != nil || v != 0xDEADBEEF {
		t.Fatalf("GetUint32 = %v, %v", v, err)
	}
	if v, err := it.GetUint64(); err != nil || v != 0x0102030405060708 {
		t.Fatalf("GetUint64 = %v, %v", v, err)
	}
	if v, err := it.GetInt32(); err != nil || v != -42 {
		t.Fatalf("GetInt32 = %v, %v", v, err)
	}
	if v, err := it.GetString(); err != nil || v != "hello world" {
		t.Fatalf("GetString = %q, %v", v, err)
	}
	if v, err := it.GetBlob(); err != nil || !bytes.Equal(v, []byte{1, 2, 3, 4}) {
		t.Fatalf("GetBlob = %v, %v", v, err)
	}
	if it.Remaining() != 0 {
		t.Fatalf("expected 0 remaining, got %d", it.Remaining())
	}
}

func TestTruncatedRead(t *testing.T) {
	d := NewDatagram().AddUint16(5)
	it := NewDatagramIterator(d.Bytes())
	if _, err := it.GetUint64(); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestFrameAndReadFramed(t *testing.T) {
	d := NewDatagram().AddString("payload")
	framed := d.Frame()

	body, consumed, err := ReadFramed(framed)
	if err != nil {
		t.Fatalf("ReadFramed error: %v", err)
	}
	if consumed != len(framed) {
		t.Fatalf("consumed = %d, want %d", consumed, len(framed))
	}
	if !bytes.Equal(body, d.Bytes()) {
		t.Fatalf("body mismatch: %v vs %v", body, d.Bytes())
	}

	// Partial buffer should report zero consumed, no error.
	partial := framed[:len(framed)-1]
	_, consumed, err = ReadFramed(partial)
	if err != nil || consumed != 0 {
		t.Fatalf("partial read should wait: consumed=%d err=%v", consumed, err)
	}
}

func TestChannelDerivation(t *testing.T) {
	if got := AccountConnectionChannel(7); got != 7+(uint64(1003)<<32) {
		t.Fatalf("AccountConnectionChannel = %d", got)
	}
	if got := PuppetConnectionChannel(9); got != 9+(uint64(1001)<<32) {
		t.Fatalf("PuppetConnectionChannel = %d", got)
	}
	sender := AvatarSenderChannel(3, 100)
	if AccountIdOf(sender) != 3 || AvatarIdOf(sender) != 100 {
		t.Fatalf("round trip through AvatarSenderChannel failed: %d", sender)
	}
}

func TestRoutedHeaderRoundTrip(t *testing.T) {
	payload := NewDatagram().AddUint32(42).Bytes()
	framed := EncodeRouted(100, 200, 9999, payload)

	body, _, err := ReadFramed(framed)
	if err != nil {
		t.Fatalf("ReadFramed: %v", err)
	}
	dd, err := DecodeInternal(body)
	if err != nil {
		t.Fatalf("DecodeInternal: %v", err)
	}
	if dd.IsControl {
		t.Fatalf("expected routed, got control")
	}
	if dd.Routed.Dst != 100 || dd.Routed.Sender != 200 || dd.Routed.MsgType != 9999 {
		t.Fatalf("header mismatch: %+v", dd.Routed)
	}
	if !bytes.Equal(dd.Payload, payload) {
		t.Fatalf("payload mismatch: %v vs %v", dd.Payload, payload)
	}
}

func TestControlHeaderRoundTrip(t *testing.T) {
	framed := EncodeControl(CONTROL_SET_CHANNEL, 555)
	body, _, err := ReadFramed(framed)
	if err != nil {
		t.Fatalf("ReadFramed: %v", err)
	}
	dd, err := DecodeInternal(body)
	if err != nil {
		t.Fatalf("DecodeInternal: %v", err)
	}
	if !dd.IsControl {
		t.Fatalf("expected control")
	}
	if dd.Control.CtlType != CONTROL_SET_CHANNEL || dd.Control.Arg != 555 {
		t.Fatalf("control mismatch: %+v", dd.Control)
	}
}

func TestAddPostRemoveRoundTrip(t *testing.T) {
	inner := EncodeRouted(1, 2, 3, []byte("hi"))
	framed := EncodeAddPostRemove(42, inner)

	body, _, err := ReadFramed(framed)
	if err != nil {
		t.Fatalf("ReadFramed: %v", err)
	}
	dd, err := DecodeInternal(body)
	if err != nil {
		t.Fatalf("DecodeInternal: %v", err)
	}
	if !dd.IsControl || dd.Control.CtlType != CONTROL_ADD_POST_REMOVE {
		t.Fatalf("expected CONTROL_ADD_POST_REMOVE, got %+v", dd)
	}
	if dd.Control.Arg != 42 {
		t.Fatalf("channel arg = %d, want 42", dd.Control.Arg)
	}
	if !bytes.Equal(dd.ControlArgExtra, inner) {
		t.Fatalf("inner datagram mismatch")
	}
}
