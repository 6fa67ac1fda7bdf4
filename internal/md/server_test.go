package md

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"otpcluster/internal/config"
	"otpcluster/internal/metrics"
	"otpcluster/internal/wire"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	cfg := config.MessageDirectorConfig{
		Address:      "127.0.0.1",
		Port:         0,
		FlushTimeout: time.Millisecond,
		QueueLimit:   1024,
	}
	s := NewServer(cfg, zap.NewNop(), metrics.NewRegistry())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, s.listener.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func setChannel(t *testing.T, conn net.Conn, channel wire.Channel) {
	t.Helper()
	if _, err := conn.Write(wire.EncodeControl(wire.CONTROL_SET_CHANNEL, channel)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFramedFrom(t *testing.T, conn net.Conn, timeout time.Duration) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	var buf []byte
	tmp := make([]byte, 4096)
	for {
		body, consumed, err := wire.ReadFramed(buf)
		if err == nil && consumed > 0 {
			return body
		}
		n, err := conn.Read(tmp)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		buf = append(buf, tmp[:n]...)
	}
}

// T-3: a routed datagram whose destination is subscribed reaches that peer
// byte-identical (framing adjusted); otherwise nobody receives anything.
func TestRoutingDeliversToSubscriber(t *testing.T) {
	_, addr := startTestServer(t)

	recv := dial(t, addr)
	setChannel(t, recv, 42)

	sender := dial(t, addr)
	payload := []byte("hello")
	sender.Write(wire.EncodeRouted(42, 7, 100, payload))

	body := readFramedFrom(t, recv, 2*time.Second)
	dd, err := wire.DecodeInternal(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dd.IsControl || dd.Routed.Dst != 42 || dd.Routed.Sender != 7 || dd.Routed.MsgType != 100 {
		t.Fatalf("unexpected header: %+v", dd)
	}
	if !bytes.Equal(dd.Payload, payload) {
		t.Fatalf("payload mismatch: %v", dd.Payload)
	}
}

func TestRoutingDropsUnsubscribed(t *testing.T) {
	_, addr := startTestServer(t)

	sender := dial(t, addr)
	sender.Write(wire.EncodeRouted(999, 1, 1, []byte("x")))

	// No one is subscribed to 999; nothing should ever show up anywhere.
	// We can't prove a universal negative directly, so just make sure the
	// server stays alive and a subsequent legitimate message still routes.
	recv := dial(t, addr)
	setChannel(t, recv, 999)

	sender2 := dial(t, addr)
	sender2.Write(wire.EncodeRouted(999, 1, 1, []byte("y")))

	body := readFramedFrom(t, recv, 2*time.Second)
	dd, _ := wire.DecodeInternal(body)
	if !bytes.Equal(dd.Payload, []byte("y")) {
		t.Fatalf("expected only the post-subscription message, got %v", dd.Payload)
	}
}

// T-2: participant table after SET/REMOVE reflects set-theoretic semantics.
func TestSetRemoveChannel(t *testing.T) {
	s, addr := startTestServer(t)

	conn := dial(t, addr)
	setChannel(t, conn, 10)
	setChannel(t, conn, 11)

	time.Sleep(50 * time.Millisecond)
	s.mu.Lock()
	if s.table.Count() != 2 {
		s.mu.Unlock()
		t.Fatalf("expected 2 bound channels, got %d", s.table.Count())
	}
	s.mu.Unlock()

	conn.Write(wire.EncodeControl(wire.CONTROL_REMOVE_CHANNEL, 10))
	time.Sleep(50 * time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.table.Count() != 1 {
		t.Fatalf("expected 1 bound channel after removal, got %d", s.table.Count())
	}
	if _, ok := s.table.Lookup(11); !ok {
		t.Fatalf("channel 11 should remain bound")
	}
	if _, ok := s.table.Lookup(10); ok {
		t.Fatalf("channel 10 should be unbound")
	}
}

// T-4/R-MD2: post-remove queue replays in order, then the channel is
// removed.
func TestPostRemoveReplaysInOrder(t *testing.T) {
	_, addr := startTestServer(t)

	owner := dial(t, addr)
	setChannel(t, owner, 50)

	watcher := dial(t, addr)
	setChannel(t, watcher, 60)

	registrar := dial(t, addr)
	inner1 := wire.EncodeRouted(60, 50, 1, []byte("first"))
	inner2 := wire.EncodeRouted(60, 50, 2, []byte("second"))
	registrar.Write(wire.EncodeAddPostRemove(50, inner1))
	registrar.Write(wire.EncodeAddPostRemove(50, inner2))
	time.Sleep(50 * time.Millisecond)

	owner.Close()

	body1 := readFramedFrom(t, watcher, 2*time.Second)
	dd1, _ := wire.DecodeInternal(body1)
	if !bytes.Equal(dd1.Payload, []byte("first")) {
		t.Fatalf("expected 'first' first, got %v", dd1.Payload)
	}
	body2 := readFramedFrom(t, watcher, 2*time.Second)
	dd2, _ := wire.DecodeInternal(body2)
	if !bytes.Equal(dd2.Payload, []byte("second")) {
		t.Fatalf("expected 'second' second, got %v", dd2.Payload)
	}
}

// R-MD1: first-wins on a duplicate bind.
func TestFirstWinsOnDuplicateBind(t *testing.T) {
	s, addr := startTestServer(t)

	a := dial(t, addr)
	setChannel(t, a, 77)
	b := dial(t, addr)
	setChannel(t, b, 77)
	time.Sleep(50 * time.Millisecond)

	sender := dial(t, addr)
	sender.Write(wire.EncodeRouted(77, 1, 1, []byte("only-a")))

	body := readFramedFrom(t, a, 2*time.Second)
	dd, _ := wire.DecodeInternal(body)
	if !bytes.Equal(dd.Payload, []byte("only-a")) {
		t.Fatalf("expected a to receive the message, got %v", dd.Payload)
	}

	s.mu.Lock()
	p, _ := s.table.Lookup(77)
	s.mu.Unlock()
	if p.id != 1 {
		t.Fatalf("expected peer 1 (a) to own channel 77, got peer %d", p.id)
	}
}
