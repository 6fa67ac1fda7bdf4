package dbserver

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"otpcluster/internal/config"
	"otpcluster/internal/dclass"
	"otpcluster/internal/mdconn"
	"otpcluster/internal/wire"
)

type fakeBus struct {
	handlers map[wire.Channel]mdconn.Handler
	sent     []sentMsg
}

type sentMsg struct {
	dst, sender wire.Channel
	msgType     uint16
	payload     []byte
}

func newFakeBus() *fakeBus { return &fakeBus{handlers: make(map[wire.Channel]mdconn.Handler)} }

func (b *fakeBus) Publish(dst, sender wire.Channel, msgType uint16, payload []byte) error {
	b.sent = append(b.sent, sentMsg{dst, sender, msgType, payload})
	return nil
}
func (b *fakeBus) Subscribe(channel wire.Channel, handler mdconn.Handler) error {
	b.handlers[channel] = handler
	return nil
}
func (b *fakeBus) Unsubscribe(channel wire.Channel) error {
	delete(b.handlers, channel)
	return nil
}
func (b *fakeBus) deliver(dst, sender wire.Channel, msgType uint16, payload []byte) {
	b.handlers[dst](sender, msgType, payload)
}
func (b *fakeBus) last() sentMsg { return b.sent[len(b.sent)-1] }

// flush blocks until every operation srv queued before the call has run.
func flush(srv *Server) {
	done := make(chan struct{})
	srv.enqueue(func() { close(done) })
	<-done
}

const testClassAccount uint16 = 7
const fieldUsername uint16 = 0
const fieldCreated uint16 = 1

func testCatalog() dclass.Catalog {
	return dclass.NewMemCatalog(dclass.Class{
		Number: testClassAccount,
		Name:   "DistributedAccount",
		Fields: []dclass.Field{
			{Number: fieldUsername, Name: "setUsername", Flags: dclass.FieldFlags{DB: true}},
			{Number: fieldCreated, Name: "setCreated", Flags: dclass.FieldFlags{
				DB: true, HasDefaultValue: true,
				DefaultValue: wire.NewDatagram().AddUint32(0).Bytes(),
			}},
		},
	})
}

func newTestServer(t *testing.T) (*Server, *fakeBus) {
	t.Helper()
	dir := t.TempDir()
	bus := newFakeBus()
	cfg := config.DatabaseConfig{
		Channel: 4002, Directory: dir, Extension: ".json", Tracker: "next",
		MinDoId: 100, MaxDoId: 200,
	}
	srv, err := NewServer(cfg, bus, testCatalog(), zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return srv, bus
}

func TestCreateObjectAllocatesAndPersists(t *testing.T) {
	srv, bus := newTestServer(t)

	d := wire.NewDatagram().AddUint32(1).AddUint16(testClassAccount).AddUint16(1)
	d.AddUint16(fieldUsername).AddBlob(wire.NewDatagram().AddString("rocky").Bytes())
	bus.deliver(4002, 555, wire.DBSERVER_CREATE_OBJECT, d.Bytes())
	flush(srv)

	resp := bus.last()
	if resp.msgType != wire.DBSERVER_CREATE_OBJECT_RESP {
		t.Fatalf("expected CREATE_OBJECT_RESP, got %d", resp.msgType)
	}
	it := wire.NewDatagramIterator(resp.payload)
	ctx, _ := it.GetUint32()
	doId, _ := it.GetUint32()
	if ctx != 1 {
		t.Fatalf("expected echoed context 1, got %d", ctx)
	}
	if doId != 100 {
		t.Fatalf("expected first allocated doId to be min (100), got %d", doId)
	}

	if !srv.store.Exists(100) {
		t.Fatalf("expected object 100 to be persisted to disk")
	}
	if !srv.alloc.InUse(100) {
		t.Fatalf("expected doId 100 to be marked in-use")
	}

	rec, err := srv.store.Load(100)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := rec.Fields[fieldCreated]; !ok {
		t.Fatalf("expected default value population for setCreated")
	}
}

func TestGetAllRoundTrip(t *testing.T) {
	srv, bus := newTestServer(t)

	create := wire.NewDatagram().AddUint32(1).AddUint16(testClassAccount).AddUint16(1)
	create.AddUint16(fieldUsername).AddBlob(wire.NewDatagram().AddString("rocky").Bytes())
	bus.deliver(4002, 555, wire.DBSERVER_CREATE_OBJECT, create.Bytes())
	flush(srv)

	cit := wire.NewDatagramIterator(bus.last().payload)
	cit.GetUint32()
	doId, _ := cit.GetUint32()

	get := wire.NewDatagram().AddUint32(2).AddUint32(doId)
	bus.deliver(4002, 555, wire.DBSERVER_OBJECT_GET_ALL, get.Bytes())
	flush(srv)

	resp := bus.last()
	it := wire.NewDatagramIterator(resp.payload)
	ctx, _ := it.GetUint32()
	success, _ := it.GetUint8()
	if ctx != 2 || success != 1 {
		t.Fatalf("expected successful GET_ALL_RESP, ctx=%d success=%d", ctx, success)
	}
}

func TestSetFieldIfEqualsCAS(t *testing.T) {
	srv, bus := newTestServer(t)

	create := wire.NewDatagram().AddUint32(1).AddUint16(testClassAccount).AddUint16(1)
	oldVal := wire.NewDatagram().AddString("rocky").Bytes()
	create.AddUint16(fieldUsername).AddBlob(oldVal)
	bus.deliver(4002, 555, wire.DBSERVER_CREATE_OBJECT, create.Bytes())
	flush(srv)

	cit := wire.NewDatagramIterator(bus.last().payload)
	cit.GetUint32()
	doId, _ := cit.GetUint32()

	newVal := wire.NewDatagram().AddString("rocko").Bytes()
	wrongOld := wire.NewDatagram().AddString("nope").Bytes()

	cas := wire.NewDatagram().AddUint32(9).AddUint32(doId).AddUint16(fieldUsername).AddBlob(wrongOld).AddBlob(newVal)
	bus.deliver(4002, 555, wire.DBSERVER_OBJECT_SET_FIELD_IF_EQUALS, cas.Bytes())
	flush(srv)

	it := wire.NewDatagramIterator(bus.last().payload)
	it.GetUint32()
	success, _ := it.GetBool()
	if success {
		t.Fatalf("expected CAS to fail on mismatched old value")
	}

	cas2 := wire.NewDatagram().AddUint32(10).AddUint32(doId).AddUint16(fieldUsername).AddBlob(oldVal).AddBlob(newVal)
	bus.deliver(4002, 555, wire.DBSERVER_OBJECT_SET_FIELD_IF_EQUALS, cas2.Bytes())
	flush(srv)

	it2 := wire.NewDatagramIterator(bus.last().payload)
	it2.GetUint32()
	success2, _ := it2.GetBool()
	if !success2 {
		t.Fatalf("expected CAS to succeed when old value matches")
	}
}

func TestTrackerPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	bus := newFakeBus()
	cfg := config.DatabaseConfig{Channel: 4002, Directory: dir, Extension: ".json", Tracker: "next", MinDoId: 100, MaxDoId: 200}

	srv1, err := NewServer(cfg, bus, testCatalog(), zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv1.Start()
	d := wire.NewDatagram().AddUint32(1).AddUint16(testClassAccount).AddUint16(0)
	bus.deliver(4002, 555, wire.DBSERVER_CREATE_OBJECT, d.Bytes())
	flush(srv1)

	srv2, err := NewServer(cfg, bus, testCatalog(), zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewServer (restart): %v", err)
	}
	if got, ok := srv2.alloc.Allocate(); !ok || got != 101 {
		t.Fatalf("expected restart to resume allocation at 101, got %d ok=%v", got, ok)
	}
	if _, err := filepath.Abs(dir); err != nil {
		t.Fatalf("dir: %v", err)
	}
}
