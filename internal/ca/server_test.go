package ca

import (
	"net"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"otpcluster/internal/accountkv"
	"otpcluster/internal/clientproto"
	"otpcluster/internal/config"
	"otpcluster/internal/dclass"
	"otpcluster/internal/mdconn"
	"otpcluster/internal/topology"
	"otpcluster/internal/wire"
)

type sentMsg struct {
	dst, sender wire.Channel
	msgType     uint16
	payload     []byte
}

// fakeBus is a minimal in-memory Bus double, mirroring the one used in
// internal/ss and internal/dbserver's own tests.
type fakeBus struct {
	handlers   map[wire.Channel]mdconn.Handler
	sent       []sentMsg
	postRemove map[wire.Channel][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[wire.Channel]mdconn.Handler), postRemove: make(map[wire.Channel][]byte)}
}

func (b *fakeBus) Publish(dst, sender wire.Channel, msgType uint16, payload []byte) error {
	b.sent = append(b.sent, sentMsg{dst, sender, msgType, append([]byte(nil), payload...)})
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

func (b *fakeBus) AddPostRemove(channel wire.Channel, innerFramed []byte) error {
	b.postRemove[channel] = innerFramed
	return nil
}

func (b *fakeBus) ClearPostRemove(channel wire.Channel) error {
	delete(b.postRemove, channel)
	return nil
}

func (b *fakeBus) deliver(dst, sender wire.Channel, msgType uint16, payload []byte) {
	if h, ok := b.handlers[dst]; ok {
		h(sender, msgType, payload)
	}
}

func (b *fakeBus) lastOfType(msgType uint16) *sentMsg {
	for i := len(b.sent) - 1; i >= 0; i-- {
		if b.sent[i].msgType == msgType {
			return &b.sent[i]
		}
	}
	return nil
}

const (
	testAccountClass uint16 = 1
	testAvatarClass  uint16 = 2

	testFieldAvSet    uint16 = 0
	testFieldName     uint16 = 0
	testFieldDNA      uint16 = 1
	testFieldHP       uint16 = 2
	testFieldWishname uint16 = 3
	testFieldFriends  uint16 = 4
)

var testScheme = Scheme{
	AccountClass:   testAccountClass,
	AvatarClass:    testAvatarClass,
	AccountAvSet:   testFieldAvSet,
	AvatarName:     testFieldName,
	AvatarDNA:      testFieldDNA,
	AvatarWishname: testFieldWishname,
	AvatarFriends:  testFieldFriends,
}

func testCatalog() dclass.Catalog {
	return dclass.NewMemCatalog(
		dclass.Class{Number: testAccountClass, Name: "Account", Fields: []dclass.Field{
			{Number: testFieldAvSet, Name: "avatars", Flags: dclass.FieldFlags{DB: true}},
		}},
		dclass.Class{Number: testAvatarClass, Name: "Avatar", Fields: []dclass.Field{
			{Number: testFieldName, Name: "name", Flags: dclass.FieldFlags{Required: true, Broadcast: true, DB: true, Ram: true}},
			{Number: testFieldDNA, Name: "dna", Flags: dclass.FieldFlags{Required: true, Broadcast: true, DB: true, Ram: true}},
			{Number: testFieldHP, Name: "hp", Flags: dclass.FieldFlags{Required: true, Broadcast: true, DB: true, Ram: true, HasDefaultValue: true, DefaultValue: []byte{100, 0, 0, 0}}},
			{Number: testFieldWishname, Name: "wishname", Flags: dclass.FieldFlags{DB: true}},
			{Number: testFieldFriends, Name: "friends", Flags: dclass.FieldFlags{DB: true}},
		}},
	)
}

// fakeConn is an in-memory net.Conn double so Session.writeFrame has
// somewhere to write without a real socket.
type fakeConn struct {
	net.Conn
	written [][]byte
}

func (c *fakeConn) Write(b []byte) (int, error) {
	c.written = append(c.written, append([]byte(nil), b...))
	return len(b), nil
}

func (c *fakeConn) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *fakeBus) {
	t.Helper()
	bus := newFakeBus()
	kv, err := accountkv.Open(filepath.Join(t.TempDir(), "accounts.kv"))
	if err != nil {
		t.Fatalf("accountkv.Open: %v", err)
	}
	cfg := config.ClientAgentConfig{
		Version:     "dev",
		HashVal:     42,
		MinChannels: 1_000_000,
		MaxChannels: 1_000_100,
	}
	s := NewServer(cfg, testScheme, bus, testCatalog(), kv, topology.NewMemVisReader(nil), zap.NewNop(), nil)
	if err := s.dbc.start(); err != nil {
		t.Fatalf("dbc.start: %v", err)
	}
	return s, bus
}

func loginPayload(version string, hash uint32, token string) []byte {
	return wire.NewDatagram().AddString(version).AddUint32(hash).AddUint8(clientproto.TokenTypeBlue).AddString(token).Bytes()
}

func TestLoginCreatesFreshAccount(t *testing.T) {
	s, bus := newTestServer(t)
	sess := newSession(&fakeConn{}, 1_000_000)

	s.handleLogin(sess, loginPayload("dev", 42, "tok-1"))

	// The DB create goes out over the bus; the fake DB server side has to
	// answer it directly since there is no real dbserver wired up here.
	createMsg := bus.lastOfType(wire.DBSERVER_CREATE_OBJECT)
	if createMsg == nil {
		t.Fatalf("expected a DBSERVER_CREATE_OBJECT publish")
	}
	it := wire.NewDatagramIterator(createMsg.payload)
	ctx, _ := it.GetUint32()
	resp := wire.NewDatagram().AddUint32(ctx).AddUint32(777)
	bus.deliver(wire.ClientAgentChannel, wire.DatabaseChannel, wire.DBSERVER_CREATE_OBJECT_RESP, resp.Bytes())

	if !sess.authenticated {
		t.Fatalf("expected session to be authenticated")
	}
	if sess.accountId != 777 {
		t.Fatalf("expected accountId 777, got %d", sess.accountId)
	}
	if id, ok := s.kv.Lookup("tok-1"); !ok || id != 777 {
		t.Fatalf("expected token bound to account 777, got %d ok=%v", id, ok)
	}
}

func TestLoginReusesBoundToken(t *testing.T) {
	s, _ := newTestServer(t)
	if err := s.kv.Bind("tok-2", 55); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	sess := newSession(&fakeConn{}, 1_000_000)
	s.handleLogin(sess, loginPayload("dev", 42, "tok-2"))

	if !sess.authenticated || sess.accountId != 55 {
		t.Fatalf("expected immediate login to account 55, got authenticated=%v accountId=%d", sess.authenticated, sess.accountId)
	}
}

func TestLoginRejectsBadVersion(t *testing.T) {
	s, _ := newTestServer(t)
	conn := &fakeConn{}
	sess := newSession(conn, 1_000_000)
	s.handleLogin(sess, loginPayload("wrong", 42, "tok-3"))

	if sess.authenticated {
		t.Fatalf("expected login to be rejected")
	}
	if len(conn.written) == 0 {
		t.Fatalf("expected a disconnect frame to be written")
	}
}

func TestSetZoneComputesInterestAndRequestsObjects(t *testing.T) {
	s, bus := newTestServer(t)
	sess := newSession(&fakeConn{}, 1_000_000)
	sess.accountId = 1
	sess.avatarId = 100
	sess.currentParent = 50
	bus.Subscribe(sess.senderChannel(), s.makeChannelHandler(sess))

	s.handleSetZone(sess, wire.NewDatagram().AddUint32(2000).Bytes())

	setLoc := bus.lastOfType(wire.STATESERVER_OBJECT_SET_LOCATION)
	if setLoc == nil {
		t.Fatalf("expected a SET_LOCATION publish")
	}

	ack := wire.NewDatagram().AddUint32(100).AddUint32(50).AddUint32(0).AddUint32(50).AddUint32(2000)
	bus.deliver(sess.senderChannel(), 0, wire.STATESERVER_OBJECT_LOCATION_ACK, ack.Bytes())

	getZones := bus.lastOfType(wire.STATESERVER_OBJECT_GET_ZONES_OBJECTS)
	if getZones == nil {
		t.Fatalf("expected a GET_ZONES_OBJECTS publish after the location ack")
	}
	if !sess.isInterested(2000) {
		t.Fatalf("expected interest in zone 2000 after the ack")
	}
	if !sess.isInterested(topology.QuietZone) {
		t.Fatalf("expected the quiet zone to always be in the interest set")
	}
}

func TestInterestCompletesOnEmptyZonesObjectsResp(t *testing.T) {
	s, bus := newTestServer(t)
	sess := newSession(&fakeConn{}, 1_000_000)
	sess.accountId = 1
	sess.avatarId = 100
	bus.Subscribe(sess.senderChannel(), s.makeChannelHandler(sess))

	s.handleSetZone(sess, wire.NewDatagram().AddUint32(2000).Bytes())
	ack := wire.NewDatagram().AddUint32(100).AddUint32(0).AddUint32(0).AddUint32(0).AddUint32(2000)
	bus.deliver(sess.senderChannel(), 0, wire.STATESERVER_OBJECT_LOCATION_ACK, ack.Bytes())

	resp := wire.NewDatagram().AddUint16(0)
	bus.deliver(sess.senderChannel(), 0, wire.STATESERVER_OBJECT_GET_ZONES_OBJECTS_RESP, resp.Bytes())

	if len(sess.pending) != 0 {
		t.Fatalf("expected no pending doIds once the resp carried none")
	}
}

func TestClientDatagramRateLimitDisconnects(t *testing.T) {
	s, _ := newTestServer(t)
	conn := &fakeConn{}
	sess := newSessionWithLimiter(conn, 1_000_000, rate.NewLimiter(rate.Limit(1), 1))

	heartbeat := wire.NewDatagram().AddUint16(clientproto.CLIENT_HEARTBEAT).Bytes()
	getShards := wire.NewDatagram().AddUint16(clientproto.CLIENT_GET_SHARD_LIST).Bytes()

	sess.authenticated = true
	if !s.handleClientDatagram(sess, getShards) {
		t.Fatalf("expected the first request within burst to be allowed")
	}
	if s.handleClientDatagram(sess, getShards) {
		t.Fatalf("expected the second request to exceed the burst and disconnect")
	}
	if len(conn.written) == 0 {
		t.Fatalf("expected a disconnect frame once the rate limit was exceeded")
	}
	// Heartbeats never count against the limiter or gate on it.
	conn.written = nil
	if !s.handleClientDatagram(sess, heartbeat) {
		t.Fatalf("heartbeat should never be rate limited")
	}
}
