package ss

import (
	"testing"

	"go.uber.org/zap"

	"otpcluster/internal/clientproto"
	"otpcluster/internal/config"
	"otpcluster/internal/dclass"
	"otpcluster/internal/mdconn"
	"otpcluster/internal/wire"
)

// fakeBus is an in-memory stand-in for *mdconn.Conn, good enough to drive
// the State Server's dispatch logic without a real TCP connection.
type fakeBus struct {
	handlers map[wire.Channel]mdconn.Handler
	sent     []sentMsg
}

type sentMsg struct {
	dst, sender wire.Channel
	msgType     uint16
	payload     []byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[wire.Channel]mdconn.Handler)}
}

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
	if h, ok := b.handlers[dst]; ok {
		h(sender, msgType, payload)
	}
}

func (b *fakeBus) sentTo(dst wire.Channel) []sentMsg {
	var out []sentMsg
	for _, m := range b.sent {
		if m.dst == dst {
			out = append(out, m)
		}
	}
	return out
}

const (
	testClassAvatar uint16 = 1
	fieldSetName    uint16 = 0
	fieldSetHP      uint16 = 1
	fieldPos        uint16 = 2
)

func testCatalog() dclass.Catalog {
	avatar := dclass.Class{
		Number: testClassAvatar,
		Name:   "DistributedAvatar",
		Fields: []dclass.Field{
			{Number: fieldSetName, Name: "setName", Flags: dclass.FieldFlags{Required: true, Broadcast: true, Ram: true}},
			{Number: fieldSetHP, Name: "setHP", Flags: dclass.FieldFlags{Required: true, Broadcast: true, Ram: true, OwnSend: true}},
			{Number: fieldPos, Name: "setPos", Flags: dclass.FieldFlags{ClSend: true, Broadcast: true, Ram: true}},
		},
	}
	return dclass.NewMemCatalog(avatar)
}

func newTestServer() (*Server, *fakeBus) {
	bus := newFakeBus()
	s := NewServer(config.StateServerConfig{Channel: 4001}, bus, testCatalog(), zap.NewNop(), nil)
	s.Start()
	return s, bus
}

func genPayload(doId, parentId, zoneId uint32, name string, hp uint32) []byte {
	d := wire.NewDatagram().AddUint32(doId).AddUint32(parentId).AddUint32(zoneId).AddUint16(testClassAvatar)
	d.AddBlob(wire.NewDatagram().AddString(name).Bytes())
	d.AddBlob(wire.NewDatagram().AddUint32(hp).Bytes())
	return d.Bytes()
}

func TestGenerateCreatesObjectAndSubscribesChannel(t *testing.T) {
	s, bus := newTestServer()
	bus.deliver(4001, 0, wire.STATESERVER_OBJECT_GENERATE_WITH_REQUIRED, genPayload(100, 1, 2, "Rocky", 50))

	if !s.registry.Exists(100) {
		t.Fatalf("expected doId 100 to exist after generate")
	}
	if _, ok := bus.handlers[wire.DoIdChannel(100)]; !ok {
		t.Fatalf("expected per-object channel subscription for doId 100")
	}
}

func TestDuplicateGenerateIgnored(t *testing.T) {
	s, bus := newTestServer()
	bus.deliver(4001, 0, wire.STATESERVER_OBJECT_GENERATE_WITH_REQUIRED, genPayload(100, 1, 2, "Rocky", 50))
	bus.deliver(4001, 0, wire.STATESERVER_OBJECT_GENERATE_WITH_REQUIRED, genPayload(100, 1, 2, "Other", 10))

	obj, _ := s.registry.Get(100)
	if string(obj.required[fieldSetName]) != string(wire.NewDatagram().AddString("Rocky").Bytes()) {
		t.Fatalf("second generate should not have overwritten the first object")
	}
}

func TestSetZoneSendsDeleteAndLocationAck(t *testing.T) {
	s, bus := newTestServer()
	bus.deliver(4001, 0, wire.STATESERVER_OBJECT_GENERATE_WITH_REQUIRED, genPayload(100, 1, 2, "Rocky", 50))
	bus.deliver(4001, 0, wire.STATESERVER_OBJECT_GENERATE_WITH_REQUIRED, genPayload(200, 1, 2, "Watcher", 10))

	owner := wire.Channel(777)
	zones := map[uint32]struct{}{2: {}}
	s.registry.RecordInterest(1, owner, zones)

	bus.deliver(wire.DoIdChannel(100), owner, wire.STATESERVER_OBJECT_SET_ZONE, wire.NewDatagram().AddUint32(3).Bytes())

	ackMsgs := bus.sentTo(owner)
	var sawDelete, sawAck bool
	for _, m := range ackMsgs {
		if m.msgType == wire.STATESERVER_OBJECT_DELETE_RAM {
			sawDelete = true
		}
		if m.msgType == wire.STATESERVER_OBJECT_LOCATION_ACK {
			sawAck = true
		}
	}
	if !sawDelete {
		t.Fatalf("expected DELETE_RAM to owner no longer observing doId 100's new zone")
	}
	if !sawAck {
		t.Fatalf("expected LOCATION_ACK to the requester")
	}
}

func TestUpdateFieldClientPathRequiresClSendOrOwnSend(t *testing.T) {
	_, bus := newTestServer()
	bus.deliver(4001, 0, wire.STATESERVER_OBJECT_GENERATE_WITH_REQUIRED, genPayload(100, 1, 2, "Rocky", 50))

	owner := wire.Channel(555)
	aiChan := wire.Channel(5000001)
	bus.deliver(wire.DoIdChannel(100), owner, wire.STATESERVER_OBJECT_SET_OWNER, wire.NewDatagram().AddUint64(owner).Bytes())
	bus.deliver(wire.DoIdChannel(100), owner, wire.STATESERVER_OBJECT_SET_AI, wire.NewDatagram().AddUint64(aiChan).Bytes())
	bus.sent = nil

	nameUpdate := wire.NewDatagram().AddUint16(fieldSetName).AddBlob(wire.NewDatagram().AddString("Nope").Bytes()).Bytes()
	bus.deliver(wire.DoIdChannel(100), wire.Channel(999), wire.STATESERVER_OBJECT_UPDATE_FIELD, nameUpdate)
	if len(bus.sent) != 0 {
		t.Fatalf("setName is not clsend/ownsend; update from a non-owner must be rejected, got %d sends", len(bus.sent))
	}

	hpUpdate := wire.NewDatagram().AddUint16(fieldSetHP).AddBlob(wire.NewDatagram().AddUint32(42).Bytes()).Bytes()
	bus.deliver(wire.DoIdChannel(100), owner, wire.STATESERVER_OBJECT_UPDATE_FIELD, hpUpdate)
	if len(bus.sent) == 0 {
		t.Fatalf("setHP is ownsend; update from the owner itself should be accepted")
	}
}

func TestUpdateFieldAIPathEchoesToOwnerAndParent(t *testing.T) {
	_, bus := newTestServer()
	bus.deliver(4001, 0, wire.STATESERVER_OBJECT_GENERATE_WITH_REQUIRED, genPayload(100, 1, 2, "Rocky", 50))

	shardChan := wire.Channel(5000001)
	bus.deliver(4001, shardChan, wire.STATESERVER_ADD_SHARD, wire.NewDatagram().AddUint32(1).AddString("shard-1").AddUint32(0).Bytes())

	owner := wire.Channel(555)
	bus.deliver(wire.DoIdChannel(100), shardChan, wire.STATESERVER_OBJECT_SET_OWNER, wire.NewDatagram().AddUint64(owner).Bytes())
	bus.sent = nil

	posUpdate := wire.NewDatagram().AddUint16(fieldPos).AddBlob(wire.NewDatagram().AddUint32(7).Bytes()).Bytes()
	bus.deliver(wire.DoIdChannel(100), shardChan, wire.STATESERVER_OBJECT_UPDATE_FIELD, posUpdate)

	foundOwner := false
	for _, m := range bus.sentTo(owner) {
		if m.msgType == wire.STATESERVER_OBJECT_UPDATE_FIELD {
			foundOwner = true
		}
	}
	if !foundOwner {
		t.Fatalf("expected AI-originated field update to be echoed to the owner")
	}

	foundParent := false
	for _, m := range bus.sentTo(wire.DoIdChannel(1)) {
		if m.msgType == wire.STATESERVER_OBJECT_UPDATE_FIELD {
			foundParent = true
		}
	}
	if !foundParent {
		t.Fatalf("expected AI-originated field update to be echoed to the parent")
	}
}

func TestShardTeardownDisconnectsOwnersAndDeletesObjects(t *testing.T) {
	s, bus := newTestServer()
	bus.deliver(4001, 0, wire.STATESERVER_OBJECT_GENERATE_WITH_REQUIRED, genPayload(100, 1, 2, "Rocky", 50))

	shardChan := wire.Channel(5000001)
	bus.deliver(4001, shardChan, wire.STATESERVER_ADD_SHARD, wire.NewDatagram().AddUint32(1).AddString("shard-1").AddUint32(0).Bytes())
	bus.deliver(wire.DoIdChannel(100), shardChan, wire.STATESERVER_OBJECT_SET_AI, wire.NewDatagram().AddUint64(shardChan).Bytes())

	owner := wire.Channel(555)
	bus.deliver(wire.DoIdChannel(100), shardChan, wire.STATESERVER_OBJECT_SET_OWNER, wire.NewDatagram().AddUint64(owner).Bytes())
	bus.sent = nil

	bus.deliver(4001, shardChan, wire.STATESERVER_REMOVE_SHARD, nil)

	if s.registry.Exists(100) {
		t.Fatalf("expected doId 100 to be removed after its shard tore down")
	}
	if s.shards.IsShard(shardChan) {
		t.Fatalf("expected shard to be removed from the shard registry")
	}
	var sawDisconnect bool
	for _, m := range bus.sentTo(owner) {
		if m.msgType == wire.CLIENTAGENT_DISCONNECT {
			sawDisconnect = true
			it := wire.NewDatagramIterator(m.payload)
			code, _ := it.GetUint16()
			if code != clientproto.DISCONNECT_SHARD_CLOSED {
				t.Fatalf("expected SHARD_CLOSED code, got %d", code)
			}
		}
	}
	if !sawDisconnect {
		t.Fatalf("expected owner to receive CLIENTAGENT_DISCONNECT on shard teardown")
	}
}

func TestGetZonesObjectsReturnsPhysicalPresence(t *testing.T) {
	_, bus := newTestServer()
	bus.deliver(4001, 0, wire.STATESERVER_OBJECT_GENERATE_WITH_REQUIRED, genPayload(100, 1, 2, "Rocky", 50))
	bus.deliver(4001, 0, wire.STATESERVER_OBJECT_GENERATE_WITH_REQUIRED, genPayload(200, 1, 2, "Watcher", 10))

	requester := wire.Channel(42)
	req := wire.NewDatagram().AddUint16(1).AddUint32(2)
	bus.deliver(wire.DoIdChannel(200), requester, wire.STATESERVER_OBJECT_GET_ZONES_OBJECTS, req.Bytes())

	var resp *sentMsg
	for i := range bus.sent {
		if bus.sent[i].msgType == wire.STATESERVER_OBJECT_GET_ZONES_OBJECTS_RESP {
			resp = &bus.sent[i]
		}
	}
	if resp == nil {
		t.Fatalf("expected a GET_ZONES_OBJECTS_RESP")
	}
	it := wire.NewDatagramIterator(resp.payload)
	count, _ := it.GetUint16()
	if count != 2 {
		t.Fatalf("expected 2 objects at (1,2), got %d", count)
	}

	found := false
	for _, m := range bus.sent {
		if m.dst == requester && (m.msgType == wire.STATESERVER_OBJECT_ENTER_LOCATION_WITH_REQUIRED || m.msgType == wire.STATESERVER_OBJECT_ENTER_LOCATION_WITH_REQUIRED_OTHER) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an ENTER_LOCATION for the already-resident object 100")
	}
}
