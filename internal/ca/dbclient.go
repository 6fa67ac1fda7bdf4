package ca

import (
	"sync"
	"sync/atomic"

	"otpcluster/internal/wire"
)

// dbClient issues correlated request/response calls to the Database Server
// over the shared bus, matching spec section 4.4's ctx-correlated message
// families. The CA always replies to its own well-known channel
// (wire.ClientAgentChannel), so a single subscription there demultiplexes
// every in-flight request by context id.
type dbClient struct {
	bus     Bus
	dbChan  wire.Channel
	replyTo wire.Channel

	nextCtx uint32

	mu      sync.Mutex
	pending map[uint32]func(payload []byte)
}

func newDBClient(bus Bus, dbChan, replyTo wire.Channel) *dbClient {
	return &dbClient{
		bus:     bus,
		dbChan:  dbChan,
		replyTo: replyTo,
		pending: make(map[uint32]func(payload []byte)),
	}
}

// start subscribes the reply channel; must be called once before any call.
func (c *dbClient) start() error {
	return c.bus.Subscribe(c.replyTo, c.onReply)
}

func (c *dbClient) onReply(sender wire.Channel, msgType uint16, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	ctx, err := it.GetUint32()
	if err != nil {
		return
	}
	c.mu.Lock()
	cb, ok := c.pending[ctx]
	if ok {
		delete(c.pending, ctx)
	}
	c.mu.Unlock()
	if ok {
		cb(payload)
	}
}

func (c *dbClient) allocCtx(cb func(payload []byte)) uint32 {
	ctx := atomic.AddUint32(&c.nextCtx, 1)
	c.mu.Lock()
	c.pending[ctx] = cb
	c.mu.Unlock()
	return ctx
}

// CreateObject requests DBSERVER_CREATE_OBJECT and invokes cb(doId) once
// the response with a matching context arrives.
func (c *dbClient) CreateObject(classNumber uint16, fields map[uint16][]byte, cb func(doId uint32)) {
	ctx := c.allocCtx(func(payload []byte) {
		it := wire.NewDatagramIterator(payload)
		it.GetUint32()
		doId, _ := it.GetUint32()
		cb(doId)
	})
	d := wire.NewDatagram().AddUint32(ctx).AddUint16(classNumber).AddUint16(uint16(len(fields)))
	for num, blob := range fields {
		d.AddUint16(num).AddBlob(blob)
	}
	c.bus.Publish(c.dbChan, c.replyTo, wire.DBSERVER_CREATE_OBJECT, d.Bytes())
}

// GetAll requests every field of doId.
func (c *dbClient) GetAll(doId uint32, cb func(ok bool, classNumber uint16, fields map[uint16][]byte)) {
	ctx := c.allocCtx(func(payload []byte) {
		it := wire.NewDatagramIterator(payload)
		it.GetUint32()
		success, _ := it.GetUint8()
		if success == 0 {
			cb(false, 0, nil)
			return
		}
		classNumber, _ := it.GetUint16()
		count, _ := it.GetUint16()
		fields := make(map[uint16][]byte, count)
		for i := uint16(0); i < count; i++ {
			num, err1 := it.GetUint16()
			blob, err2 := it.GetBlob()
			if err1 != nil || err2 != nil {
				break
			}
			fields[num] = blob
		}
		cb(true, classNumber, fields)
	})
	d := wire.NewDatagram().AddUint32(ctx).AddUint32(doId)
	c.bus.Publish(c.dbChan, c.replyTo, wire.DBSERVER_OBJECT_GET_ALL, d.Bytes())
}

// SetField fires a fire-and-forget field write.
func (c *dbClient) SetField(doId uint32, fieldNumber uint16, payload []byte) {
	d := wire.NewDatagram().AddUint32(doId).AddUint16(fieldNumber).AddBlob(payload)
	c.bus.Publish(c.dbChan, c.replyTo, wire.DBSERVER_OBJECT_SET_FIELD, d.Bytes())
}
