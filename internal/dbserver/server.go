package dbserver

import (
	"go.uber.org/zap"

	"otpcluster/internal/allocator"
	"otpcluster/internal/config"
	"otpcluster/internal/dclass"
	"otpcluster/internal/mdconn"
	"otpcluster/internal/metrics"
	"otpcluster/internal/wire"
)

// Bus is the subset of *mdconn.Conn the Database Server needs.
type Bus interface {
	Publish(dst, sender wire.Channel, msgType uint16, payload []byte) error
	Subscribe(channel wire.Channel, handler mdconn.Handler) error
	Unsubscribe(channel wire.Channel) error
}

// Server is the Database Server component (spec section 4.4), grounded on
// original_source/realtime/database.py's DatabaseServer/DatabaseOperationManager.
type Server struct {
	cfg     config.DatabaseConfig
	log     *zap.Logger
	metrics *metrics.Registry
	bus     Bus
	catalog dclass.Catalog

	store   *Store
	tracker *Tracker
	alloc   *allocator.Allocator

	ops chan func()
}

// NewServer constructs the Database Server. Its doId allocator is seeded
// from the persisted "next" tracker file before any operation runs.
func NewServer(cfg config.DatabaseConfig, bus Bus, catalog dclass.Catalog, log *zap.Logger, reg *metrics.Registry) (*Server, error) {
	store, err := NewStore(cfg.Directory, cfg.Extension)
	if err != nil {
		return nil, err
	}
	tracker := NewTracker(cfg.Directory, cfg.Tracker, cfg.Extension)
	next, err := tracker.LoadOrInit(cfg.MinDoId)
	if err != nil {
		return nil, err
	}
	alloc := allocator.New(cfg.MinDoId, cfg.MaxDoId)
	if err := alloc.Restore(next); err != nil {
		return nil, err
	}

	return &Server{
		cfg:     cfg,
		log:     log.Named("dbserver"),
		metrics: reg,
		bus:     bus,
		catalog: catalog,
		store:   store,
		tracker: tracker,
		alloc:   alloc,
		ops:     make(chan func(), 4096),
	}, nil
}

// Start subscribes the DB's well-known channel and launches the
// single-consumer operation queue (spec section 4.4). One goroutine runs
// queued operations in arrival order as soon as they are queued; there is
// no periodic drain tick. handle only enqueues, so each response is
// published after handle has returned.
func (s *Server) Start() error {
	go s.drain()
	return s.bus.Subscribe(wire.Channel(s.cfg.Channel), s.handle)
}

func (s *Server) drain() {
	for op := range s.ops {
		op()
	}
}

func (s *Server) enqueue(op func()) {
	s.ops <- op
}

func (s *Server) handle(sender wire.Channel, msgType uint16, payload []byte) {
	switch msgType {
	case wire.DBSERVER_CREATE_OBJECT:
		s.enqueue(func() { s.handleCreateObject(sender, payload) })
	case wire.DBSERVER_OBJECT_GET_ALL:
		s.enqueue(func() { s.handleGetAll(sender, payload) })
	case wire.DBSERVER_OBJECT_GET_FIELD:
		s.enqueue(func() { s.handleGetField(sender, payload) })
	case wire.DBSERVER_OBJECT_GET_FIELDS:
		s.enqueue(func() { s.handleGetFields(sender, payload) })
	case wire.DBSERVER_OBJECT_SET_FIELD:
		s.enqueue(func() { s.handleSetField(payload) })
	case wire.DBSERVER_OBJECT_SET_FIELDS:
		s.enqueue(func() { s.handleSetFields(payload) })
	case wire.DBSERVER_OBJECT_SET_FIELD_IF_EQUALS:
		s.enqueue(func() { s.handleSetFieldIfEquals(sender, payload) })
	default:
		s.log.Debug("unhandled db message", zap.Uint16("type", msgType))
	}
}

func (s *Server) handleCreateObject(sender wire.Channel, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	ctx, err1 := it.GetUint32()
	classNumber, err2 := it.GetUint16()
	fieldCount, err3 := it.GetUint16()
	if err1 != nil || err2 != nil || err3 != nil {
		return
	}

	class, ok := s.catalog.ClassByNumber(classNumber)
	if !ok {
		s.log.Error("create_object: unknown class", zap.Uint16("classNumber", classNumber))
		s.respondCreate(sender, ctx, 0)
		return
	}

	fields := make(map[uint16][]byte, fieldCount)
	for i := uint16(0); i < fieldCount; i++ {
		num, err1 := it.GetUint16()
		blob, err2 := it.GetBlob()
		if err1 != nil || err2 != nil {
			s.respondCreate(sender, ctx, 0)
			return
		}
		fields[num] = blob
	}

	// Default-value population: any field flagged both db and
	// has_default_value that field_data didn't already supply (spec
	// section 4.4, original_source/realtime/database.py's
	// DatabaseCreateFSM default-value loop).
	for _, f := range class.Fields {
		if _, already := fields[f.Number]; already {
			continue
		}
		if f.Flags.DB && f.Flags.HasDefaultValue {
			fields[f.Number] = f.Flags.DefaultValue
		}
	}

	doId, ok := s.alloc.Allocate()
	if !ok {
		s.log.Error("doId allocator exhausted")
		s.respondCreate(sender, ctx, 0)
		return
	}

	rec := &ObjectRecord{DoId: doId, ClassNumber: classNumber, Fields: fields}
	if err := s.store.Save(rec); err != nil {
		s.log.Error("failed to persist new object", zap.Uint32("doId", doId), zap.Error(err))
		s.alloc.Free(doId)
		s.respondCreate(sender, ctx, 0)
		return
	}
	if err := s.tracker.Save(s.alloc.Next()); err != nil {
		s.log.Error("failed to persist doId tracker", zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.DBOpsTotal.Inc()
		s.metrics.DBObjects.Set(float64(s.alloc.Count()))
	}
	s.respondCreate(sender, ctx, doId)
}

func (s *Server) respondCreate(sender wire.Channel, ctx, doId uint32) {
	d := wire.NewDatagram().AddUint32(ctx).AddUint32(doId)
	s.bus.Publish(sender, wire.Channel(s.cfg.Channel), wire.DBSERVER_CREATE_OBJECT_RESP, d.Bytes())
}

func (s *Server) handleGetAll(sender wire.Channel, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	ctx, err1 := it.GetUint32()
	doId, err2 := it.GetUint32()
	if err1 != nil || err2 != nil {
		return
	}
	rec, err := s.store.Load(doId)
	if err != nil {
		d := wire.NewDatagram().AddUint32(ctx).AddUint8(0)
		s.bus.Publish(sender, wire.Channel(s.cfg.Channel), wire.DBSERVER_OBJECT_GET_ALL_RESP, d.Bytes())
		if s.metrics != nil {
			s.metrics.DBOpsTotal.Inc()
		}
		return
	}
	d := wire.NewDatagram().AddUint32(ctx).AddUint8(1).AddUint16(rec.ClassNumber).AddUint16(uint16(len(rec.Fields)))
	for num, blob := range rec.Fields {
		d.AddUint16(num).AddBlob(blob)
	}
	s.bus.Publish(sender, wire.Channel(s.cfg.Channel), wire.DBSERVER_OBJECT_GET_ALL_RESP, d.Bytes())
	if s.metrics != nil {
		s.metrics.DBOpsTotal.Inc()
	}
}

func (s *Server) handleGetField(sender wire.Channel, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	ctx, err1 := it.GetUint32()
	doId, err2 := it.GetUint32()
	fieldNumber, err3 := it.GetUint16()
	if err1 != nil || err2 != nil || err3 != nil {
		return
	}
	rec, err := s.store.Load(doId)
	if err != nil {
		s.bus.Publish(sender, wire.Channel(s.cfg.Channel), wire.DBSERVER_OBJECT_GET_FIELD_RESP,
			wire.NewDatagram().AddUint32(ctx).AddUint8(0).AddUint16(fieldNumber).Bytes())
		return
	}
	blob, ok := rec.Fields[fieldNumber]
	d := wire.NewDatagram().AddUint32(ctx)
	if !ok {
		d.AddUint8(0).AddUint16(fieldNumber)
	} else {
		d.AddUint8(1).AddUint16(fieldNumber).AddBlob(blob)
	}
	s.bus.Publish(sender, wire.Channel(s.cfg.Channel), wire.DBSERVER_OBJECT_GET_FIELD_RESP, d.Bytes())
}

func (s *Server) handleGetFields(sender wire.Channel, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	ctx, err1 := it.GetUint32()
	doId, err2 := it.GetUint32()
	count, err3 := it.GetUint16()
	if err1 != nil || err2 != nil || err3 != nil {
		return
	}
	wanted := make([]uint16, 0, count)
	for i := uint16(0); i < count; i++ {
		n, err := it.GetUint16()
		if err != nil {
			return
		}
		wanted = append(wanted, n)
	}

	rec, err := s.store.Load(doId)
	if err != nil {
		s.bus.Publish(sender, wire.Channel(s.cfg.Channel), wire.DBSERVER_OBJECT_GET_FIELDS_RESP,
			wire.NewDatagram().AddUint32(ctx).AddUint8(0).AddUint16(0).Bytes())
		return
	}
	d := wire.NewDatagram().AddUint32(ctx).AddUint8(1)
	var found []uint16
	for _, n := range wanted {
		if _, ok := rec.Fields[n]; ok {
			found = append(found, n)
		}
	}
	d.AddUint16(uint16(len(found)))
	for _, n := range found {
		d.AddUint16(n).AddBlob(rec.Fields[n])
	}
	s.bus.Publish(sender, wire.Channel(s.cfg.Channel), wire.DBSERVER_OBJECT_GET_FIELDS_RESP, d.Bytes())
}

func (s *Server) handleSetField(payload []byte) {
	it := wire.NewDatagramIterator(payload)
	doId, err1 := it.GetUint32()
	fieldNumber, err2 := it.GetUint16()
	blob, err3 := it.GetBlob()
	if err1 != nil || err2 != nil || err3 != nil {
		return
	}
	rec, err := s.store.Load(doId)
	if err != nil {
		s.log.Warn("set_field for unknown object", zap.Uint32("doId", doId))
		return
	}
	rec.Fields[fieldNumber] = blob
	if err := s.store.Save(rec); err != nil {
		s.log.Error("failed to persist field update", zap.Uint32("doId", doId), zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.DBOpsTotal.Inc()
	}
}

func (s *Server) handleSetFields(payload []byte) {
	it := wire.NewDatagramIterator(payload)
	doId, err1 := it.GetUint32()
	count, err2 := it.GetUint16()
	if err1 != nil || err2 != nil {
		return
	}
	rec, err := s.store.Load(doId)
	if err != nil {
		s.log.Warn("set_fields for unknown object", zap.Uint32("doId", doId))
		return
	}
	for i := uint16(0); i < count; i++ {
		num, err1 := it.GetUint16()
		blob, err2 := it.GetBlob()
		if err1 != nil || err2 != nil {
			break
		}
		rec.Fields[num] = blob
	}
	if err := s.store.Save(rec); err != nil {
		s.log.Error("failed to persist fields update", zap.Uint32("doId", doId), zap.Error(err))
	}
}

func (s *Server) handleSetFieldIfEquals(sender wire.Channel, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	ctx, err1 := it.GetUint32()
	doId, err2 := it.GetUint32()
	fieldNumber, err3 := it.GetUint16()
	oldBlob, err4 := it.GetBlob()
	newBlob, err5 := it.GetBlob()
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		return
	}

	rec, err := s.store.Load(doId)
	if err != nil {
		s.respondCAS(sender, ctx, false, []uint16{fieldNumber})
		return
	}
	current, ok := rec.Fields[fieldNumber]
	if !ok || string(current) != string(oldBlob) {
		s.respondCAS(sender, ctx, false, []uint16{fieldNumber})
		return
	}
	rec.Fields[fieldNumber] = newBlob
	if err := s.store.Save(rec); err != nil {
		s.log.Error("failed to persist CAS update", zap.Uint32("doId", doId), zap.Error(err))
		s.respondCAS(sender, ctx, false, []uint16{fieldNumber})
		return
	}
	s.respondCAS(sender, ctx, true, nil)
}

func (s *Server) respondCAS(sender wire.Channel, ctx uint32, success bool, failing []uint16) {
	d := wire.NewDatagram().AddUint32(ctx).AddBool(success).AddUint16(uint16(len(failing)))
	for _, n := range failing {
		d.AddUint16(n)
	}
	s.bus.Publish(sender, wire.Channel(s.cfg.Channel), wire.DBSERVER_OBJECT_SET_FIELD_IF_EQUALS_RESP, d.Bytes())
}
