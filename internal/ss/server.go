package ss

import (
	"fmt"

	"go.uber.org/zap"

	"otpcluster/internal/clientproto"
	"otpcluster/internal/config"
	"otpcluster/internal/dclass"
	"otpcluster/internal/mdconn"
	"otpcluster/internal/metrics"
	"otpcluster/internal/wire"
)

// Bus is the subset of *mdconn.Conn the State Server needs; expressed as an
// interface so the handler logic below can be unit tested against a fake.
type Bus interface {
	Publish(dst, sender wire.Channel, msgType uint16, payload []byte) error
	Subscribe(channel wire.Channel, handler mdconn.Handler) error
	Unsubscribe(channel wire.Channel) error
}

// Server is the State Server component (spec section 4.2).
type Server struct {
	cfg      config.StateServerConfig
	log      *zap.Logger
	metrics  *metrics.Registry
	bus      Bus
	registry *Registry
	shards   *ShardRegistry
	catalog  dclass.Catalog
}

// NewServer constructs the State Server against an already-connected bus.
func NewServer(cfg config.StateServerConfig, bus Bus, catalog dclass.Catalog, log *zap.Logger, reg *metrics.Registry) *Server {
	return &Server{
		cfg:      cfg,
		log:      log.Named("stateserver"),
		metrics:  reg,
		bus:      bus,
		registry: NewRegistry(catalog),
		shards:   NewShardRegistry(),
		catalog:  catalog,
	}
}

// Start subscribes the well-known state-server channel.
func (s *Server) Start() error {
	return s.bus.Subscribe(wire.Channel(s.cfg.Channel), s.handleWellKnown)
}

func (s *Server) handleWellKnown(sender wire.Channel, msgType uint16, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	switch msgType {
	case wire.STATESERVER_ADD_SHARD:
		districtId, err1 := it.GetUint32()
		name, err2 := it.GetString()
		pop, err3 := it.GetUint32()
		if err1 != nil || err2 != nil || err3 != nil {
			s.log.Debug("malformed ADD_SHARD")
			return
		}
		s.shards.Add(sender, districtId, name, pop)
		if s.metrics != nil {
			s.metrics.SSShards.Set(float64(s.shards.Count()))
		}
		s.broadcastShardList()

	case wire.STATESERVER_UPDATE_SHARD:
		name, err1 := it.GetString()
		pop, err2 := it.GetUint32()
		if err1 != nil || err2 != nil {
			return
		}
		if _, ok := s.shards.Update(sender, name, pop); ok {
			s.broadcastShardList()
		}

	case wire.STATESERVER_REMOVE_SHARD:
		s.teardownShard(sender)

	case wire.STATESERVER_GET_SHARD_ALL:
		s.sendShardAll(sender)

	case wire.STATESERVER_OBJECT_GENERATE_WITH_REQUIRED:
		s.handleGenerate(payload, false)

	case wire.STATESERVER_OBJECT_GENERATE_WITH_REQUIRED_OTHER:
		s.handleGenerate(payload, true)

	default:
		s.log.Debug("unhandled well-known message", zap.Uint16("type", msgType))
	}
}

func (s *Server) handleGenerate(payload []byte, hasOther bool) {
	it := wire.NewDatagramIterator(payload)
	doId, err := it.GetUint32()
	if err != nil {
		return
	}
	parentId, err := it.GetUint32()
	if err != nil {
		return
	}
	zoneId, err := it.GetUint32()
	if err != nil {
		return
	}
	classNumber, err := it.GetUint16()
	if err != nil {
		return
	}

	if s.registry.Exists(doId) {
		s.log.Info("generate for existing doId ignored", zap.Uint32("doId", doId))
		return
	}
	class, ok := s.catalog.ClassByNumber(classNumber)
	if !ok {
		s.log.Warn("unknown class number", zap.Uint16("classNumber", classNumber))
		return
	}

	obj := newStateObject(class, doId, parentId, zoneId)
	for _, f := range class.RequiredFields() {
		blob, err := it.GetBlob()
		if err != nil {
			s.log.Debug("truncated required field", zap.Uint32("doId", doId))
			return
		}
		obj.SetRequired(f.Number, blob)
	}
	if hasOther {
		count, err := it.GetUint16()
		if err == nil {
			for i := uint16(0); i < count; i++ {
				num, err1 := it.GetUint16()
				blob, err2 := it.GetBlob()
				if err1 != nil || err2 != nil {
					break
				}
				if field, ok := class.FieldByNumber(num); ok && field.Flags.Ram {
					obj.SetOther(num, blob)
				}
			}
		}
	}

	s.registry.Insert(obj)
	s.bus.Subscribe(wire.DoIdChannel(doId), s.objectHandler(obj))
	if s.metrics != nil {
		s.metrics.SSObjects.Set(float64(s.registry.ObjectCount()))
	}

	s.announceArrival(obj)
}

// announceArrival notifies every owner already interested in the object's
// birth location, per the changing-location protocol (spec section 4.2.1).
func (s *Server) announceArrival(obj *StateObject) {
	for owner := range s.registry.ObserversAt(obj.ParentId, obj.ZoneId) {
		if owner == obj.OwnerId {
			continue
		}
		s.sendEnterLocation(obj, owner)
	}
}

// objectHandler returns the per-object-channel message handler (spec
// section 3 invariant I-O3: the object's doId is itself a channel).
func (s *Server) objectHandler(obj *StateObject) mdconn.Handler {
	return func(sender wire.Channel, msgType uint16, payload []byte) {
		switch msgType {
		case wire.STATESERVER_OBJECT_SET_OWNER:
			s.handleSetOwner(obj, payload)
		case wire.STATESERVER_OBJECT_SET_AI:
			s.handleSetAI(obj, payload)
		case wire.STATESERVER_OBJECT_SET_ZONE:
			s.handleSetZone(obj, sender, payload)
		case wire.STATESERVER_OBJECT_SET_LOCATION:
			s.handleSetLocation(obj, sender, payload)
		case wire.STATESERVER_OBJECT_GET_ZONES_OBJECTS:
			s.handleGetZonesObjects(obj, sender, payload)
		case wire.STATESERVER_OBJECT_UPDATE_FIELD:
			s.handleUpdateField(obj, sender, payload)
		case wire.STATESERVER_OBJECT_DELETE_RAM:
			s.handleDeleteRam(obj)
		default:
			s.log.Debug("unhandled per-object message", zap.Uint16("type", msgType), zap.Uint32("doId", obj.DoId))
		}
	}
}

func (s *Server) handleSetOwner(obj *StateObject, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	newOwner, err := it.GetUint64()
	if err != nil {
		return
	}
	oldOwner := obj.OwnerId
	if oldOwner != 0 && oldOwner != newOwner {
		s.bus.Publish(oldOwner, wire.DoIdChannel(obj.DoId), wire.STATESERVER_OBJECT_CHANGING_OWNER, packTwoChannels(oldOwner, newOwner))
	}
	obj.OwnerId = newOwner
	if newOwner == 0 {
		return
	}
	withOther := obj.HasOther()
	msgType := enterMsgType(wire.STATESERVER_OBJECT_ENTER_OWNER_WITH_REQUIRED, wire.STATESERVER_OBJECT_ENTER_OWNER_WITH_REQUIRED_OTHER, withOther)
	s.bus.Publish(newOwner, wire.DoIdChannel(obj.DoId), msgType, obj.buildEnterPayload(false, withOther))
}

func (s *Server) handleSetAI(obj *StateObject, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	newAi, err := it.GetUint64()
	if err != nil {
		return
	}
	oldAi := obj.AiChannel
	if oldAi == newAi {
		return
	}
	if oldAi != 0 {
		s.bus.Publish(oldAi, wire.DoIdChannel(obj.DoId), wire.STATESERVER_OBJECT_CHANGING_AI, packTwoChannels(oldAi, newAi))
	}
	obj.AiChannel = newAi
	if newAi != 0 {
		broadcastOnly := obj.OwnerId == 0
		withOther := obj.HasOther()
		msgType := enterMsgType(wire.STATESERVER_OBJECT_ENTER_AI_WITH_REQUIRED, wire.STATESERVER_OBJECT_ENTER_AI_WITH_REQUIRED_OTHER, withOther)
		s.bus.Publish(newAi, wire.DoIdChannel(obj.DoId), msgType, obj.buildEnterPayload(broadcastOnly, withOther))
	}
	// Re-run the changing-location protocol at the object's unchanged
	// location (spec section 4.2.2). The old and new observer sets are the
	// same and no ack target is given, so this sends no ENTER, DELETE or
	// LOCATION_ACK: observing owners are not told about the new AI.
	s.changeLocation(obj, obj.ParentId, obj.ZoneId, 0)
}

func (s *Server) handleSetZone(obj *StateObject, sender wire.Channel, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	newZone, err := it.GetUint32()
	if err != nil {
		return
	}
	s.changeLocation(obj, obj.ParentId, newZone, sender)
}

func (s *Server) handleSetLocation(obj *StateObject, sender wire.Channel, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	newParent, err1 := it.GetUint32()
	newZone, err2 := it.GetUint32()
	if err1 != nil || err2 != nil {
		return
	}
	s.changeLocation(obj, newParent, newZone, sender)
}

// changeLocation implements spec section 4.2.2's SET_ZONE/SET_LOCATION
// protocol: diff the observer sets of the old and new locations, send
// DELETE/ENTER accordingly, then (O-4) emit the LOCATION_ACK to ackTo
// strictly after every entry/departure has been sent.
func (s *Server) changeLocation(obj *StateObject, newParent, newZone uint32, ackTo wire.Channel) {
	oldParent, oldZone := obj.ParentId, obj.ZoneId
	oldObservers := cloneChannelSet(s.registry.ObserversAt(oldParent, oldZone))
	newObservers := cloneChannelSet(s.registry.ObserversAt(newParent, newZone))

	s.registry.MoveLocation(obj, newParent, newZone)

	for owner := range oldObservers {
		if _, stillIn := newObservers[owner]; stillIn {
			continue
		}
		s.bus.Publish(owner, wire.DoIdChannel(obj.DoId), wire.STATESERVER_OBJECT_DELETE_RAM, packDoId(obj.DoId))
	}
	for owner := range newObservers {
		if _, wasIn := oldObservers[owner]; wasIn {
			continue
		}
		s.sendEnterLocation(obj, owner)
	}

	if ackTo != 0 {
		d := wire.NewDatagram().AddUint32(obj.DoId).AddUint32(oldParent).AddUint32(oldZone).AddUint32(newParent).AddUint32(newZone)
		s.bus.Publish(ackTo, wire.DoIdChannel(obj.DoId), wire.STATESERVER_OBJECT_LOCATION_ACK, d.Bytes())
	}
}

func (s *Server) sendEnterLocation(obj *StateObject, owner wire.Channel) {
	withOther := obj.HasOther()
	msgType := enterMsgType(wire.STATESERVER_OBJECT_ENTER_LOCATION_WITH_REQUIRED, wire.STATESERVER_OBJECT_ENTER_LOCATION_WITH_REQUIRED_OTHER, withOther)
	s.bus.Publish(owner, wire.DoIdChannel(obj.DoId), msgType, obj.buildEnterPayload(true, withOther))
}

func (s *Server) handleGetZonesObjects(obj *StateObject, sender wire.Channel, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	count, err := it.GetUint16()
	if err != nil {
		return
	}
	zones := make(map[uint32]struct{}, count)
	for i := uint16(0); i < count; i++ {
		z, err := it.GetUint32()
		if err != nil {
			break
		}
		zones[z] = struct{}{}
	}

	owner := obj.OwnerId
	if owner == 0 {
		owner = sender
	}
	s.registry.RecordInterest(obj.ParentId, owner, zones)

	var doIds []uint32
	for z := range zones {
		doIds = append(doIds, s.registry.ObjectsAt(obj.ParentId, z)...)
	}
	d := wire.NewDatagram().AddUint16(uint16(len(doIds)))
	for _, id := range doIds {
		d.AddUint32(id)
	}
	s.bus.Publish(sender, wire.DoIdChannel(obj.DoId), wire.STATESERVER_OBJECT_GET_ZONES_OBJECTS_RESP, d.Bytes())

	// Newly declared interest only covers objects generated from here on;
	// anything already resident in the requested zones needs its own
	// ENTER_LOCATION so the new observer learns its full field state, not
	// just its doId (spec section 4.3.3 step 4).
	for _, id := range doIds {
		other, ok := s.registry.Get(id)
		if !ok || other == obj {
			continue
		}
		s.sendEnterLocation(other, owner)
	}
}

func (s *Server) handleUpdateField(obj *StateObject, sender wire.Channel, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	fieldNumber, err := it.GetUint16()
	if err != nil {
		return
	}
	fieldPayload, err := it.GetBlob()
	if err != nil {
		return
	}
	field, ok := obj.class.FieldByNumber(fieldNumber)
	if !ok {
		s.log.Debug("unknown field", zap.Uint16("field", fieldNumber), zap.Uint32("doId", obj.DoId))
		return
	}
	if err := s.catalog.Unpack(field, fieldPayload); err != nil {
		s.log.Debug("field unpack failed", zap.Uint16("field", fieldNumber))
		return
	}

	if s.shards.IsShard(sender) {
		s.fanoutAIUpdate(obj, sender, field, fieldPayload)
	} else if !s.fanoutClientUpdate(obj, sender, field, fieldPayload) {
		return
	}

	if s.metrics != nil {
		s.metrics.SSFieldUpdates.Inc()
	}

	if field.Flags.Ram {
		if field.Flags.Required {
			obj.SetRequired(fieldNumber, fieldPayload)
		} else {
			obj.SetOther(fieldNumber, fieldPayload)
		}
	}
}

func (s *Server) fanoutAIUpdate(obj *StateObject, sender wire.Channel, field dclass.Field, payload []byte) {
	body := packFieldUpdate(obj.DoId, field.Number, payload)
	if obj.OwnerId != 0 {
		s.bus.Publish(obj.OwnerId, sender, wire.STATESERVER_OBJECT_UPDATE_FIELD, body)
	}
	if obj.ParentId != 0 {
		s.bus.Publish(wire.DoIdChannel(obj.ParentId), sender, wire.STATESERVER_OBJECT_UPDATE_FIELD, body)
	}
	if field.Flags.Broadcast {
		for owner := range s.registry.ObserversAt(obj.ParentId, obj.ZoneId) {
			if owner == obj.OwnerId {
				continue
			}
			s.bus.Publish(owner, sender, wire.STATESERVER_OBJECT_UPDATE_FIELD, body)
		}
	}
	if field.Flags.DB {
		s.bus.Publish(wire.Channel(4002), wire.DoIdChannel(obj.DoId), wire.DBSERVER_OBJECT_SET_FIELD, body)
	}
}

// fanoutClientUpdate applies the client-path send policy and fans an
// allowed update out; it reports whether the update was allowed.
func (s *Server) fanoutClientUpdate(obj *StateObject, sender wire.Channel, field dclass.Field, payload []byte) bool {
	allowed := field.Flags.ClSend || (field.Flags.OwnSend && sender == obj.OwnerId)
	if !allowed {
		s.log.Warn("field update rejected by policy", zap.Uint16("field", field.Number), zap.Uint32("doId", obj.DoId))
		return false
	}
	body := packFieldUpdate(obj.DoId, field.Number, payload)
	if obj.AiChannel != 0 {
		s.bus.Publish(obj.AiChannel, sender, wire.STATESERVER_OBJECT_UPDATE_FIELD, body)
	}
	if field.Flags.Broadcast {
		for owner := range s.registry.ObserversAt(obj.ParentId, obj.ZoneId) {
			if owner == sender {
				continue
			}
			s.bus.Publish(owner, sender, wire.STATESERVER_OBJECT_UPDATE_FIELD, body)
		}
	}
	return true
}

func (s *Server) handleDeleteRam(obj *StateObject) {
	s.deleteObject(obj.DoId)
}

func (s *Server) deleteObject(doId uint32) {
	obj, ok := s.registry.Get(doId)
	if !ok {
		if s.metrics != nil {
			s.metrics.SSUnknownObject.Inc()
		}
		return
	}
	for owner := range s.registry.ObserversAt(obj.ParentId, obj.ZoneId) {
		s.bus.Publish(owner, wire.DoIdChannel(doId), wire.STATESERVER_OBJECT_DELETE_RAM, packDoId(doId))
	}
	s.bus.Unsubscribe(wire.DoIdChannel(doId))
	s.registry.Remove(doId)
	if s.metrics != nil {
		s.metrics.SSObjects.Set(float64(s.registry.ObjectCount()))
	}
}

// teardownShard implements spec section 4.2.4: remove every object whose
// AI is this shard, notifying owners, then broadcast the updated shard
// list. Driven by STATESERVER_REMOVE_SHARD, which an AI process is
// expected to register as its own post-remove (so a bare disconnect still
// fires it -- spec section 9 design note, "Post-remove as pre-serialized
// intent").
func (s *Server) teardownShard(channel wire.Channel) {
	shard, ok := s.shards.Remove(channel)
	if !ok {
		return
	}
	if s.metrics != nil {
		s.metrics.SSShards.Set(float64(s.shards.Count()))
	}

	var orphaned []uint32
	for doId, obj := range s.registry.objects {
		if obj.AiChannel == channel {
			orphaned = append(orphaned, doId)
		}
	}
	for _, doId := range orphaned {
		obj, ok := s.registry.Get(doId)
		if !ok {
			continue
		}
		if obj.OwnerId != 0 {
			d := wire.NewDatagram().AddUint16(clientproto.DISCONNECT_SHARD_CLOSED).AddString(fmt.Sprintf("shard %q closed", shard.Name))
			s.bus.Publish(obj.OwnerId, wire.DoIdChannel(doId), wire.CLIENTAGENT_DISCONNECT, d.Bytes())
		}
		s.deleteObject(doId)
	}
	s.broadcastShardList()
}

func (s *Server) sendShardAll(to wire.Channel) {
	s.bus.Publish(to, wire.Channel(s.cfg.Channel), wire.STATESERVER_GET_SHARD_ALL_RESP, s.packShardList())
}

func (s *Server) broadcastShardList() {
	body := s.packShardList()
	for _, obj := range s.registry.objects {
		if obj.OwnerId != 0 {
			s.bus.Publish(obj.OwnerId, wire.Channel(s.cfg.Channel), wire.STATESERVER_GET_SHARD_ALL_RESP, body)
		}
	}
}

func (s *Server) packShardList() []byte {
	all := s.shards.All()
	d := wire.NewDatagram().AddUint16(uint16(len(all)))
	for _, sh := range all {
		d.AddUint64(sh.Channel).AddString(sh.Name).AddUint32(sh.Population)
	}
	return d.Bytes()
}

func cloneChannelSet(in map[wire.Channel]struct{}) map[wire.Channel]struct{} {
	out := make(map[wire.Channel]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func packTwoChannels(a, b wire.Channel) []byte {
	return wire.NewDatagram().AddUint64(a).AddUint64(b).Bytes()
}

func packDoId(doId uint32) []byte {
	return wire.NewDatagram().AddUint32(doId).Bytes()
}

func packFieldUpdate(doId uint32, fieldNumber uint16, payload []byte) []byte {
	return wire.NewDatagram().AddUint32(doId).AddUint16(fieldNumber).AddBlob(payload).Bytes()
}
