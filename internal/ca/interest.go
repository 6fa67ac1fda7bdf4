package ca

import (
	"time"

	"go.uber.org/zap"

	"otpcluster/internal/clientproto"
	"otpcluster/internal/topology"
	"otpcluster/internal/wire"
)

// handleSetShard implements spec section 4.3.3 step 0: binds the avatar to
// a shard (top-level parent) before any zone interest exists. It is a
// thin wrapper over the same location-change path SET_ZONE uses, entering
// at the shard's quiet zone.
func (s *Server) handleSetShard(sess *Session, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	shardId, err := it.GetUint32()
	if err != nil {
		s.disconnect(sess, clientproto.DISCONNECT_TRUNCATED_DATAGRAM, "malformed set-shard")
		return
	}
	s.requestLocationChange(sess, shardId, topology.QuietZone)
}

// handleSetZone starts spec section 4.3.3's zone change: it only asks the
// state server to move the avatar to the new zone under its current
// parent. Resolving the branch's vis group, computing the effective
// interest set and swapping it all happen in handleLocationAck, once
// OBJECT_LOCATION_ACK confirms the move (step 3), not here, so a client
// can't observe a half-applied interest set.
func (s *Server) handleSetZone(sess *Session, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	zone, err := it.GetUint32()
	if err != nil {
		s.disconnect(sess, clientproto.DISCONNECT_TRUNCATED_DATAGRAM, "malformed set-zone")
		return
	}
	sess.mu.Lock()
	parent := sess.currentParent
	sess.mu.Unlock()
	s.requestLocationChange(sess, parent, zone)
}

func (s *Server) requestLocationChange(sess *Session, parent, zone uint32) {
	sess.mu.Lock()
	sess.interestDirty = true
	sess.mu.Unlock()

	d := wire.NewDatagram().AddUint32(parent).AddUint32(zone)
	s.bus.Publish(wire.DoIdChannel(sess.avatarId), sess.senderChannel(), wire.STATESERVER_OBJECT_SET_LOCATION, d.Bytes())
}

// handleLocationAck implements spec section 4.3.3 step 3: the move is now
// durable on the state server. Compute the new effective interest set,
// diff it against the session's prior set, drop zones no longer wanted
// (forgetting every doId seen there), and issue GET_ZONES_OBJECTS for
// every newly-wanted zone so its current occupants can be discovered.
func (s *Server) handleLocationAck(sess *Session, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	_, _ = it.GetUint32() // doId
	_, _ = it.GetUint32() // oldParent
	_, _ = it.GetUint32() // oldZone
	newParent, err1 := it.GetUint32()
	newZone, err2 := it.GetUint32()
	if err1 != nil || err2 != nil {
		return
	}

	branch := topology.BranchZone(newZone)
	vg, ok := sess.dnaCache[branch]
	if !ok {
		loaded, err := s.vis.Load(branch)
		if err != nil {
			s.log.Warn("vis group load failed", zap.Uint32("branch", branch), zap.Error(err))
			loaded = topology.VisGroup{}
		}
		vg = loaded
		sess.dnaCache[branch] = vg
	}
	newInterest := topology.EffectiveInterest(newZone, vg)

	sess.mu.Lock()
	oldZone := sess.currentZone
	sess.currentParent = newParent
	sess.currentZone = newZone
	sess.pendingOldZone = oldZone
	sess.interestDirty = false

	var toDrop []uint32
	for zone := range sess.interestZones {
		if _, keep := newInterest[zone]; !keep {
			toDrop = append(toDrop, zone)
		}
	}
	var toAdd []uint32
	for zone := range newInterest {
		if _, had := sess.interestZones[zone]; !had {
			toAdd = append(toAdd, zone)
		}
	}
	sess.interestZones = newInterest
	for _, zone := range toDrop {
		for _, doId := range sess.forgetSeenZone(zone) {
			delete(sess.owned, doId)
		}
	}
	for _, zone := range toAdd {
		sess.pendingZones[zone] = struct{}{}
	}
	sess.mu.Unlock()

	if len(toAdd) == 0 {
		s.sendZoneChangeReply(sess, newZone, true)
		return
	}

	s.armInterestTimeout(sess)
	req := wire.NewDatagram().AddUint16(uint16(len(toAdd)))
	for _, z := range toAdd {
		req.AddUint32(z)
	}
	s.bus.Publish(wire.DoIdChannel(sess.avatarId), sess.senderChannel(), wire.STATESERVER_OBJECT_GET_ZONES_OBJECTS, req.Bytes())
}

// handleZonesObjectsResp implements spec section 4.3.3 step 4: the state
// server has answered, in one batch covering every zone from the request
// that triggered it, with every doId physically present there. Each one
// becomes an ENTER_LOCATION this session expects to receive next.
func (s *Server) handleZonesObjectsResp(sess *Session, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	count, err := it.GetUint16()
	if err != nil {
		return
	}
	sess.mu.Lock()
	for i := uint16(0); i < count; i++ {
		doId, err := it.GetUint32()
		if err != nil {
			break
		}
		sess.pending[doId] = struct{}{}
	}
	sess.pendingZones = make(map[uint32]struct{})
	done := len(sess.pending) == 0
	sess.mu.Unlock()

	if done {
		s.finishInterestComplete(sess)
	}
}

// handleEnterLocation implements spec section 4.3.3's interest-complete
// reply table: forward the object to the client as a visible object, mark
// it seen, and clear it from the pending set -- unless one of the
// section's guards says to drop it instead: already seen or owned
// (I-O5, at-most-once delivery), not currently within the session's
// interest set, or the player-avatar class arriving in the quiet zone
// (spec section 3, "never carries player avatars"; that zone exists
// purely to anchor interest, not to render anyone standing in it). The
// pending/handshake bookkeeping below runs regardless of whether the
// object is forwarded, so a dropped entry still counts toward interest
// completion.
func (s *Server) handleEnterLocation(sess *Session, payload []byte, hasOther bool) {
	it := wire.NewDatagramIterator(payload)
	doId, err1 := it.GetUint32()
	parentId, err2 := it.GetUint32()
	zoneId, err3 := it.GetUint32()
	classNumber, err4 := it.GetUint16()
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return
	}

	sess.mu.Lock()
	_, alreadySeen := sess.seen[zoneId][doId]
	_, owned := sess.owned[doId]
	inInterest := sess.isInterested(zoneId)
	quietAvatar := zoneId == topology.QuietZone && classNumber == s.scheme.AvatarClass
	drop := alreadySeen || owned || !inInterest || quietAvatar
	if !drop {
		sess.markSeen(zoneId, doId)
	}
	delete(sess.pending, doId)
	remaining := len(sess.pending)
	sess.mu.Unlock()

	if !drop {
		msgType := clientproto.CLIENT_CREATE_OBJECT_REQUIRED
		if hasOther {
			msgType = clientproto.CLIENT_CREATE_OBJECT_REQUIRED_OTHER
		}
		resp := wire.NewDatagram().AddUint32(doId).AddUint32(parentId).AddUint32(zoneId).AddUint16(classNumber).AddRaw(it.GetRemainder())
		s.sendToClient(sess, msgType, resp.Bytes())
	}

	if remaining == 0 {
		s.finishInterestComplete(sess)
	}
}

func (s *Server) finishInterestComplete(sess *Session) {
	sess.mu.Lock()
	if sess.interestTimer != nil {
		sess.interestTimer.Stop()
		sess.interestTimer = nil
	}
	zone := sess.currentZone
	sess.mu.Unlock()
	s.sendZoneChangeReply(sess, zone, false)
}

// sendZoneChangeReply implements spec section 4.3.3's interest-complete
// reply table. oldZone is the zone in effect before this transition (0 if
// this is the avatar's first SET_SHARD/SET_ZONE); deferred distinguishes
// the table's two "normal new zone" outcomes: true for a handshake that
// completed synchronously (no new zones needed fetching), false for one
// that completed after waiting on GET_ZONES_OBJECTS/ENTER_LOCATION (or on
// the interest timeout).
func (s *Server) sendZoneChangeReply(sess *Session, zone uint32, deferred bool) {
	sess.mu.Lock()
	oldZone := sess.pendingOldZone
	sess.mu.Unlock()

	msgType := clientproto.CLIENT_DONE_SET_ZONE_RESP
	switch {
	case oldZone == 0:
		msgType = clientproto.CLIENT_DONE_SET_ZONE_RESP
	case zone == topology.QuietZone:
		msgType = clientproto.CLIENT_GET_STATE_RESP
	case deferred:
		msgType = clientproto.CLIENT_DONE_SET_ZONE_RESP
	default:
		msgType = clientproto.CLIENT_GET_STATE_RESP
	}
	s.sendToClient(sess, msgType, wire.NewDatagram().AddUint32(zone).Bytes())
}

// armInterestTimeout implements spec section 4.3.4: if the state server
// never finishes answering GET_ZONES_OBJECTS / ENTER_LOCATION within the
// configured window, the handshake is forced complete with whatever
// pending set remains rather than left waiting forever on a response that
// will never arrive -- the client still gets its completion reply (T-10)
// instead of being disconnected.
func (s *Server) armInterestTimeout(sess *Session) {
	timeout := s.cfg.InterestTimeout
	if timeout <= 0 {
		timeout = 2500 * time.Millisecond
	}
	sess.mu.Lock()
	if sess.interestTimer != nil {
		sess.interestTimer.Stop()
	}
	sess.interestTimer = time.AfterFunc(timeout, func() {
		if s.metrics != nil {
			s.metrics.CAInterestTimeouts.Inc()
		}
		sess.mu.Lock()
		pendingCount := len(sess.pending)
		sess.pending = make(map[uint32]struct{})
		sess.mu.Unlock()
		s.log.Warn("interest handshake timed out; forcing completion",
			zap.Uint32("avatarId", sess.avatarId), zap.Int("pending", pendingCount))
		s.finishInterestComplete(sess)
	})
	sess.mu.Unlock()
}

// handleChangingLocation implements spec section 4.3.3's handling of an
// object the session was watching moving away: treat it exactly like a
// delete for interest-tracking purposes. A subsequent ENTER_LOCATION for
// the object's new zone (if still within this session's interest) arrives
// independently.
func (s *Server) handleChangingLocation(sess *Session, payload []byte) {
	s.handleObjectDeleteRam(sess, payload)
}

// handleObjectDeleteRam forwards a watched object's removal to the client
// and drops it from the per-zone seen bookkeeping.
func (s *Server) handleObjectDeleteRam(sess *Session, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	doId, err := it.GetUint32()
	if err != nil {
		return
	}
	sess.mu.Lock()
	for zone, set := range sess.seen {
		if _, ok := set[doId]; ok {
			delete(set, doId)
			if len(set) == 0 {
				delete(sess.seen, zone)
			}
		}
	}
	delete(sess.owned, doId)
	sess.mu.Unlock()

	if doId == sess.avatarId {
		s.disconnect(sess, clientproto.DISCONNECT_SESSION_OBJECT_DELETED, "avatar object deleted")
		return
	}
	s.sendToClient(sess, clientproto.CLIENT_OBJECT_DELETE_RESP, wire.NewDatagram().AddUint32(doId).Bytes())
}

// handleInternalUpdateField forwards a field update from the state
// server to the client, unwrapped of its internal envelope.
func (s *Server) handleInternalUpdateField(sess *Session, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	doId, err1 := it.GetUint32()
	fieldNumber, err2 := it.GetUint16()
	blob, err3 := it.GetBlob()
	if err1 != nil || err2 != nil || err3 != nil {
		return
	}
	resp := wire.NewDatagram().AddUint32(doId).AddUint16(fieldNumber).AddBlob(blob)
	s.sendToClient(sess, clientproto.CLIENT_OBJECT_UPDATE_FIELD_RESP, resp.Bytes())
}

// handleClientUpdateField forwards a client's field update onto the
// object's channel on the state server, which re-applies the same
// broadcast/clsend/ownsend field policy spec section 4.2.3 defines
// regardless of whether the update originated from an AI or a client.
func (s *Server) handleClientUpdateField(sess *Session, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	doId, err1 := it.GetUint32()
	fieldNumber, err2 := it.GetUint16()
	blob, err3 := it.GetBlob()
	if err1 != nil || err2 != nil || err3 != nil {
		s.disconnect(sess, clientproto.DISCONNECT_TRUNCATED_DATAGRAM, "malformed update-field")
		return
	}
	d := wire.NewDatagram().AddUint32(doId).AddUint16(fieldNumber).AddBlob(blob)
	s.bus.Publish(wire.DoIdChannel(doId), sess.senderChannel(), wire.STATESERVER_OBJECT_UPDATE_FIELD, d.Bytes())
}
