package ca

import (
	"sync"
	"time"

	"otpcluster/internal/clientproto"
	"otpcluster/internal/wire"

	"go.uber.org/zap"
)

const avatarSlots = 6

func decodeAvSet(blob []byte) [avatarSlots]uint32 {
	var out [avatarSlots]uint32
	it := wire.NewDatagramIterator(blob)
	for i := 0; i < avatarSlots; i++ {
		v, err := it.GetUint32()
		if err != nil {
			break
		}
		out[i] = v
	}
	return out
}

func encodeAvSet(slots [avatarSlots]uint32) []byte {
	d := wire.NewDatagram()
	for _, v := range slots {
		d.AddUint32(v)
	}
	return d.Bytes()
}

// handleGetAvatars implements spec section 4.3.2's avatar-list request:
// read the account's avatar-set vector, then fetch name/DNA for every
// occupied slot. Grounded on original_source/realtime/accounts.py's
// RetrieveAvatarsFSM, flattened from its per-slot FSM fan-out into a
// plain wait-group over dbClient callbacks.
func (s *Server) handleGetAvatars(sess *Session) {
	s.dbc.GetAll(sess.accountId, func(ok bool, _ uint16, fields map[uint16][]byte) {
		if !ok {
			s.sendToClient(sess, clientproto.CLIENT_GET_AVATARS_RESP, wire.NewDatagram().AddUint8(0).Bytes())
			return
		}
		slots := decodeAvSet(fields[s.scheme.AccountAvSet])

		type avatarInfo struct {
			slot int
			id   uint32
			name string
			dna  []byte
		}
		var mu sync.Mutex
		var wg sync.WaitGroup
		results := make([]avatarInfo, 0, avatarSlots)

		for slot, avId := range slots {
			if avId == 0 {
				continue
			}
			slot, avId := slot, avId
			wg.Add(1)
			s.dbc.GetAll(avId, func(ok bool, _ uint16, avFields map[uint16][]byte) {
				defer wg.Done()
				if !ok {
					return
				}
				info := avatarInfo{slot: slot, id: avId}
				if nameBlob, ok := avFields[s.scheme.AvatarName]; ok {
					it := wire.NewDatagramIterator(nameBlob)
					info.name, _ = it.GetString()
				}
				info.dna = avFields[s.scheme.AvatarDNA]
				mu.Lock()
				results = append(results, info)
				mu.Unlock()
			})
		}
		wg.Wait()

		resp := wire.NewDatagram().AddUint8(1).AddUint16(uint16(len(results)))
		for _, r := range results {
			resp.AddUint32(r.id).AddUint8(uint8(r.slot)).AddString(r.name).AddBlob(r.dna)
		}
		s.sendToClient(sess, clientproto.CLIENT_GET_AVATARS_RESP, resp.Bytes())
	})
}

// handleCreateAvatar implements spec section 4.3.2's avatar creation: the
// client supplies a DNA blob and a requested slot index, the CA creates a
// fresh Avatar object and writes its doId into the account's avatar-set
// vector.
func (s *Server) handleCreateAvatar(sess *Session, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	dna, err1 := it.GetBlob()
	name, err2 := it.GetString()
	slot, err3 := it.GetUint8()
	if err1 != nil || err2 != nil || err3 != nil || int(slot) >= avatarSlots {
		s.disconnect(sess, clientproto.DISCONNECT_TRUNCATED_DATAGRAM, "malformed create-avatar")
		return
	}

	fields := map[uint16][]byte{
		s.scheme.AvatarDNA:  dna,
		s.scheme.AvatarName: wire.NewDatagram().AddString(name).Bytes(),
	}
	s.dbc.CreateObject(s.scheme.AvatarClass, fields, func(avatarId uint32) {
		s.dbc.GetAll(sess.accountId, func(ok bool, _ uint16, accFields map[uint16][]byte) {
			if !ok {
				return
			}
			slots := decodeAvSet(accFields[s.scheme.AccountAvSet])
			slots[slot] = avatarId
			s.dbc.SetField(sess.accountId, s.scheme.AccountAvSet, encodeAvSet(slots))

			resp := wire.NewDatagram().AddUint8(1).AddUint32(avatarId)
			s.sendToClient(sess, clientproto.CLIENT_CREATE_AVATAR_RESP, resp.Bytes())
		})
	})
}

// handleDeleteAvatar clears the avatar-set slot; it does not delete the
// underlying Avatar object, matching original_source's soft-delete
// behavior (a deleted avatar's name stays reserved).
func (s *Server) handleDeleteAvatar(sess *Session, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	avatarId, err := it.GetUint32()
	if err != nil {
		s.disconnect(sess, clientproto.DISCONNECT_TRUNCATED_DATAGRAM, "malformed delete-avatar")
		return
	}
	s.dbc.GetAll(sess.accountId, func(ok bool, _ uint16, accFields map[uint16][]byte) {
		if !ok {
			return
		}
		slots := decodeAvSet(accFields[s.scheme.AccountAvSet])
		for i, id := range slots {
			if id == avatarId {
				slots[i] = 0
			}
		}
		s.dbc.SetField(sess.accountId, s.scheme.AccountAvSet, encodeAvSet(slots))
		s.sendToClient(sess, clientproto.CLIENT_DELETE_AVATAR_RESP, wire.NewDatagram().AddUint8(1).Bytes())
	})
}

// handleSetAvatar implements spec section 4.3.2's avatar activation
// sequence: register a post-remove DELETE_RAM so an ungraceful disconnect
// still removes the avatar from the world, switch this session's sender
// identity to the avatar sender channel, generate the object on the state
// server with full field state, then grant ownership.
func (s *Server) handleSetAvatar(sess *Session, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	avatarId, err := it.GetUint32()
	if err != nil {
		s.disconnect(sess, clientproto.DISCONNECT_TRUNCATED_DATAGRAM, "malformed set-avatar")
		return
	}
	if avatarId == 0 {
		// Deactivating: nothing further to generate; the prior avatar's
		// object stays resident in the SS, and its DELETE_RAM post-remove
		// stays registered until the connection closes.
		sess.mu.Lock()
		sess.avatarId = 0
		sess.mu.Unlock()
		s.sendToClient(sess, clientproto.CLIENT_OBJECT_DELETE_RESP, wire.NewDatagram().AddUint32(0).Bytes())
		return
	}

	s.dbc.GetAll(avatarId, func(ok bool, classNumber uint16, fields map[uint16][]byte) {
		if !ok {
			s.log.Warn("set-avatar: avatar not found", zap.Uint32("avatarId", avatarId))
			return
		}

		puppetChannel := wire.PuppetConnectionChannel(avatarId)
		s.bus.Subscribe(puppetChannel, s.makeChannelHandler(sess))

		del := wire.NewDatagram().AddUint32(avatarId)
		s.bus.AddPostRemove(sess.allocatedChannel, wire.EncodeRouted(wire.DoIdChannel(avatarId),
			puppetChannel, wire.STATESERVER_OBJECT_DELETE_RAM, del.Bytes()))

		sess.mu.Lock()
		sess.avatarId = avatarId
		sess.mu.Unlock()
		s.mu.Lock()
		s.byAvatar[avatarId] = sess
		s.mu.Unlock()

		// Every subsequent interest-protocol exchange for this avatar
		// (LOCATION_ACK, GET_ZONES_OBJECTS_RESP, ENTER_LOCATION) replies
		// to whatever channel originated the request -- sess.senderChannel(),
		// i.e. the avatar sender channel -- so the session must listen
		// there, not just on its puppet/connection channels.
		s.bus.Subscribe(sess.senderChannel(), s.makeChannelHandler(sess))

		class, _ := s.catalog.ClassByNumber(classNumber)
		gen := wire.NewDatagram().AddUint32(avatarId).AddUint32(0).AddUint32(topologyHomeZone).AddUint16(classNumber)
		for _, f := range class.RequiredFields() {
			gen.AddBlob(fields[f.Number])
		}
		type numBlob struct {
			num  uint16
			blob []byte
		}
		var other []numBlob
		for _, f := range class.Fields {
			if f.Flags.Required || !f.Flags.Ram {
				continue
			}
			if blob, ok := fields[f.Number]; ok {
				other = append(other, numBlob{f.Number, blob})
			}
		}
		gen.AddUint16(uint16(len(other)))
		for _, ob := range other {
			gen.AddUint16(ob.num).AddBlob(ob.blob)
		}
		s.bus.Publish(wire.BCHAN_STATESERVERS, puppetChannel, wire.STATESERVER_OBJECT_GENERATE_WITH_REQUIRED_OTHER, gen.Bytes())

		// SET_OWNER is deliberately deferred (spec sections 4.3.2, 5: "a
		// one-shot delayed task (~200 ms) that issues SET_OWNER after the
		// generate"). GENERATE routes to BCHAN_STATESERVERS while SET_OWNER
		// addresses the object's own doId channel directly; that channel is
		// only subscribed once the SS finishes handling the generate
		// (spec section 4.2.1), and the two messages have no ordering
		// guarantee between them (spec section 5, O-2). Publishing
		// SET_OWNER immediately risks the MD dropping it as an unknown
		// destination.
		time.AfterFunc(setOwnerDelay, func() {
			s.bus.Publish(wire.DoIdChannel(avatarId), puppetChannel, wire.STATESERVER_OBJECT_SET_OWNER,
				wire.NewDatagram().AddUint64(puppetChannel).Bytes())
		})

		s.sendToClient(sess, clientproto.CLIENT_OBJECT_DELETE_RESP, wire.NewDatagram().AddUint32(avatarId).Bytes())
	})
}

// topologyHomeZone is the zone a freshly activated avatar is generated
// into before its first CLIENT_SET_ZONE (spec section 4.3.3): the quiet
// zone, so it carries no street-level interest until the client asks.
const topologyHomeZone = 1

// setOwnerDelay is the grace period between an avatar's generate and its
// SET_OWNER, per spec sections 4.3.2 and 5.
const setOwnerDelay = 200 * time.Millisecond

// handleSetWishname implements spec section 4.3.2's name-approval request.
// This deployment has no external moderation queue to consult, so a
// wishname is approved outright and written straight to the DB, matching
// original_source/realtime/accounts.py's SetNameFSM fallback path when no
// approval backend is configured.
func (s *Server) handleSetWishname(sess *Session, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	avatarId, err1 := it.GetUint32()
	name, err2 := it.GetString()
	if err1 != nil || err2 != nil {
		s.disconnect(sess, clientproto.DISCONNECT_TRUNCATED_DATAGRAM, "malformed set-wishname")
		return
	}
	s.dbc.SetField(avatarId, s.scheme.AvatarWishname, wire.NewDatagram().AddString(name).Bytes())
	s.sendToClient(sess, clientproto.CLIENT_SET_WISHNAME_RESP, wire.NewDatagram().AddUint8(1).AddString(name).Bytes())
}

// handleSetNamePattern implements spec section 9's composing variant of
// the pattern-based name selection flow: a 4-part pattern of indices into
// an external name dictionary (s.names) is composed into a display name
// and written to the DB, rather than storing the raw pattern as the name.
func (s *Server) handleSetNamePattern(sess *Session, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	avatarId, err1 := it.GetUint32()
	var pattern [4]uint16
	var err2 error
	for i := range pattern {
		pattern[i], err2 = it.GetUint16()
		if err2 != nil {
			break
		}
	}
	if err1 != nil || err2 != nil {
		s.disconnect(sess, clientproto.DISCONNECT_TRUNCATED_DATAGRAM, "malformed set-name-pattern")
		return
	}

	name, err := s.names(pattern)
	if err != nil {
		s.log.Warn("name pattern composition failed", zap.Uint32("avatarId", avatarId), zap.Error(err))
		s.sendToClient(sess, clientproto.CLIENT_SET_NAME_PATTERN_ANSWER, wire.NewDatagram().AddUint8(0).Bytes())
		return
	}
	s.dbc.SetField(avatarId, s.scheme.AvatarName, wire.NewDatagram().AddString(name).Bytes())
	s.sendToClient(sess, clientproto.CLIENT_SET_NAME_PATTERN_ANSWER, wire.NewDatagram().AddUint8(1).Bytes())
}

// handleGetAvatarDetails answers a request for another avatar's public
// profile fields (name, DNA); grounded on
// original_source/realtime/accounts.py's GetAvatarDetailsFSM.
func (s *Server) handleGetAvatarDetails(sess *Session, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	avatarId, err := it.GetUint32()
	if err != nil {
		s.disconnect(sess, clientproto.DISCONNECT_TRUNCATED_DATAGRAM, "malformed get-avatar-details")
		return
	}
	s.dbc.GetAll(avatarId, func(ok bool, _ uint16, fields map[uint16][]byte) {
		if !ok {
			s.sendToClient(sess, clientproto.CLIENT_GET_AVATAR_DETAILS_RESP, wire.NewDatagram().AddUint32(avatarId).AddUint8(0).Bytes())
			return
		}
		resp := wire.NewDatagram().AddUint32(avatarId).AddUint8(1).
			AddBlob(fields[s.scheme.AvatarDNA]).AddBlob(fields[s.scheme.AvatarName])
		s.sendToClient(sess, clientproto.CLIENT_GET_AVATAR_DETAILS_RESP, resp.Bytes())
	})
}

// handleGetFriendsList implements spec section 4.3.2's friends list, with
// one simplification recorded in the design notes: online/offline status
// is resolved against this CA process's own live-session table rather
// than a cluster-wide presence query, since every connection for this
// deployment terminates on a single CA. For each friend found online, the
// friend's own connection is sent CLIENTAGENT_FRIEND_ONLINE and a
// reciprocal FRIEND_OFFLINE post-remove is registered against this
// avatar's puppet channel -- the canonical post-remove use case spec
// sections 4.1/9 name ("friend-offline notifications").
func (s *Server) handleGetFriendsList(sess *Session) {
	s.dbc.GetAll(sess.avatarId, func(ok bool, _ uint16, fields map[uint16][]byte) {
		if !ok {
			s.sendToClient(sess, clientproto.CLIENT_GET_FRIEND_LIST_RESP, wire.NewDatagram().AddUint16(0).Bytes())
			return
		}
		blob := fields[s.scheme.AvatarFriends]
		it := wire.NewDatagramIterator(blob)
		count, _ := it.GetUint16()

		resp := wire.NewDatagram().AddUint16(count)
		for i := uint16(0); i < count; i++ {
			friendId, err1 := it.GetUint32()
			friendType, err2 := it.GetUint8()
			if err1 != nil || err2 != nil {
				break
			}
			s.mu.Lock()
			_, online := s.byAvatar[friendId]
			s.mu.Unlock()
			resp.AddUint32(friendId).AddUint8(friendType).AddBool(online)
			if online {
				s.notifyFriendOnline(sess, friendId)
			}
		}
		s.sendToClient(sess, clientproto.CLIENT_GET_FRIEND_LIST_RESP, resp.Bytes())
	})
}

// notifyFriendOnline tells friendId's own connection that sess's avatar is
// online, and arms a post-remove on sess's puppet channel so friendId
// learns sess went offline the moment that channel is torn down, even on
// an ungraceful disconnect.
func (s *Server) notifyFriendOnline(sess *Session, friendId uint32) {
	friendChannel := wire.PuppetConnectionChannel(friendId)
	selfId := wire.NewDatagram().AddUint32(sess.avatarId).Bytes()
	s.bus.Publish(friendChannel, sess.senderChannel(), wire.CLIENTAGENT_FRIEND_ONLINE, selfId)

	offline := wire.EncodeRouted(friendChannel, sess.senderChannel(), wire.CLIENTAGENT_FRIEND_OFFLINE, selfId)
	s.bus.AddPostRemove(wire.PuppetConnectionChannel(sess.avatarId), offline)
}

// handleFriendOnline/handleFriendOffline relay a friend's presence change,
// received on this session's own puppet channel, to the client.
func (s *Server) handleFriendOnline(sess *Session, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	friendId, err := it.GetUint32()
	if err != nil {
		return
	}
	s.sendToClient(sess, clientproto.CLIENT_FRIEND_ONLINE, wire.NewDatagram().AddUint32(friendId).Bytes())
}

func (s *Server) handleFriendOffline(sess *Session, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	friendId, err := it.GetUint32()
	if err != nil {
		return
	}
	s.sendToClient(sess, clientproto.CLIENT_FRIEND_OFFLINE, wire.NewDatagram().AddUint32(friendId).Bytes())
}
