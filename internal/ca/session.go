package ca

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"otpcluster/internal/topology"
	"otpcluster/internal/wire"
)

// Session is one client connection's state (spec section 4.3.3, "State per
// connection"). A Session exists from TCP accept to disconnect; its
// identity firms up in two steps: Login assigns accountId, SetAvatar
// assigns avatarId.
type Session struct {
	conn net.Conn

	writeMu sync.Mutex

	allocatedChannel wire.Channel // this connection's CA-allocated channel
	accountId        uint32
	avatarId         uint32
	authenticated    bool

	// limiter throttles client->CA message processing so one misbehaving
	// or compromised connection can't starve the component's accept loop
	// or flood the bus with field updates.
	limiter *rate.Limiter

	// Interest state (spec section 4.3.3).
	mu             sync.Mutex
	interestZones  map[uint32]struct{}
	seen           map[uint32]map[uint32]struct{} // zone -> doIds
	owned          map[uint32]struct{}
	pendingZones   map[uint32]struct{} // zones awaiting GET_ZONES_OBJECTS_RESP
	pending        map[uint32]struct{} // doIds awaiting ENTER_LOCATION
	currentParent  uint32
	currentZone    uint32
	pendingOldZone uint32 // zone in effect before the SET_ZONE transition now in flight
	dnaCache       map[uint32]topology.VisGroup
	interestTimer  *time.Timer
	interestDirty  bool // true once a SET_ZONE is in flight awaiting LOCATION_ACK

	closed chan struct{}
	once   sync.Once
}

func newSession(conn net.Conn, channel wire.Channel) *Session {
	return newSessionWithLimiter(conn, channel, rate.NewLimiter(rate.Inf, 0))
}

func newSessionWithLimiter(conn net.Conn, channel wire.Channel, limiter *rate.Limiter) *Session {
	return &Session{
		conn:             conn,
		allocatedChannel: channel,
		limiter:          limiter,
		interestZones:    make(map[uint32]struct{}),
		seen:             make(map[uint32]map[uint32]struct{}),
		owned:            make(map[uint32]struct{}),
		pendingZones:     make(map[uint32]struct{}),
		pending:          make(map[uint32]struct{}),
		dnaCache:         make(map[uint32]topology.VisGroup),
		closed:           make(chan struct{}),
	}
}

// senderChannel returns the channel this session's outbound messages are
// attributed to: the avatar sender channel once an avatar is active, else
// the account sender channel once logged in, else 0.
func (s *Session) senderChannel() wire.Channel {
	if s.avatarId != 0 {
		return wire.AvatarSenderChannel(s.accountId, s.avatarId)
	}
	if s.accountId != 0 {
		return wire.AccountSenderChannel(s.accountId)
	}
	return 0
}

func (s *Session) writeFrame(framed []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(framed)
	return err
}

func (s *Session) markSeen(zone, doId uint32) {
	set, ok := s.seen[zone]
	if !ok {
		set = make(map[uint32]struct{})
		s.seen[zone] = set
	}
	set[doId] = struct{}{}
}

func (s *Session) forgetSeenZone(zone uint32) []uint32 {
	set, ok := s.seen[zone]
	if !ok {
		return nil
	}
	delete(s.seen, zone)
	out := make([]uint32, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (s *Session) isInterested(zone uint32) bool {
	_, ok := s.interestZones[zone]
	return ok
}

func (s *Session) close() {
	s.once.Do(func() { close(s.closed) })
}
