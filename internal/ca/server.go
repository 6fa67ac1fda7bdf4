// Package ca implements the Client Agent: the external-facing TCP
// component that authenticates clients, drives avatar activation, and
// maintains each connection's zone interest set against the State Server
// (spec section 4.3). Grounded on original_source/realtime/clientagent.py
// and accounts.py, rebuilt in the teacher's per-connection-goroutine TCP
// server shape (internal/md/server.go, itself patterned on
// go-server-3/internal/session.Hub).
package ca

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"otpcluster/internal/accountkv"
	"otpcluster/internal/clientproto"
	"otpcluster/internal/config"
	"otpcluster/internal/dclass"
	"otpcluster/internal/mdconn"
	"otpcluster/internal/metrics"
	"otpcluster/internal/topology"
	"otpcluster/internal/wire"
)

// Bus is the subset of *mdconn.Conn the Client Agent needs.
type Bus interface {
	Publish(dst, sender wire.Channel, msgType uint16, payload []byte) error
	Subscribe(channel wire.Channel, handler mdconn.Handler) error
	Unsubscribe(channel wire.Channel) error
	AddPostRemove(channel wire.Channel, innerFramed []byte) error
	ClearPostRemove(channel wire.Channel) error
}

// Scheme binds the CA's domain-specific assumptions about the class
// catalog: which class numbers and field numbers play the roles spec
// section 4.3.2 names (Account, Avatar, the avatar-set vector, the
// friends-list field). dclass.Catalog stays a generic field-flag oracle;
// Scheme is the small bit of domain wiring every real OTP deployment
// supplies alongside it.
type Scheme struct {
	AccountClass   uint16
	AvatarClass    uint16
	AccountAvSet   uint16 // length-6 vector of avatarIds
	AvatarName     uint16
	AvatarDNA      uint16
	AvatarWishname uint16
	AvatarFriends  uint16 // list of (friendId, type)
}

// Server is the Client Agent component.
type Server struct {
	cfg     config.ClientAgentConfig
	scheme  Scheme
	log     *zap.Logger
	metrics *metrics.Registry
	bus     Bus
	catalog dclass.Catalog
	kv      *accountkv.Store
	dbc     *dbClient
	alloc   *channelAllocator
	vis     topology.VisReader
	names   NameDictionary

	listener net.Listener
	wg       sync.WaitGroup

	mu       sync.Mutex
	byAvatar map[uint32]*Session
}

// NewServer constructs the Client Agent against an already-connected bus.
// vis may be nil, in which case every branch resolves to an empty vis
// group (a street zone then sees only itself, its branch zone and the
// quiet zone).
func NewServer(cfg config.ClientAgentConfig, scheme Scheme, bus Bus, catalog dclass.Catalog, kv *accountkv.Store, vis topology.VisReader, log *zap.Logger, reg *metrics.Registry) *Server {
	if vis == nil {
		vis = topology.NewMemVisReader(nil)
	}
	s := &Server{
		cfg:      cfg,
		scheme:   scheme,
		log:      log.Named("clientagent"),
		metrics:  reg,
		bus:      bus,
		catalog:  catalog,
		kv:       kv,
		alloc:    newChannelAllocator(cfg.MinChannels, cfg.MaxChannels),
		vis:      vis,
		names:    DefaultNameDictionary(nil),
		byAvatar: make(map[uint32]*Session),
	}
	s.dbc = newDBClient(bus, wire.DatabaseChannel, wire.ClientAgentChannel)
	return s
}

// SetNameDictionary overrides the name-pattern word list a real deployment
// composes CLIENT_SET_NAME_PATTERN names from (spec section 9); the
// default installed by NewServer has no words, so an all-zero pattern
// resolves to an empty name and any nonzero index is an error.
func (s *Server) SetNameDictionary(names NameDictionary) {
	s.names = names
}

// Start binds the client-facing listener and the DB reply channel.
func (s *Server) Start(ctx context.Context) error {
	if err := s.dbc.start(); err != nil {
		return fmt.Errorf("clientagent: db reply subscribe: %w", err)
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("clientagent: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Stop closes the listener and waits for in-flight connections to drain.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	channel, ok := s.alloc.allocate()
	if !ok {
		s.log.Error("channel allocator exhausted; rejecting connection")
		return
	}
	defer s.alloc.free(channel)

	limit := rate.Limit(s.cfg.MsgRateLimit)
	burst := s.cfg.MsgRateBurst
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	sess := newSessionWithLimiter(conn, channel, rate.NewLimiter(limit, burst))
	s.bus.Subscribe(channel, s.makeChannelHandler(sess))
	defer s.bus.Unsubscribe(channel)
	defer s.teardown(sess)

	if s.metrics != nil {
		s.metrics.CAConnections.Inc()
		defer s.metrics.CAConnections.Dec()
	}

	var buf bytes.Buffer
	tmp := make([]byte, 4096)
	for {
		n, err := conn.Read(tmp)
		if err != nil {
			return
		}
		buf.Write(tmp[:n])
		for {
			body, consumed, err := wire.ReadFramed(buf.Bytes())
			if err != nil {
				s.disconnect(sess, clientproto.DISCONNECT_TRUNCATED_DATAGRAM, "truncated datagram")
				return
			}
			if consumed == 0 {
				break
			}
			rest := append([]byte(nil), buf.Bytes()[consumed:]...)
			buf.Reset()
			buf.Write(rest)

			if !s.handleClientDatagram(sess, body) {
				return
			}
		}
	}
}

// handleClientDatagram dispatches one external client message. It returns
// false if the connection should be torn down (disconnect already sent).
func (s *Server) handleClientDatagram(sess *Session, body []byte) bool {
	it := wire.NewDatagramIterator(body)
	msgType, err := it.GetUint16()
	if err != nil {
		s.disconnect(sess, clientproto.DISCONNECT_TRUNCATED_DATAGRAM, "truncated datagram")
		return false
	}
	payload := it.GetRemainder()

	if msgType != clientproto.CLIENT_HEARTBEAT && !sess.limiter.Allow() {
		s.disconnect(sess, clientproto.DISCONNECT_INVALID_MSGTYPE, "message rate exceeded")
		return false
	}

	if !sess.authenticated && msgType != clientproto.CLIENT_LOGIN_2 && msgType != clientproto.CLIENT_HEARTBEAT && msgType != clientproto.CLIENT_DISCONNECT {
		s.disconnect(sess, clientproto.DISCONNECT_ANONYMOUS_VIOLATION, "not authenticated")
		return false
	}

	switch msgType {
	case clientproto.CLIENT_HEARTBEAT:
		// no-op keepalive; the CA keeps no idle or disconnect timer, so
		// there is nothing to reset.
	case clientproto.CLIENT_LOGIN_2:
		s.handleLogin(sess, payload)
	case clientproto.CLIENT_GET_SHARD_LIST:
		s.handleGetShardList(sess)
	case clientproto.CLIENT_GET_AVATARS:
		s.handleGetAvatars(sess)
	case clientproto.CLIENT_CREATE_AVATAR:
		s.handleCreateAvatar(sess, payload)
	case clientproto.CLIENT_SET_AVATAR:
		s.handleSetAvatar(sess, payload)
	case clientproto.CLIENT_DELETE_AVATAR:
		s.handleDeleteAvatar(sess, payload)
	case clientproto.CLIENT_SET_WISHNAME:
		s.handleSetWishname(sess, payload)
	case clientproto.CLIENT_SET_NAME_PATTERN:
		s.handleSetNamePattern(sess, payload)
	case clientproto.CLIENT_GET_AVATAR_DETAILS:
		s.handleGetAvatarDetails(sess, payload)
	case clientproto.CLIENT_GET_FRIEND_LIST:
		s.handleGetFriendsList(sess)
	case clientproto.CLIENT_SET_SHARD:
		s.handleSetShard(sess, payload)
	case clientproto.CLIENT_SET_ZONE:
		s.handleSetZone(sess, payload)
	case clientproto.CLIENT_OBJECT_UPDATE_FIELD:
		s.handleClientUpdateField(sess, payload)
	case clientproto.CLIENT_DISCONNECT:
		return false
	default:
		s.disconnect(sess, clientproto.DISCONNECT_INVALID_MSGTYPE, "unknown message type")
		return false
	}
	return true
}

// makeChannelHandler returns the internal (bus-side) handler bound to every
// channel this session subscribes: its allocated channel, its account
// channel after login, and its puppet/avatar channel after activation.
func (s *Server) makeChannelHandler(sess *Session) mdconn.Handler {
	return func(sender wire.Channel, msgType uint16, payload []byte) {
		switch msgType {
		case wire.STATESERVER_OBJECT_LOCATION_ACK:
			s.handleLocationAck(sess, payload)
		case wire.STATESERVER_OBJECT_GET_ZONES_OBJECTS_RESP:
			s.handleZonesObjectsResp(sess, payload)
		case wire.STATESERVER_OBJECT_ENTER_LOCATION_WITH_REQUIRED:
			s.handleEnterLocation(sess, payload, false)
		case wire.STATESERVER_OBJECT_ENTER_LOCATION_WITH_REQUIRED_OTHER:
			s.handleEnterLocation(sess, payload, true)
		case wire.STATESERVER_OBJECT_CHANGING_LOCATION:
			s.handleChangingLocation(sess, payload)
		case wire.STATESERVER_OBJECT_DELETE_RAM:
			s.handleObjectDeleteRam(sess, payload)
		case wire.STATESERVER_OBJECT_UPDATE_FIELD:
			s.handleInternalUpdateField(sess, payload)
		case wire.CLIENTAGENT_DISCONNECT:
			s.handleForcedDisconnect(sess, payload)
		case wire.CLIENTAGENT_FRIEND_ONLINE:
			s.handleFriendOnline(sess, payload)
		case wire.CLIENTAGENT_FRIEND_OFFLINE:
			s.handleFriendOffline(sess, payload)
		default:
			s.log.Debug("unhandled internal message", zap.Uint16("type", msgType))
		}
	}
}

func (s *Server) disconnect(sess *Session, code uint16, reason string) {
	d := wire.NewDatagram().AddUint16(code).AddString(reason)
	sess.writeFrame(wire.NewDatagram().AddUint16(clientproto.CLIENT_GO_GET_LOST).AddRaw(d.Bytes()).Frame())
	if s.metrics != nil {
		s.metrics.CADisconnects.Inc()
	}
	sess.conn.Close()
}

func (s *Server) handleForcedDisconnect(sess *Session, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	code, _ := it.GetUint16()
	reason, _ := it.GetString()
	s.disconnect(sess, code, reason)
}

// teardown runs on connection close and drops local CA-side bookkeeping
// (spec section 4.3.5). handleConn's deferred Unsubscribe of the
// allocated channel runs after it; that unsubscribe is what makes the MD
// replay the post-remove datagrams registered against sess.allocatedChannel.
func (s *Server) teardown(sess *Session) {
	sess.close()
	sess.mu.Lock()
	if sess.interestTimer != nil {
		sess.interestTimer.Stop()
	}
	accountId, avatarId := sess.accountId, sess.avatarId
	sess.mu.Unlock()

	if accountId != 0 {
		s.bus.Unsubscribe(wire.AccountConnectionChannel(accountId))
	}
	if avatarId != 0 {
		s.bus.Unsubscribe(wire.PuppetConnectionChannel(avatarId))
		s.bus.Unsubscribe(sess.senderChannel())
		s.mu.Lock()
		delete(s.byAvatar, avatarId)
		s.mu.Unlock()
	}
}

func (s *Server) sendToClient(sess *Session, msgType uint16, payload []byte) {
	d := wire.NewDatagram().AddUint16(msgType).AddRaw(payload)
	if err := sess.writeFrame(d.Frame()); err != nil {
		s.log.Debug("write to client failed", zap.Error(err))
	}
}

func (s *Server) handleGetShardList(sess *Session) {
	// The SS broadcasts GET_SHARD_ALL_RESP to owned objects only when a
	// shard is added, updated or removed; here we ask the state server
	// directly so a fresh connection's first request isn't stuck waiting
	// for such a broadcast.
	s.bus.Publish(wire.BCHAN_STATESERVERS, sess.senderChannel(), wire.STATESERVER_GET_SHARD_ALL, nil)
}
