package md

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"otpcluster/internal/config"
	"otpcluster/internal/metrics"
	"otpcluster/internal/wire"
)

const sendQueueSize = 256

// Server is the Message Director's TCP rendezvous endpoint. Every read,
// write, and table mutation is funneled through a single mutex, matching
// spec section 5's single-event-loop contract ("guard the participant
// table ... with a single lock held across a whole message handling").
type Server struct {
	cfg     config.MessageDirectorConfig
	log     *zap.Logger
	metrics *metrics.Registry

	mu          sync.Mutex
	table       *ParticipantTable
	postRemove  *PostRemoveStore
	queue       *MessageQueue
	nextPeerID  uint64

	listener net.Listener
	wg       sync.WaitGroup
	stopping atomic.Bool
}

// NewServer constructs the Message Director.
func NewServer(cfg config.MessageDirectorConfig, log *zap.Logger, reg *metrics.Registry) *Server {
	return &Server{
		cfg:        cfg,
		log:        log.Named("messagedirector"),
		metrics:    reg,
		table:      newParticipantTable(),
		postRemove: newPostRemoveStore(),
		queue:      newMessageQueue(cfg.QueueLimit),
	}
}

// Start binds the listener and launches the accept and flush loops.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("md listen: %w", err)
	}
	s.listener = ln
	s.log.Info("listening", zap.String("addr", addr))

	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.acceptLoop(ctx) }()
	go func() { defer s.wg.Done(); s.flushLoop(ctx) }()
	return nil
}

// Stop closes the listener and waits for the accept/flush loops to exit.
func (s *Server) Stop() {
	s.stopping.Store(true)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopping.Load() || ctx.Err() != nil {
				return
			}
			s.log.Error("accept error", zap.Error(err))
			return
		}
		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConn(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	id := atomic.AddUint64(&s.nextPeerID, 1)
	peer := newPeer(id, conn, sendQueueSize)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(connCtx, peer)
	}()

	s.readLoop(peer)
	cancel()
	<-done

	s.disconnect(peer)
}

func (s *Server) writeLoop(ctx context.Context, peer *Peer) {
	for {
		select {
		case <-ctx.Done():
			return
		case framed, ok := <-peer.sendCh:
			if !ok {
				return
			}
			if _, err := peer.conn.Write(framed); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(peer *Peer) {
	var buf []byte
	tmp := make([]byte, 4096)
	for {
		n, err := peer.conn.Read(tmp)
		if err != nil {
			return
		}
		buf = append(buf, tmp[:n]...)

		for {
			body, consumed, err := wire.ReadFramed(buf)
			if err != nil {
				return
			}
			if consumed == 0 {
				break
			}
			s.handleIncoming(peer, body)
			buf = buf[consumed:]
		}
	}
}

// handleIncoming decodes one datagram body and either processes a control
// message inline or enqueues a routed message for the flush loop. This is
// also the re-entry point for post-remove replay (spec section 4.1:
// "recursively re-enters the MD dispatch loop as if the peer had just sent
// each datagram").
func (s *Server) handleIncoming(peer *Peer, body []byte) {
	dd, err := wire.DecodeInternal(body)
	if err != nil {
		s.log.Debug("drop malformed datagram", zap.Error(err))
		return
	}

	if dd.IsControl {
		s.handleControl(peer, dd)
		return
	}

	if !s.queue.Push(dd.Routed.Dst, wire.EncodeRouted(dd.Routed.Dst, dd.Routed.Sender, dd.Routed.MsgType, dd.Payload)) {
		if s.metrics != nil {
			s.metrics.MDMessagesDropped.Inc()
		}
	}
}

func (s *Server) handleControl(peer *Peer, dd *wire.DecodedDatagram) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch dd.Control.CtlType {
	case wire.CONTROL_SET_CHANNEL:
		s.table.Bind(peer, dd.Control.Arg)
		if s.metrics != nil {
			s.metrics.MDParticipants.Set(float64(s.table.Count()))
		}
	case wire.CONTROL_REMOVE_CHANNEL:
		s.replayAndUnbindLocked(peer, dd.Control.Arg)
		if s.metrics != nil {
			s.metrics.MDParticipants.Set(float64(s.table.Count()))
		}
	case wire.CONTROL_ADD_POST_REMOVE:
		s.postRemove.Add(dd.Control.Arg, dd.ControlArgExtra)
	case wire.CONTROL_CLEAR_POST_REMOVE:
		s.postRemove.Clear(dd.Control.Arg)
	case wire.CONTROL_ADD_RANGE, wire.CONTROL_REMOVE_RANGE,
		wire.CONTROL_SET_CON_NAME, wire.CONTROL_SET_CON_URL:
		// Accepted, not required to fan out in the core (spec section 6).
	default:
		s.log.Debug("unknown control message", zap.Uint16("type", dd.Control.CtlType))
	}
}

// replayAndUnbindLocked replays channel's post-remove queue (re-entering
// dispatch for each datagram) and then removes the single binding. Caller
// holds s.mu.
func (s *Server) replayAndUnbindLocked(peer *Peer, channel wire.Channel) {
	queued := s.postRemove.Take(channel)
	for _, framed := range queued {
		body, _, err := wire.ReadFramed(framed)
		if err != nil {
			continue
		}
		s.mu.Unlock()
		s.handleIncoming(peer, body)
		s.mu.Lock()
		if s.metrics != nil {
			s.metrics.MDPostRemoveFired.Inc()
		}
	}
	s.table.Unbind(peer, channel)
}

func (s *Server) disconnect(peer *Peer) {
	s.mu.Lock()
	channels := append([]wire.Channel(nil), peer.channels...)
	s.mu.Unlock()

	for _, channel := range channels {
		s.mu.Lock()
		s.replayAndUnbindLocked(peer, channel)
		s.mu.Unlock()
	}

	s.mu.Lock()
	if s.metrics != nil {
		s.metrics.MDParticipants.Set(float64(s.table.Count()))
	}
	s.mu.Unlock()

	close(peer.sendCh)
}

func (s *Server) flushLoop(ctx context.Context) {
	period := s.cfg.FlushTimeout
	if period <= 0 {
		period = time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flushOnce()
		}
	}
}

func (s *Server) flushOnce() {
	msgs := s.queue.drainOnce()
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		peer, ok := s.table.Lookup(m.dst)
		if !ok {
			if s.metrics != nil {
				s.metrics.MDMessagesDropped.Inc()
			}
			continue
		}
		if peer.Send(m.framed) {
			if s.metrics != nil {
				s.metrics.MDMessagesRouted.Inc()
			}
		} else if s.metrics != nil {
			s.metrics.MDMessagesDropped.Inc()
		}
	}
	if s.metrics != nil {
		s.metrics.MDQueueDepth.Set(float64(s.queue.Len()))
	}
}
