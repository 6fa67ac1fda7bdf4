// Package mdconn is the shared Message Director client used by the State
// Server, Client Agent, and Database server to join the bus. It is shaped
// like go-server/pkg/nats.Client: a subject/handler map, Subscribe/Publish
// methods, and connection event logging -- but the transport underneath is
// the cluster's own framed-TCP control protocol (spec section 4.1) rather
// than an external broker, because the MD itself is the bus this cluster
// implements (see DESIGN.md for why NATS has no role here).
package mdconn

import (
	"bytes"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"otpcluster/internal/wire"
)

// Handler processes one routed datagram addressed to a channel this
// connection has subscribed.
type Handler func(sender wire.Channel, msgType uint16, payload []byte)

// Conn is one peer link to the Message Director.
type Conn struct {
	conn   net.Conn
	log    *zap.Logger
	writeMu sync.Mutex

	mu       sync.RWMutex
	handlers map[wire.Channel]Handler

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the Message Director at addr.
func Dial(addr string, log *zap.Logger) (*Conn, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mdconn dial %s: %w", addr, err)
	}
	conn := &Conn{
		conn:     c,
		log:      log.Named("mdconn"),
		handlers: make(map[wire.Channel]Handler),
		closed:   make(chan struct{}),
	}
	go conn.readLoop()
	return conn, nil
}

// Subscribe binds channel at the MD and registers handler for messages
// addressed to it, mirroring nats.Client.Subscribe(subject, handler).
func (c *Conn) Subscribe(channel wire.Channel, handler Handler) error {
	c.mu.Lock()
	c.handlers[channel] = handler
	c.mu.Unlock()
	return c.writeFrame(wire.EncodeControl(wire.CONTROL_SET_CHANNEL, channel))
}

// Unsubscribe removes channel's binding and handler.
func (c *Conn) Unsubscribe(channel wire.Channel) error {
	c.mu.Lock()
	delete(c.handlers, channel)
	c.mu.Unlock()
	return c.writeFrame(wire.EncodeControl(wire.CONTROL_REMOVE_CHANNEL, channel))
}

// AddPostRemove registers a pre-serialized datagram to replay when channel
// disconnects.
func (c *Conn) AddPostRemove(channel wire.Channel, innerFramed []byte) error {
	return c.writeFrame(wire.EncodeAddPostRemove(channel, innerFramed))
}

// ClearPostRemove discards channel's post-remove queue.
func (c *Conn) ClearPostRemove(channel wire.Channel) error {
	return c.writeFrame(wire.EncodeControl(wire.CONTROL_CLEAR_POST_REMOVE, channel))
}

// Publish sends a routed datagram to dst, attributed to sender.
func (c *Conn) Publish(dst, sender wire.Channel, msgType uint16, payload []byte) error {
	return c.writeFrame(wire.EncodeRouted(dst, sender, msgType, payload))
}

func (c *Conn) writeFrame(framed []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(framed)
	return err
}

func (c *Conn) readLoop() {
	defer close(c.closed)
	var buf bytes.Buffer
	tmp := make([]byte, 4096)
	for {
		n, err := c.conn.Read(tmp)
		if err != nil {
			return
		}
		buf.Write(tmp[:n])

		for {
			body, consumed, err := wire.ReadFramed(buf.Bytes())
			if err != nil {
				c.log.Debug("malformed datagram from MD", zap.Error(err))
				buf.Reset()
				break
			}
			if consumed == 0 {
				break
			}
			rest := append([]byte(nil), buf.Bytes()[consumed:]...)
			buf.Reset()
			buf.Write(rest)

			c.dispatch(body)
		}
	}
}

func (c *Conn) dispatch(body []byte) {
	dd, err := wire.DecodeInternal(body)
	if err != nil || dd.IsControl {
		return
	}
	c.mu.RLock()
	h, ok := c.handlers[dd.Routed.Dst]
	c.mu.RUnlock()
	if !ok {
		return
	}
	h(dd.Routed.Sender, dd.Routed.MsgType, dd.Payload)
}

// Close shuts down the connection.
func (c *Conn) Close() error {
	err := c.conn.Close()
	c.closeOnce.Do(func() {})
	return err
}

// Done reports a channel closed once the read loop has exited.
func (c *Conn) Done() <-chan struct{} { return c.closed }
