// Package md implements the Message Director: the channel-addressed
// routing fabric every other component connects through (spec section
// 4.1). A single MD process fans out to its connected peers; there is no
// sharding of the fabric (spec section 1 Non-goals).
package md

import (
	"net"

	"otpcluster/internal/wire"
)

// Peer is one connected TCP link (CA, SS, DB, or any AI process). A peer
// may subscribe unboundedly many channels (spec invariant I-P1/R-MD2).
type Peer struct {
	id       uint64
	conn     net.Conn
	sendCh   chan []byte
	channels []wire.Channel // registration order, for post-remove replay order (R-MD2)
	closed   bool
}

func newPeer(id uint64, conn net.Conn, sendBuf int) *Peer {
	return &Peer{
		id:     id,
		conn:   conn,
		sendCh: make(chan []byte, sendBuf),
	}
}

// Send enqueues a fully-framed datagram for this peer's write loop. It
// never blocks: a full send queue drops the newest message rather than
// stalling the caller (the bus has no guaranteed delivery, spec section 1).
func (p *Peer) Send(framed []byte) bool {
	select {
	case p.sendCh <- framed:
		return true
	default:
		return false
	}
}

// ParticipantTable maps each bound channel to the single peer that owns it
// (spec invariant I-P1: each channel maps to at most one participant).
type ParticipantTable struct {
	byChannel map[wire.Channel]*Peer
}

func newParticipantTable() *ParticipantTable {
	return &ParticipantTable{byChannel: make(map[wire.Channel]*Peer)}
}

// Bind registers channel to peer. Per R-MD1, first-wins: if the channel is
// already bound (to this or another peer), the bind is rejected.
func (t *ParticipantTable) Bind(peer *Peer, channel wire.Channel) bool {
	if _, exists := t.byChannel[channel]; exists {
		return false
	}
	t.byChannel[channel] = peer
	peer.channels = append(peer.channels, channel)
	return true
}

// Unbind removes a single channel explicitly (CONTROL_REMOVE_CHANNEL),
// independent of peer disconnect. Returns true if it was bound to peer.
func (t *ParticipantTable) Unbind(peer *Peer, channel wire.Channel) bool {
	bound, ok := t.byChannel[channel]
	if !ok || bound != peer {
		return false
	}
	delete(t.byChannel, channel)
	for i, c := range peer.channels {
		if c == channel {
			peer.channels = append(peer.channels[:i], peer.channels[i+1:]...)
			break
		}
	}
	return true
}

// Lookup returns the peer bound to channel, if any.
func (t *ParticipantTable) Lookup(channel wire.Channel) (*Peer, bool) {
	p, ok := t.byChannel[channel]
	return p, ok
}

// RemoveAll drops every channel this peer registered (I-P2) and returns the
// channels in registration order, so the caller can replay post-remove
// queues for each in that order before the peer is forgotten (R-MD2).
func (t *ParticipantTable) RemoveAll(peer *Peer) []wire.Channel {
	channels := peer.channels
	for _, c := range channels {
		if t.byChannel[c] == peer {
			delete(t.byChannel, c)
		}
	}
	peer.channels = nil
	return channels
}

// Count reports the number of currently bound channels.
func (t *ParticipantTable) Count() int {
	return len(t.byChannel)
}
