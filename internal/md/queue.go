package md

import "otpcluster/internal/wire"

// routedMsg is one pending routed datagram awaiting flush.
type routedMsg struct {
	dst    wire.Channel
	framed []byte
}

// MessageQueue is the bounded FIFO deque of pending routed datagrams the
// flush loop drains (spec section 4.1 "MD -- message queue"). Overflow is
// dropped rather than blocking the enqueuer, per spec section 5
// "Backpressure: ... Implementations should bound the MD queue and drop ...
// on overflow."
type MessageQueue struct {
	ch chan routedMsg
}

func newMessageQueue(limit int) *MessageQueue {
	if limit <= 0 {
		limit = 65536
	}
	return &MessageQueue{ch: make(chan routedMsg, limit)}
}

// Push enqueues a message. Returns false if the queue was full and the
// message was dropped.
func (q *MessageQueue) Push(dst wire.Channel, framed []byte) bool {
	select {
	case q.ch <- routedMsg{dst: dst, framed: framed}:
		return true
	default:
		return false
	}
}

// Len reports the number of currently queued messages.
func (q *MessageQueue) Len() int {
	return len(q.ch)
}

// drainOnce pops every message currently queued (a snapshot count, so a
// concurrent Push during drain is picked up on the next tick, not this
// one) and returns them in FIFO order.
func (q *MessageQueue) drainOnce() []routedMsg {
	n := len(q.ch)
	if n == 0 {
		return nil
	}
	out := make([]routedMsg, 0, n)
	for i := 0; i < n; i++ {
		select {
		case m := <-q.ch:
			out = append(out, m)
		default:
			return out
		}
	}
	return out
}
