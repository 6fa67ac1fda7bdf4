package md

import "otpcluster/internal/wire"

// PostRemoveStore holds, per channel, an ordered list of fully serialized
// (framed) datagrams to be replayed when that channel is removed from
// routing (spec section 3 "Post-remove handle").
type PostRemoveStore struct {
	byChannel map[wire.Channel][][]byte
}

func newPostRemoveStore() *PostRemoveStore {
	return &PostRemoveStore{byChannel: make(map[wire.Channel][][]byte)}
}

// Add appends a pre-serialized datagram to channel's post-remove queue.
func (s *PostRemoveStore) Add(channel wire.Channel, framed []byte) {
	s.byChannel[channel] = append(s.byChannel[channel], framed)
}

// Clear discards channel's post-remove queue (CONTROL_CLEAR_POST_REMOVE).
func (s *PostRemoveStore) Clear(channel wire.Channel) {
	delete(s.byChannel, channel)
}

// Take removes and returns channel's post-remove queue, in insertion
// order, for replay. A second call (e.g. if the channel disconnects twice
// in pathological test setups) returns nothing.
func (s *PostRemoveStore) Take(channel wire.Channel) [][]byte {
	q := s.byChannel[channel]
	delete(s.byChannel, channel)
	return q
}
