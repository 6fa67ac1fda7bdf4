package ss

import "otpcluster/internal/wire"

// Shard is an AI process simulating a slice of the world, identified by
// the channel it registers (spec section 3 "Shard").
type Shard struct {
	Channel    wire.Channel
	DistrictId uint32
	Name       string
	Population uint32
}

// ShardRegistry maps AI channel -> shard metadata (spec section 2, "SS --
// shard registry").
type ShardRegistry struct {
	byChannel map[wire.Channel]*Shard
}

// NewShardRegistry constructs an empty shard registry.
func NewShardRegistry() *ShardRegistry {
	return &ShardRegistry{byChannel: make(map[wire.Channel]*Shard)}
}

// Add registers a new shard (STATESERVER_ADD_SHARD).
func (r *ShardRegistry) Add(channel wire.Channel, districtId uint32, name string, population uint32) *Shard {
	s := &Shard{Channel: channel, DistrictId: districtId, Name: name, Population: population}
	r.byChannel[channel] = s
	return s
}

// Update changes a shard's name/population (STATESERVER_UPDATE_SHARD).
func (r *ShardRegistry) Update(channel wire.Channel, name string, population uint32) (*Shard, bool) {
	s, ok := r.byChannel[channel]
	if !ok {
		return nil, false
	}
	s.Name = name
	s.Population = population
	return s, true
}

// Remove drops a shard (STATESERVER_REMOVE_SHARD or disconnect teardown).
func (r *ShardRegistry) Remove(channel wire.Channel) (*Shard, bool) {
	s, ok := r.byChannel[channel]
	if ok {
		delete(r.byChannel, channel)
	}
	return s, ok
}

// Get looks up a shard by channel.
func (r *ShardRegistry) Get(channel wire.Channel) (*Shard, bool) {
	s, ok := r.byChannel[channel]
	return s, ok
}

// IsShard reports whether channel identifies a known AI shard, used to
// decide AI-originated vs client-originated field updates (spec section
// 4.2.3).
func (r *ShardRegistry) IsShard(channel wire.Channel) bool {
	_, ok := r.byChannel[channel]
	return ok
}

// All returns every registered shard, for GET_SHARD_ALL / broadcast.
func (r *ShardRegistry) All() []*Shard {
	out := make([]*Shard, 0, len(r.byChannel))
	for _, s := range r.byChannel {
		out = append(out, s)
	}
	return out
}

// Count reports the number of connected shards (for metrics).
func (r *ShardRegistry) Count() int { return len(r.byChannel) }
