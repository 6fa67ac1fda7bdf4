package ca

import (
	"otpcluster/internal/allocator"
	"otpcluster/internal/wire"
)

// channelAllocator hands out per-connection channels from the CA's
// configured channel range (spec section 5, "CA channel pool"), reusing
// the same min-heap allocator the Database Server uses for doIds.
type channelAllocator struct {
	a *allocator.Allocator
}

func newChannelAllocator(min, max uint32) *channelAllocator {
	return &channelAllocator{a: allocator.New(min, max)}
}

func (c *channelAllocator) allocate() (wire.Channel, bool) {
	id, ok := c.a.Allocate()
	if !ok {
		return 0, false
	}
	return wire.Channel(id), true
}

func (c *channelAllocator) free(channel wire.Channel) {
	c.a.Free(uint32(channel))
}
