// Package wire implements the length-prefixed binary framing shared by
// every link in the cluster: client<->CA and peer<->MD alike use the same
// little-endian, length-prefixed datagram shape described in spec section 6.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrTruncated is returned by any reader when the buffer runs out before a
// requested field can be decoded. Callers at a connection boundary turn
// this into a disconnect (spec section 7, "framing errors").
var ErrTruncated = errors.New("wire: truncated datagram")

// ErrTooLarge is the value AddString and AddBlob panic with when a string
// or blob would overflow its u16 length prefix.
var ErrTooLarge = errors.New("wire: field exceeds encodable length")

// Datagram is an in-memory, growable little-endian byte buffer used to
// build up a message before it is framed and written to a socket.
type Datagram struct {
	buf []byte
}

// NewDatagram returns an empty datagram ready for writing.
func NewDatagram() *Datagram {
	return &Datagram{buf: make([]byte, 0, 64)}
}

// NewDatagramFromBytes wraps an already-encoded payload (used when
// re-serializing a post-remove datagram or forwarding a payload verbatim).
func NewDatagramFromBytes(b []byte) *Datagram {
	return &Datagram{buf: append([]byte(nil), b...)}
}

// Bytes returns the accumulated payload.
func (d *Datagram) Bytes() []byte { return d.buf }

// Len reports the number of bytes written so far.
func (d *Datagram) Len() int { return len(d.buf) }

func (d *Datagram) AddUint8(v uint8) *Datagram {
	d.buf = append(d.buf, v)
	return d
}

func (d *Datagram) AddBool(v bool) *Datagram {
	if v {
		return d.AddUint8(1)
	}
	return d.AddUint8(0)
}

func (d *Datagram) AddUint16(v uint16) *Datagram {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	d.buf = append(d.buf, tmp[:]...)
	return d
}

func (d *Datagram) AddUint32(v uint32) *Datagram {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	d.buf = append(d.buf, tmp[:]...)
	return d
}

func (d *Datagram) AddUint64(v uint64) *Datagram {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	d.buf = append(d.buf, tmp[:]...)
	return d
}

func (d *Datagram) AddInt32(v int32) *Datagram {
	return d.AddUint32(uint32(v))
}

// AddString writes a 16-bit length prefix followed by the raw bytes.
func (d *Datagram) AddString(s string) *Datagram {
	if len(s) > math.MaxUint16 {
		panic(ErrTooLarge)
	}
	d.AddUint16(uint16(len(s)))
	d.buf = append(d.buf, s...)
	return d
}

// AddBlob writes a 16-bit length prefix followed by the raw bytes, used for
// already-packed field argument tuples.
func (d *Datagram) AddBlob(b []byte) *Datagram {
	if len(b) > math.MaxUint16 {
		panic(ErrTooLarge)
	}
	d.AddUint16(uint16(len(b)))
	d.buf = append(d.buf, b...)
	return d
}

// AddRaw appends bytes with no length prefix, used to splice in an already
// framed sub-payload (e.g. a field's packed argument tuple whose length is
// encoded separately by the caller).
func (d *Datagram) AddRaw(b []byte) *Datagram {
	d.buf = append(d.buf, b...)
	return d
}

// Frame prefixes the datagram with its 16-bit little-endian length, ready
// to be written to a socket.
func (d *Datagram) Frame() []byte {
	out := make([]byte, 2+len(d.buf))
	binary.LittleEndian.PutUint16(out, uint16(len(d.buf)))
	copy(out[2:], d.buf)
	return out
}

// DatagramIterator reads typed fields sequentially out of a decoded
// datagram payload (the length prefix has already been stripped).
type DatagramIterator struct {
	buf    []byte
	offset int
}

// NewDatagramIterator wraps a payload for sequential reads.
func NewDatagramIterator(b []byte) *DatagramIterator {
	return &DatagramIterator{buf: b}
}

// Remaining reports how many unread bytes are left.
func (it *DatagramIterator) Remaining() int { return len(it.buf) - it.offset }

func (it *DatagramIterator) need(n int) error {
	if it.Remaining() < n {
		return ErrTruncated
	}
	return nil
}

func (it *DatagramIterator) GetUint8() (uint8, error) {
	if err := it.need(1); err != nil {
		return 0, err
	}
	v := it.buf[it.offset]
	it.offset++
	return v, nil
}

func (it *DatagramIterator) GetBool() (bool, error) {
	v, err := it.GetUint8()
	return v != 0, err
}

func (it *DatagramIterator) GetUint16() (uint16, error) {
	if err := it.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(it.buf[it.offset:])
	it.offset += 2
	return v, nil
}

func (it *DatagramIterator) GetUint32() (uint32, error) {
	if err := it.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(it.buf[it.offset:])
	it.offset += 4
	return v, nil
}

func (it *DatagramIterator) GetUint64() (uint64, error) {
	if err := it.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(it.buf[it.offset:])
	it.offset += 8
	return v, nil
}

func (it *DatagramIterator) GetInt32() (int32, error) {
	v, err := it.GetUint32()
	return int32(v), err
}

func (it *DatagramIterator) GetString() (string, error) {
	n, err := it.GetUint16()
	if err != nil {
		return "", err
	}
	if err := it.need(int(n)); err != nil {
		return "", err
	}
	s := string(it.buf[it.offset : it.offset+int(n)])
	it.offset += int(n)
	return s, nil
}

func (it *DatagramIterator) GetBlob() ([]byte, error) {
	n, err := it.GetUint16()
	if err != nil {
		return nil, err
	}
	if err := it.need(int(n)); err != nil {
		return nil, err
	}
	b := append([]byte(nil), it.buf[it.offset:it.offset+int(n)]...)
	it.offset += int(n)
	return b, nil
}

// GetRemainder returns every unread byte without advancing past EOF checks.
func (it *DatagramIterator) GetRemainder() []byte {
	b := it.buf[it.offset:]
	it.offset = len(it.buf)
	return b
}

// GetFixed reads exactly n raw bytes.
func (it *DatagramIterator) GetFixed(n int) ([]byte, error) {
	if err := it.need(n); err != nil {
		return nil, err
	}
	b := append([]byte(nil), it.buf[it.offset:it.offset+n]...)
	it.offset += n
	return b, nil
}

func (it *DatagramIterator) String() string {
	return fmt.Sprintf("DatagramIterator(offset=%d, remaining=%d)", it.offset, it.Remaining())
}
