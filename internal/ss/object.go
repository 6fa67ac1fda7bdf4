// Package ss implements the State Server: the authoritative in-memory
// registry of live distributed objects, their (parent, zone) location,
// their field state, and their owner/AI relationships (spec section 4.2).
package ss

import (
	"otpcluster/internal/dclass"
	"otpcluster/internal/wire"
)

// FieldValue is one packed field argument tuple.
type FieldValue struct {
	Number  uint16
	Payload []byte
}

// StateObject is the central entity of the State Server (spec section 3).
type StateObject struct {
	DoId        uint32
	ClassNumber uint16
	ParentId    uint32
	ZoneId      uint32
	AiChannel   wire.Channel
	OwnerId     wire.Channel

	class    dclass.Class
	required map[uint16][]byte // by field number, always exactly class.RequiredFields()
	other    map[uint16][]byte
	hasOther bool
}

func newStateObject(class dclass.Class, doId, parentId, zoneId uint32) *StateObject {
	return &StateObject{
		DoId:        doId,
		ClassNumber: class.Number,
		ParentId:    parentId,
		ZoneId:      zoneId,
		class:       class,
		required:    make(map[uint16][]byte),
		other:       make(map[uint16][]byte),
	}
}

// SetRequired stores a required field's value (generate time or AI/RAM
// update path).
func (o *StateObject) SetRequired(number uint16, payload []byte) {
	o.required[number] = payload
}

// SetOther stores a non-required ram field's value.
func (o *StateObject) SetOther(number uint16, payload []byte) {
	o.other[number] = payload
	o.hasOther = true
}

// HasOther reports whether any other field has ever been set.
func (o *StateObject) HasOther() bool { return o.hasOther }

// packRequired concatenates the class's required fields, in declaration
// order, as length-prefixed blobs. If broadcastOnly, fields not flagged
// Broadcast are skipped (spec section 4.2.2 packing contract).
func (o *StateObject) packRequired(broadcastOnly bool) []byte {
	d := wire.NewDatagram()
	for _, f := range o.class.RequiredFields() {
		if broadcastOnly && !f.Flags.Broadcast {
			continue
		}
		d.AddBlob(o.required[f.Number])
	}
	return d.Bytes()
}

// packOther concatenates the OTHER block: count followed by
// (fieldNumber, payload) pairs, in arbitrary (map iteration) order --
// real DC wire format does not order non-required fields.
func (o *StateObject) packOther() []byte {
	d := wire.NewDatagram()
	d.AddUint16(uint16(len(o.other)))
	for num, payload := range o.other {
		d.AddUint16(num)
		d.AddBlob(payload)
	}
	return d.Bytes()
}

// buildEnterPayload builds the ENTER_*_WITH_REQUIRED[_OTHER] payload body:
// doId, parentId, zoneId, classNumber, required fields, and (if withOther)
// the OTHER block.
func (o *StateObject) buildEnterPayload(broadcastOnly, withOther bool) []byte {
	d := wire.NewDatagram()
	d.AddUint32(o.DoId)
	d.AddUint32(o.ParentId)
	d.AddUint32(o.ZoneId)
	d.AddUint16(o.ClassNumber)
	d.AddRaw(o.packRequired(broadcastOnly))
	if withOther {
		d.AddRaw(o.packOther())
	}
	return d.Bytes()
}

// enterMsgType picks STATESERVER_OBJECT_ENTER_*_WITH_REQUIRED[_OTHER]
// depending on whether the OTHER block is present.
func enterMsgType(base, baseOther uint16, withOther bool) uint16 {
	if withOther {
		return baseOther
	}
	return base
}
