package wire

// Internal control message types, addressed to ControlChannel (spec section
// 4.1 / 6).
const (
	CONTROL_SET_CHANNEL       uint16 = 9000
	CONTROL_REMOVE_CHANNEL    uint16 = 9001
	CONTROL_ADD_RANGE         uint16 = 9002
	CONTROL_REMOVE_RANGE      uint16 = 9003
	CONTROL_ADD_POST_REMOVE   uint16 = 9010
	CONTROL_CLEAR_POST_REMOVE uint16 = 9011
	CONTROL_SET_CON_NAME      uint16 = 9012
	CONTROL_SET_CON_URL       uint16 = 9013
)

// RoutedHeader is the decoded common prefix of every non-control internal
// datagram: destination channel, sender channel, message type. The payload
// follows and is handler-specific.
type RoutedHeader struct {
	Dst     Channel
	Sender  Channel
	MsgType uint16
}

// ControlHeader is the decoded common prefix of a control datagram: the
// destination is always ControlChannel, followed by a control type and a
// single 64-bit argument (a channel, in every control message this core
// defines).
type ControlHeader struct {
	CtlType uint16
	Arg     Channel
}

// EncodeRouted builds the internal wire shape:
//
//	u8 channel_count(=1); u64 dst; u64 sender; u16 msgType; payload
func EncodeRouted(dst, sender Channel, msgType uint16, payload []byte) []byte {
	d := NewDatagram()
	d.AddUint8(1)
	d.AddUint64(dst)
	d.AddUint64(sender)
	d.AddUint16(msgType)
	d.AddRaw(payload)
	return d.Frame()
}

// EncodeControl builds the internal wire shape for a control message:
//
//	u8 channel_count(=1); u64 dst(=ControlChannel); u64 CONTROL_MESSAGE; u16 ctlType; u64 arg
func EncodeControl(ctlType uint16, arg Channel) []byte {
	d := NewDatagram()
	d.AddUint8(1)
	d.AddUint64(ControlChannel)
	d.AddUint64(ControlChannel)
	d.AddUint16(ctlType)
	d.AddUint64(arg)
	return d.Frame()
}

// EncodeAddPostRemove wraps an inner pre-serialized (framed) datagram into
// a CONTROL_ADD_POST_REMOVE message body addressed to channel.
func EncodeAddPostRemove(channel Channel, inner []byte) []byte {
	d := NewDatagram()
	d.AddUint8(1)
	d.AddUint64(ControlChannel)
	d.AddUint64(ControlChannel)
	d.AddUint16(CONTROL_ADD_POST_REMOVE)
	d.AddUint64(channel)
	d.AddBlob(inner)
	return d.Frame()
}

// DecodedDatagram is the parsed form of one internal wire datagram: either
// IsControl is true and Control is populated, or Routed is populated.
type DecodedDatagram struct {
	IsControl bool
	Control   ControlHeader
	ControlArgExtra []byte // present for CONTROL_ADD_POST_REMOVE's inner datagram
	Routed    RoutedHeader
	Payload   []byte // remaining bytes after the header, for routed messages
}

// DecodeInternal parses the common header shape of an internal datagram
// body whose length prefix has already been stripped (e.g. by ReadFramed).
// It reads channel_count itself and accepts only a count of 1.
func DecodeInternal(body []byte) (*DecodedDatagram, error) {
	it := NewDatagramIterator(body)
	count, err := it.GetUint8()
	if err != nil {
		return nil, err
	}
	if count != 1 {
		return nil, ErrTruncated
	}
	dst, err := it.GetUint64()
	if err != nil {
		return nil, err
	}
	if dst == ControlChannel {
		ctlMarker, err := it.GetUint64()
		if err != nil {
			return nil, err
		}
		if ctlMarker != ControlChannel {
			return nil, ErrTruncated
		}
		ctlType, err := it.GetUint16()
		if err != nil {
			return nil, err
		}
		arg, err := it.GetUint64()
		if err != nil {
			return nil, err
		}
		dd := &DecodedDatagram{
			IsControl: true,
			Control:   ControlHeader{CtlType: ctlType, Arg: arg},
		}
		if ctlType == CONTROL_ADD_POST_REMOVE {
			inner, err := it.GetBlob()
			if err != nil {
				return nil, err
			}
			dd.ControlArgExtra = inner
		}
		return dd, nil
	}

	sender, err := it.GetUint64()
	if err != nil {
		return nil, err
	}
	msgType, err := it.GetUint16()
	if err != nil {
		return nil, err
	}
	return &DecodedDatagram{
		Routed:  RoutedHeader{Dst: dst, Sender: sender, MsgType: msgType},
		Payload: it.GetRemainder(),
	}, nil
}

// ReadFramed strips the outer 16-bit length prefix from a byte stream
// buffer, returning the inner body and how many bytes were consumed (0, if
// not enough buffered yet).
func ReadFramed(buf []byte) (body []byte, consumed int, err error) {
	if len(buf) < 2 {
		return nil, 0, nil
	}
	n := int(buf[0]) | int(buf[1])<<8
	total := 2 + n
	if len(buf) < total {
		return nil, 0, nil
	}
	return buf[2:total], total, nil
}
