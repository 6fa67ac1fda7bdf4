// Package clientproto names the external (client<->CA) message-type
// catalog from spec section 6. The external framing omits the internal
// channel/sender prefix: a client datagram is simply "u16 msgType; payload".
package clientproto

// Client -> CA.
const (
	CLIENT_HEARTBEAT      uint16 = 5
	CLIENT_LOGIN_2        uint16 = 4
	CLIENT_GET_SHARD_LIST uint16 = 6
	CLIENT_GET_AVATARS    uint16 = 10
	CLIENT_CREATE_AVATAR  uint16 = 11
	CLIENT_SET_AVATAR     uint16 = 14
	CLIENT_DELETE_AVATAR  uint16 = 12
	CLIENT_SET_WISHNAME        uint16 = 17
	CLIENT_SET_NAME_PATTERN    uint16 = 19
	CLIENT_GET_AVATAR_DETAILS  uint16 = 22
	CLIENT_GET_FRIEND_LIST     uint16 = 24
	CLIENT_SET_SHARD           uint16 = 31
	CLIENT_SET_ZONE            uint16 = 29
	CLIENT_OBJECT_UPDATE_FIELD uint16 = 24000
	CLIENT_DISCONNECT          uint16 = 3
)

// CA -> client.
const (
	CLIENT_HEARTBEAT_RESP             uint16 = 5
	CLIENT_LOGIN_2_RESP               uint16 = 4 + 1
	CLIENT_GET_SHARD_LIST_RESP        uint16 = 6 + 1
	CLIENT_GET_AVATARS_RESP           uint16 = 10 + 1
	CLIENT_CREATE_AVATAR_RESP         uint16 = 11 + 1
	CLIENT_DELETE_AVATAR_RESP         uint16 = 12 + 1
	CLIENT_SET_WISHNAME_RESP          uint16 = 17 + 1
	CLIENT_SET_NAME_PATTERN_ANSWER    uint16 = 19 + 1
	CLIENT_GET_AVATAR_DETAILS_RESP    uint16 = 22 + 1
	CLIENT_GET_FRIEND_LIST_RESP       uint16 = 24 + 1
	CLIENT_CREATE_OBJECT_REQUIRED       uint16 = 24001
	CLIENT_CREATE_OBJECT_REQUIRED_OTHER uint16 = 24002
	CLIENT_OBJECT_UPDATE_FIELD_RESP     uint16 = 24003
	CLIENT_OBJECT_DELETE_RESP           uint16 = 24004
	CLIENT_FRIEND_ONLINE                uint16 = 24005
	CLIENT_FRIEND_OFFLINE               uint16 = 24006
	CLIENT_GO_GET_LOST                  uint16 = 4008
	CLIENT_DONE_SET_ZONE_RESP           uint16 = 29 + 1
	CLIENT_GET_STATE_RESP               uint16 = 30 + 1
)

// Disconnect codes (spec section 7).
const (
	DISCONNECT_TRUNCATED_DATAGRAM   uint16 = 106
	DISCONNECT_ANONYMOUS_VIOLATION  uint16 = 107
	DISCONNECT_BAD_VERSION          uint16 = 108
	DISCONNECT_BAD_DCHASH           uint16 = 109
	DISCONNECT_INVALID_MSGTYPE      uint16 = 110
	DISCONNECT_SHARD_CLOSED         uint16 = 153
	DISCONNECT_SESSION_OBJECT_DELETED uint16 = 151
)

// Login token types (spec section 4.3.1, "tokenType").
const (
	TokenTypeBlue uint8 = 0
	TokenTypeDisl uint8 = 1
)
