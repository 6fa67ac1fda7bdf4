package wire

// Internal (peer<->MD<->peer) message types for the shard registry, object
// lifecycle, location/ownership/AI protocol, field updates, and the DB
// interface (spec sections 4.2, 4.3, 4.4, 6).
const (
	// Shard registry (sent to the state server's well-known channel,
	// sender identifies the shard).
	STATESERVER_ADD_SHARD      uint16 = 2000
	STATESERVER_UPDATE_SHARD   uint16 = 2001
	STATESERVER_REMOVE_SHARD   uint16 = 2002
	STATESERVER_GET_SHARD_ALL      uint16 = 2010
	STATESERVER_GET_SHARD_ALL_RESP uint16 = 2011

	// Object lifecycle. Generates are sent to the state server's
	// well-known channel; UPDATE_FIELD and DELETE_RAM to the object's own
	// doId channel.
	STATESERVER_OBJECT_GENERATE_WITH_REQUIRED       uint16 = 2020
	STATESERVER_OBJECT_GENERATE_WITH_REQUIRED_OTHER uint16 = 2021
	STATESERVER_OBJECT_UPDATE_FIELD                 uint16 = 2022
	STATESERVER_OBJECT_DELETE_RAM                   uint16 = 2023

	// Per-object messages (sent to the object's own doId channel).
	STATESERVER_OBJECT_SET_OWNER       uint16 = 2030
	STATESERVER_OBJECT_SET_AI          uint16 = 2031
	STATESERVER_OBJECT_SET_ZONE        uint16 = 2032
	STATESERVER_OBJECT_SET_LOCATION    uint16 = 2033
	STATESERVER_OBJECT_GET_ZONES_OBJECTS      uint16 = 2034
	STATESERVER_OBJECT_GET_ZONES_OBJECTS_RESP uint16 = 2035

	// Fan-out / owner notifications (sent from the SS to owners/AIs).
	STATESERVER_OBJECT_CHANGING_OWNER uint16 = 2040
	STATESERVER_OBJECT_ENTER_OWNER_WITH_REQUIRED       uint16 = 2041
	STATESERVER_OBJECT_ENTER_OWNER_WITH_REQUIRED_OTHER uint16 = 2042
	STATESERVER_OBJECT_CHANGING_AI                     uint16 = 2043
	STATESERVER_OBJECT_ENTER_AI_WITH_REQUIRED          uint16 = 2044
	STATESERVER_OBJECT_ENTER_AI_WITH_REQUIRED_OTHER    uint16 = 2045
	STATESERVER_OBJECT_ENTER_LOCATION_WITH_REQUIRED       uint16 = 2046
	STATESERVER_OBJECT_ENTER_LOCATION_WITH_REQUIRED_OTHER uint16 = 2047
	STATESERVER_OBJECT_CHANGING_LOCATION uint16 = 2048
	STATESERVER_OBJECT_LOCATION_ACK      uint16 = 2049

	CLIENTAGENT_DISCONNECT     uint16 = 2050
	CLIENTAGENT_FRIEND_ONLINE  uint16 = 2051
	CLIENTAGENT_FRIEND_OFFLINE uint16 = 2052

	// Database interface (spec section 4.4, 6).
	DBSERVER_CREATE_OBJECT              uint16 = 3000
	DBSERVER_CREATE_OBJECT_RESP         uint16 = 3001
	DBSERVER_OBJECT_GET_ALL             uint16 = 3002
	DBSERVER_OBJECT_GET_ALL_RESP        uint16 = 3003
	DBSERVER_OBJECT_GET_FIELD           uint16 = 3004
	DBSERVER_OBJECT_GET_FIELD_RESP      uint16 = 3005
	DBSERVER_OBJECT_GET_FIELDS          uint16 = 3006
	DBSERVER_OBJECT_GET_FIELDS_RESP     uint16 = 3007
	DBSERVER_OBJECT_SET_FIELD           uint16 = 3008
	DBSERVER_OBJECT_SET_FIELDS          uint16 = 3009
	DBSERVER_OBJECT_SET_FIELD_IF_EQUALS uint16 = 3010
	DBSERVER_OBJECT_SET_FIELD_IF_EQUALS_RESP uint16 = 3011
)

// Shard-teardown disconnect reason codes (spec section 4.2.4, 7).
const (
	ShardClosedReason = "shard closed"
)
