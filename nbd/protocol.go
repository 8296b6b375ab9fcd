package nbd

// Protocol constants from the NBD newstyle handshake and transmission
// phase. Values are taken directly from the protocol's wire format (all
// fields big-endian); there is nothing benji-specific about this file.
const (
	magicNBD    uint64 = 0x4e42444d41474943 // "NBDMAGIC"
	optionMagic uint64 = 0x49484156454f5054 // "IHAVEOPT"

	requestMagic     uint32 = 0x25609513
	simpleReplyMagic uint32 = 0x67446698
)

// Handshake flags (server -> client, 16 bits).
const (
	flagFixedNewstyle uint16 = 1 << 0
	flagNoZeroes      uint16 = 1 << 1
)

// Client flags (client -> server, 32 bits).
const (
	clientFlagFixedNewstyle uint32 = 1 << 0
	clientFlagNoZeroes      uint32 = 1 << 1
)

// Transmission flags advertised with NBD_OPT_EXPORT_NAME's reply.
const (
	transmitFlagHasFlags  uint16 = 1 << 0
	transmitFlagReadOnly  uint16 = 1 << 1
	transmitFlagSendFlush uint16 = 1 << 2
)

// Options a client can request during the handshake.
const (
	optExportName uint32 = 1
	optAbort      uint32 = 2
	optList       uint32 = 3
)

// Option reply types.
const (
	repAck        uint32 = 1
	repErrUnsup   uint32 = 1<<31 + 1
)

// Transmission-phase command types.
const (
	cmdRead  uint16 = 0
	cmdWrite uint16 = 1
	cmdDisc  uint16 = 2
	cmdFlush uint16 = 3
	cmdTrim  uint16 = 4
)

// Transmission-phase error codes (a small subset of the protocol's Linux
// errno-numbered set).
const (
	errOK     uint32 = 0
	errIO     uint32 = 5
	errNoSys  uint32 = 38
)
