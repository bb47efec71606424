package protocol

import "strings"

// BITS protocol header keys
const (
	HdrPacketType           = "BITS-Packet-Type"
	HdrSessionID            = "BITS-Session-Id"
	HdrErrorContext         = "BITS-Error-Context"
	HdrErrorCode            = "BITS-Error-Code"
	HdrSupportedProtocols   = "BITS-Supported-Protocols"
	HdrProtocol             = "BITS-Protocol"
	HdrReceivedContentRange = "BITS-Received-Content-Range"
)

// HTTP header keys shared with the transport
const (
	HdrAcceptEncoding  = "Accept-Encoding"
	HdrContentName     = "Content-Name"
	HdrContentLength   = "Content-Length"
	HdrContentRange    = "Content-Range"
	HdrContentEncoding = "Content-Encoding"
)

// PacketTypeAck is the packet type carried on every server response.
const PacketTypeAck = "Ack"

// ProtocolID is the only BITS upload protocol version published to date.
const ProtocolID = "{7df0354d-249b-430f-820d-3d2a9bef4931}"

// PacketType identifies the operation requested by an inbound BITS packet.
type PacketType int

const (
	PacketUnknown PacketType = iota
	PacketCreateSession
	PacketFragment
	PacketCloseSession
	PacketCancelSession
	PacketPing
)

// ParsePacketType maps the BITS-Packet-Type header value to a PacketType.
// Matching is case-insensitive; unrecognized values map to PacketUnknown.
func ParsePacketType(value string) PacketType {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "create-session":
		return PacketCreateSession
	case "fragment":
		return PacketFragment
	case "close-session":
		return PacketCloseSession
	case "cancel-session":
		return PacketCancelSession
	case "ping":
		return PacketPing
	default:
		return PacketUnknown
	}
}

// String returns the wire spelling of the packet type
func (pt PacketType) String() string {
	switch pt {
	case PacketCreateSession:
		return "Create-Session"
	case PacketFragment:
		return "Fragment"
	case PacketCloseSession:
		return "Close-Session"
	case PacketCancelSession:
		return "Cancel-Session"
	case PacketPing:
		return "Ping"
	default:
		return "Unknown"
	}
}
