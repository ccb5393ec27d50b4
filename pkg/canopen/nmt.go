package canopen

// NMTState mirrors the state octet carried in a CANopen heartbeat frame.
// The numeric values match the wire encoding exactly (0x00, 0x04, 0x05,
// 0x7F) so parseHeartBeat needs no translation table; Missing has no wire
// representation and is only ever assigned locally by sanityCheck.
type NMTState uint8

const (
	Initializing   NMTState = 0x00
	Stopped        NMTState = 0x04
	Operational    NMTState = 0x05
	PreOperational NMTState = 0x7F
	Missing        NMTState = 0xFF
)

func (s NMTState) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Stopped:
		return "stopped"
	case Operational:
		return "operational"
	case PreOperational:
		return "pre-operational"
	case Missing:
		return "missing"
	default:
		return "unknown"
	}
}

// NMT command specifiers, sent as the first octet of a 2-octet frame on
// identifier 0x000, the second octet being the target node id (0 for
// broadcast).
const (
	nmtCommandStart              uint8 = 0x01
	nmtCommandStop               uint8 = 0x02
	nmtCommandEnterPreOperational uint8 = 0x80
	nmtCommandResetNode          uint8 = 0x81
	nmtCommandResetCommunication uint8 = 0x82
)

// NMTIdentifier is the well-known broadcast NMT command identifier.
const NMTIdentifier uint32 = 0x000
