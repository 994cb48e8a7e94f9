package proto

// MinorProtocolRevision is the minor protocol version implemented by this server.
const MinorProtocolRevision MinorVersion = 13

// MinorVersion is a peer's Channel Access minor protocol version.
// Each feature of the protocol is gated on a minimum minor version.
type MinorVersion uint16

// Supported reports whether the server talks to a peer of this version at all.
func (v MinorVersion) Supported() bool { return v.V41() }

// V41 peers receive ACCESS_RIGHTS messages and specific access-denied status codes.
func (v MinorVersion) V41() bool { return v >= 1 }

// V42 peers understand the search reply minor revision.
func (v MinorVersion) V42() bool { return v >= 2 }

// V43 peers send ECHO requests.
func (v MinorVersion) V43() bool { return v >= 3 }

// V44 peers use the R3.12 connect sequence and receive the server port in search replies.
func (v MinorVersion) V44() bool { return v >= 4 }

// V45 peers send their user name.
func (v MinorVersion) V45() bool { return v >= 5 }

// V46 peers receive CREATE_CH_FAIL instead of an error reply.
func (v MinorVersion) V46() bool { return v >= 6 }

// V47 peers receive SERVER_DISCONN instead of being disconnected.
func (v MinorVersion) V47() bool { return v >= 7 }

// V48 peers receive the server address in search replies.
func (v MinorVersion) V48() bool { return v >= 8 }

// V49 peers accept extended framing (arrays larger than 16-bit counts).
func (v MinorVersion) V49() bool { return v >= 9 }

// V410 peers understand beacon anomaly handling.
func (v MinorVersion) V410() bool { return v >= 10 }

// V411 peers send datagram sequence numbers.
func (v MinorVersion) V411() bool { return v >= 11 }

// V412 peers support the TCP-based name service search.
func (v MinorVersion) V412() bool { return v >= 12 }

// V413 peers may request a zero element count meaning "native count".
func (v MinorVersion) V413() bool { return v >= 13 }
