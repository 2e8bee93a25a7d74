// Package wire defines the on-the-wire structures of the migration
// control protocol and their codecs.
//
// The 16-byte control header and the 8-byte capability blob are big-endian.
// Message payloads are little-endian host structures; interoperating across
// heterogeneous-endian clusters requires a version bump.
package wire

// Control message types carried in ControlHeader.Type.
const (
	ControlNone uint32 = iota
	ControlReady
	ControlQemuFile
	ControlRAMBlocks
	ControlRegisterRequest
	ControlRegisterResult
	ControlRegisterFinished
)

var controlDesc = map[uint32]string{
	ControlNone:             "NONE",
	ControlReady:            "READY",
	ControlQemuFile:         "QEMU FILE",
	ControlRAMBlocks:        "REMOTE INFO",
	ControlRegisterRequest:  "REGISTER REQUEST",
	ControlRegisterResult:   "REGISTER RESULT",
	ControlRegisterFinished: "REGISTER FINISHED",
}

// ControlDesc names a control message type for logs.
func ControlDesc(t uint32) string {
	if s, ok := controlDesc[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// Protocol versions. Bump on any incompatible payload change.
const (
	VersionMin     = 1
	VersionMax     = 1
	VersionCurrent = 1
)

// Capability flags negotiated via CM private data.
const (
	// CapChunkRegister enables dynamic per-chunk registration on the
	// destination instead of pinning whole blocks up front.
	CapChunkRegister uint32 = 1 << 0

	// CapNextFeature is reserved.
	CapNextFeature uint32 = 1 << 1
)

// SupportedCaps is the set of capability flags this build understands.
const SupportedCaps = CapChunkRegister

// ControlHeader prefixes every control-channel SEND.
type ControlHeader struct {
	Len     uint32 // length of the data portion
	Type    uint32 // Control* message type
	Version uint32 // protocol version
	Repeat  uint32 // number of same-type commands in the data portion
}

// ControlHeaderSize is the wire size of ControlHeader.
const ControlHeaderSize = 16

// Capabilities rides as CM private data during connect/accept.
type Capabilities struct {
	Version uint32
	Flags   uint32
}

// CapabilitiesSize is the wire size of Capabilities.
const CapabilitiesSize = 8

// RemoteBlock describes one RAM block as transmitted by the destination
// right after accept. remote_addr is the destination's virtual address for
// the block; rkey is only meaningful in whole-block registration mode.
type RemoteBlock struct {
	RemoteAddr  uint64
	GuestOffset uint64
	Length      uint64
	RKey        uint32
}

// RemoteBlockSize is the wire stride of one RemoteBlock entry. The entry
// carries 28 bytes of fields padded to the 8-byte alignment of its largest
// member, matching the packed C layout both peers agree on.
const RemoteBlockSize = 32

// BlockTableHeaderSize is the count prefix in front of the entries.
const BlockTableHeaderSize = 4

// RegisterRequest asks the destination to register one chunk.
type RegisterRequest struct {
	Len        uint32 // length of the range to register
	BlockIndex uint32 // which block the chunk belongs to
	Offset     uint64 // guest offset of the range within the block
}

// RegisterRequestSize is the wire size of one RegisterRequest entry.
const RegisterRequestSize = 16

// RegisterResult returns the rkey produced by a registration.
type RegisterResult struct {
	RKey uint32
}

// RegisterResultSize is the wire size of one RegisterResult entry.
const RegisterResultSize = 4

// HookMarker is stamped into the byte-stream by the source at each
// iteration start so the destination driver enters its registration loop.
const HookMarker uint64 = 0x526d4d6967486f6b
