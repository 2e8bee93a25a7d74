package wire

import "encoding/binary"

// Error definitions
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
	ErrBadVersion       MarshalError = "control message version out of range"
	ErrShortBuffer      MarshalError = "destination buffer too small"
)

// MarshalControlHeader writes the header into buf (big-endian).
func MarshalControlHeader(h *ControlHeader, buf []byte) error {
	if len(buf) < ControlHeaderSize {
		return ErrShortBuffer
	}
	binary.BigEndian.PutUint32(buf[0:4], h.Len)
	binary.BigEndian.PutUint32(buf[4:8], h.Type)
	binary.BigEndian.PutUint32(buf[8:12], h.Version)
	binary.BigEndian.PutUint32(buf[12:16], h.Repeat)
	return nil
}

// UnmarshalControlHeader reads a header from buf and validates the version.
func UnmarshalControlHeader(buf []byte, h *ControlHeader) error {
	if len(buf) < ControlHeaderSize {
		return ErrInsufficientData
	}
	h.Len = binary.BigEndian.Uint32(buf[0:4])
	h.Type = binary.BigEndian.Uint32(buf[4:8])
	h.Version = binary.BigEndian.Uint32(buf[8:12])
	h.Repeat = binary.BigEndian.Uint32(buf[12:16])
	if h.Version < VersionMin || h.Version > VersionMax {
		return ErrBadVersion
	}
	return nil
}

// MarshalCapabilities encodes the CM private-data blob (big-endian).
func MarshalCapabilities(c *Capabilities) []byte {
	buf := make([]byte, CapabilitiesSize)
	binary.BigEndian.PutUint32(buf[0:4], c.Version)
	binary.BigEndian.PutUint32(buf[4:8], c.Flags)
	return buf
}

// UnmarshalCapabilities decodes the CM private-data blob.
func UnmarshalCapabilities(buf []byte, c *Capabilities) error {
	if len(buf) < CapabilitiesSize {
		return ErrInsufficientData
	}
	c.Version = binary.BigEndian.Uint32(buf[0:4])
	c.Flags = binary.BigEndian.Uint32(buf[4:8])
	return nil
}

// BlockTableSize returns the payload size of a RAM_BLOCKS message for n
// entries: a u32 count followed by the packed entry array.
func BlockTableSize(n int) int {
	return BlockTableHeaderSize + n*RemoteBlockSize
}

// MarshalBlockTable packs the block table for the RAM_BLOCKS message.
func MarshalBlockTable(blocks []RemoteBlock) []byte {
	buf := make([]byte, BlockTableSize(len(blocks)))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(blocks)))
	off := BlockTableHeaderSize
	for i := range blocks {
		b := &blocks[i]
		binary.LittleEndian.PutUint64(buf[off:off+8], b.RemoteAddr)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], b.GuestOffset)
		binary.LittleEndian.PutUint64(buf[off+16:off+24], b.Length)
		binary.LittleEndian.PutUint32(buf[off+24:off+28], b.RKey)
		off += RemoteBlockSize
	}
	return buf
}

// UnmarshalBlockTable parses a RAM_BLOCKS payload.
func UnmarshalBlockTable(buf []byte) ([]RemoteBlock, error) {
	if len(buf) < BlockTableHeaderSize {
		return nil, ErrInsufficientData
	}
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	if len(buf) < BlockTableSize(n) {
		return nil, ErrInsufficientData
	}
	blocks := make([]RemoteBlock, n)
	off := BlockTableHeaderSize
	for i := 0; i < n; i++ {
		blocks[i].RemoteAddr = binary.LittleEndian.Uint64(buf[off : off+8])
		blocks[i].GuestOffset = binary.LittleEndian.Uint64(buf[off+8 : off+16])
		blocks[i].Length = binary.LittleEndian.Uint64(buf[off+16 : off+24])
		blocks[i].RKey = binary.LittleEndian.Uint32(buf[off+24 : off+28])
		off += RemoteBlockSize
	}
	return blocks, nil
}

// MarshalRegisterRequests packs repeat register entries.
func MarshalRegisterRequests(reqs []RegisterRequest) []byte {
	buf := make([]byte, len(reqs)*RegisterRequestSize)
	off := 0
	for i := range reqs {
		binary.LittleEndian.PutUint32(buf[off:off+4], reqs[i].Len)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], reqs[i].BlockIndex)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], reqs[i].Offset)
		off += RegisterRequestSize
	}
	return buf
}

// UnmarshalRegisterRequests parses count entries out of buf.
func UnmarshalRegisterRequests(buf []byte, count int) ([]RegisterRequest, error) {
	if len(buf) < count*RegisterRequestSize {
		return nil, ErrInsufficientData
	}
	reqs := make([]RegisterRequest, count)
	off := 0
	for i := 0; i < count; i++ {
		reqs[i].Len = binary.LittleEndian.Uint32(buf[off : off+4])
		reqs[i].BlockIndex = binary.LittleEndian.Uint32(buf[off+4 : off+8])
		reqs[i].Offset = binary.LittleEndian.Uint64(buf[off+8 : off+16])
		off += RegisterRequestSize
	}
	return reqs, nil
}

// MarshalRegisterResults packs repeat result entries.
func MarshalRegisterResults(results []RegisterResult) []byte {
	buf := make([]byte, len(results)*RegisterResultSize)
	for i := range results {
		binary.LittleEndian.PutUint32(buf[i*RegisterResultSize:], results[i].RKey)
	}
	return buf
}

// UnmarshalRegisterResults parses count entries out of buf.
func UnmarshalRegisterResults(buf []byte, count int) ([]RegisterResult, error) {
	if len(buf) < count*RegisterResultSize {
		return nil, ErrInsufficientData
	}
	results := make([]RegisterResult, count)
	for i := 0; i < count; i++ {
		results[i].RKey = binary.LittleEndian.Uint32(buf[i*RegisterResultSize:])
	}
	return results, nil
}
