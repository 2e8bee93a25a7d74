package rdmamig

import "github.com/glelouet/rdmamig/internal/constants"

// Re-export constants for public API
const (
	DefaultChunkShift    = constants.DefaultChunkShift
	MinChunkShift        = constants.MinChunkShift
	MaxChunkShift        = constants.MaxChunkShift
	DefaultMergeMax      = constants.DefaultMergeMax
	DefaultUnsignaledMax = constants.DefaultUnsignaledMax
	DefaultQPSize        = constants.DefaultQPSize
	DefaultCQSize        = constants.DefaultCQSize
	ControlMaxBuffer     = constants.ControlMaxBuffer
	SendIncrement        = constants.SendIncrement
	ResolveTimeout       = constants.ResolveTimeout
)
