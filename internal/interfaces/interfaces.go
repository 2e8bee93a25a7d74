// Package interfaces provides internal interface definitions for rdmamig.
// These are separate from the public interfaces to avoid circular imports
// between the main package and internal packages.
package interfaces

// Logger interface for optional logging.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer interface for metrics collection.
// Implementations must be thread-safe; a session calls these from its
// owning goroutine but multiple sessions may share one observer.
type Observer interface {
	ObserveWrite(bytes uint64, signaled bool)
	ObserveFlush(bytes uint64)
	ObserveControlSend(msgType uint32, bytes uint64)
	ObserveControlRecv(msgType uint32, bytes uint64)
	ObserveRegistration(chunks int)
	ObserveZeroPage(bytes uint64)
}
