// Package rdmamig provides an RDMA-based live-migration transport. Guest
// RAM pages travel as one-sided RDMA WRITEs into pre-known destination
// buffers; everything else (device state, protocol commands) rides a
// SEND/RECV byte-stream with READY-token flow control.
package rdmamig

import (
	"context"
	"net"
	"time"

	"github.com/glelouet/rdmamig/internal/constants"
	"github.com/glelouet/rdmamig/internal/ram"
	"github.com/glelouet/rdmamig/internal/session"
	"github.com/glelouet/rdmamig/internal/verbs"
)

// Transport selects the fabric a session runs over. Obtain one from
// NewLoopback or SystemTransport.
type Transport = verbs.Transport

// NewLoopback creates an in-process fabric, used for testing and
// same-host demos. Both peers must share the instance.
func NewLoopback() Transport {
	return verbs.NewLoopback()
}

// SystemTransport returns the host RDMA provider, when one is linked in.
func SystemTransport() (Transport, error) {
	return verbs.System()
}

// BlockIterator walks the hypervisor's RAM blocks in a stable order,
// yielding each block's host address, guest offset and length.
type BlockIterator = ram.Iterator

// Logger interface for optional logging.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Options configures a migration session
type Options struct {
	// Transport is the fabric provider. Required.
	Transport Transport

	// Blocks iterates the guest's RAM blocks. Required.
	Blocks BlockIterator

	// ZeroProbe reports whether a page is all zero. Optional; without it
	// every page is transmitted.
	ZeroProbe func([]byte) bool

	// ChunkRegister asks the destination to register memory chunk by
	// chunk on demand instead of pinning whole blocks up front. Subject
	// to capability negotiation.
	ChunkRegister bool

	// EagerRegister pre-registers all source chunks at connect time.
	EagerRegister bool

	// Blocking selects channel-blocking completion waits over busy
	// polling.
	Blocking bool

	// Tunables; zero values take the package defaults.
	ChunkShift     uint
	MergeMax       uint64
	UnsignaledMax  int
	QPSize         int
	CQSize         int
	ResolveTimeout time.Duration

	Logger   Logger
	Observer Observer
}

// DefaultOptions returns default session options for the given transport
// and RAM blocks.
func DefaultOptions(transport Transport, blocks BlockIterator) Options {
	return Options{
		Transport:      transport,
		Blocks:         blocks,
		ChunkRegister:  true,
		Blocking:       true,
		ChunkShift:     constants.DefaultChunkShift,
		MergeMax:       constants.DefaultMergeMax,
		UnsignaledMax:  constants.DefaultUnsignaledMax,
		QPSize:         constants.DefaultQPSize,
		CQSize:         constants.DefaultCQSize,
		ResolveTimeout: constants.ResolveTimeout,
	}
}

// Validate rejects option combinations no session can run with.
func (o *Options) Validate() error {
	if o.Transport == nil {
		return NewError("OPTIONS", ErrKindConfig, "no transport")
	}
	if o.Blocks == nil {
		return NewError("OPTIONS", ErrKindConfig, "no ram block iterator")
	}
	if o.ChunkShift != 0 &&
		(o.ChunkShift < constants.MinChunkShift || o.ChunkShift > constants.MaxChunkShift) {
		return NewError("OPTIONS", ErrKindConfig, "chunk shift out of range")
	}
	return nil
}

func (o *Options) sessionConfig(addr string) session.Config {
	cfg := session.Config{
		Transport:      o.Transport,
		Addr:           addr,
		ChunkRegister:  o.ChunkRegister,
		EagerRegister:  o.EagerRegister,
		Blocking:       o.Blocking,
		ChunkShift:     o.ChunkShift,
		MergeMax:       o.MergeMax,
		UnsignaledMax:  o.UnsignaledMax,
		QPSize:         o.QPSize,
		CQSize:         o.CQSize,
		Blocks:         o.Blocks,
		ZeroProbe:      o.ZeroProbe,
		ResolveTimeout: o.ResolveTimeout,
	}
	if o.Logger != nil {
		cfg.Logger = o.Logger
	}
	if o.Observer != nil {
		cfg.Observer = o.Observer
	}
	return cfg
}

// validateAddr checks a host:port, optionally tolerating an empty host
// (listen on any interface).
func validateAddr(addr string, allowEmptyHost bool) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return &Error{Op: "ADDR", Kind: ErrKindConfig, Msg: "bad address " + addr, Inner: err}
	}
	if port == "" {
		return NewError("ADDR", ErrKindConfig, "missing port in "+addr)
	}
	if host == "" && !allowEmptyHost {
		return NewError("ADDR", ErrKindConfig, "missing host in "+addr)
	}
	return nil
}

// Stream is the byte-stream handle over a connected session. Page saves
// and iteration hooks piggy-back on it.
type Stream struct {
	sess    *session.Session
	metrics *Metrics
}

// StartOutgoing connects to the destination at hostPort and returns the
// source-side stream once capability negotiation and the RAM block
// directory exchange have completed.
func StartOutgoing(ctx context.Context, hostPort string, opts Options) (*Stream, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := validateAddr(hostPort, false); err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	if opts.Observer == nil {
		opts.Observer = NewMetricsObserver(metrics)
	}

	sess, err := session.Outgoing(ctx, opts.sessionConfig(hostPort))
	if err != nil {
		return nil, WrapError("CONNECT", err)
	}
	return &Stream{sess: sess, metrics: metrics}, nil
}

// Incoming is a bound listener awaiting one migration connection.
type Incoming struct {
	sess    *session.Session
	metrics *Metrics
}

// StartIncoming binds to hostPort and listens for a source.
func StartIncoming(ctx context.Context, hostPort string, opts Options) (*Incoming, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := validateAddr(hostPort, true); err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	if opts.Observer == nil {
		opts.Observer = NewMetricsObserver(metrics)
	}

	sess, err := session.Incoming(ctx, opts.sessionConfig(hostPort))
	if err != nil {
		return nil, WrapError("LISTEN", err)
	}
	return &Incoming{sess: sess, metrics: metrics}, nil
}

// EventFD returns a descriptor that becomes readable when a connection
// attempt is pending, for integration with an external event loop. -1
// when the provider has none.
func (in *Incoming) EventFD() int {
	return in.sess.EventFD()
}

// Accept completes one incoming connection and returns the destination
// stream.
func (in *Incoming) Accept(ctx context.Context) (*Stream, error) {
	if err := in.sess.Accept(ctx); err != nil {
		return nil, WrapError("ACCEPT", err)
	}
	return &Stream{sess: in.sess, metrics: in.metrics}, nil
}

// Close releases the listener and any half-built session state.
func (in *Incoming) Close() error {
	in.metrics.Stop()
	return in.sess.Close()
}

// PutBuffer writes byte-stream data toward the peer.
func (s *Stream) PutBuffer(data []byte) (int, error) {
	n, err := s.sess.PutBuffer(data)
	if err != nil {
		return n, WrapError("PUT_BUFFER", err)
	}
	return n, nil
}

// GetBuffer reads byte-stream data from the peer, blocking until at least
// one byte is available.
func (s *Stream) GetBuffer(buf []byte) (int, error) {
	n, err := s.sess.GetBuffer(buf)
	if err != nil {
		return n, WrapError("GET_BUFFER", err)
	}
	return n, nil
}

// SavePage queues one guest page for RDMA transmission. data must alias
// the page's host memory; blockOffset and offset locate it in guest
// space. Returns len(data) on success, including pages skipped by the
// zero probe.
func (s *Stream) SavePage(blockOffset, offset uint64, data []byte) (int, error) {
	n, err := s.sess.SavePage(blockOffset, offset, data)
	if err != nil {
		return n, WrapError("SAVE_PAGE", err)
	}
	return n, nil
}

// RegistrationStart marks the start of a RAM iteration on the source.
func (s *Stream) RegistrationStart() error {
	if err := s.sess.RegistrationStart(); err != nil {
		return WrapError("REGISTRATION_START", err)
	}
	return nil
}

// RegistrationStop drains outstanding writes and ends the iteration's
// dynamic registrations.
func (s *Stream) RegistrationStop() error {
	if err := s.sess.RegistrationStop(); err != nil {
		return WrapError("REGISTRATION_STOP", err)
	}
	return nil
}

// RegistrationHandle runs the destination's registration loop until the
// source finishes the iteration.
func (s *Stream) RegistrationHandle() error {
	if err := s.sess.RegistrationHandle(); err != nil {
		return WrapError("REGISTRATION_HANDLE", err)
	}
	return nil
}

// Drain blocks until every posted RDMA WRITE has completed.
func (s *Stream) Drain() error {
	if err := s.sess.Drain(); err != nil {
		return WrapError("DRAIN", err)
	}
	return nil
}

// ChunkMode reports whether dynamic destination registration was
// negotiated.
func (s *Stream) ChunkMode() bool {
	return s.sess.ChunkMode()
}

// Metrics returns the session's built-in metrics. When a custom observer
// was supplied, these counters are not fed and stay at zero.
func (s *Stream) Metrics() *Metrics {
	return s.metrics
}

// MetricsSnapshot returns a point-in-time copy of the session metrics.
func (s *Stream) MetricsSnapshot() MetricsSnapshot {
	if s.metrics == nil {
		return MetricsSnapshot{}
	}
	return s.metrics.Snapshot()
}

// Close tears the session down. Idempotent.
func (s *Stream) Close() error {
	if s.metrics != nil {
		s.metrics.Stop()
	}
	return s.sess.Close()
}
