// Package session implements the migration transport state machine: the
// control channel, the write-coalescing engine, the completion pump, and
// connection setup/teardown for both peers.
package session

import (
	"context"
	"time"

	"github.com/glelouet/rdmamig/internal/constants"
	"github.com/glelouet/rdmamig/internal/interfaces"
	"github.com/glelouet/rdmamig/internal/ram"
	"github.com/glelouet/rdmamig/internal/verbs"
)

// State tracks session lifecycle for logs and sanity checks.
type State int

const (
	StateInit State = iota
	StateResolving
	StatePdCqQp
	StateBlocksRegistered
	StateConnected
	StateStreaming
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateResolving:
		return "resolving"
	case StatePdCqQp:
		return "pd-cq-qp"
	case StateBlocksRegistered:
		return "blocks-registered"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	default:
		return "closed"
	}
}

// Config carries everything a session needs from the outer driver.
type Config struct {
	Transport verbs.Transport
	Addr      string

	// ChunkRegister requests dynamic destination registration. On the
	// source this is an offer subject to negotiation; on the destination
	// it caps what gets granted.
	ChunkRegister bool

	// EagerRegister pre-registers every source chunk at init instead of
	// on first use. Chunk mode only.
	EagerRegister bool

	// Blocking selects channel-blocking completion waits over busy
	// polling.
	Blocking bool

	ChunkShift    uint
	MergeMax      uint64
	UnsignaledMax int
	QPSize        int
	CQSize        int

	Blocks    ram.Iterator
	ZeroProbe func([]byte) bool

	Logger   interfaces.Logger
	Observer interfaces.Observer

	ResolveTimeout time.Duration
}

func (c *Config) fillDefaults() {
	if c.ChunkShift == 0 {
		c.ChunkShift = constants.DefaultChunkShift
	}
	if c.MergeMax == 0 {
		c.MergeMax = constants.DefaultMergeMax
	}
	if c.UnsignaledMax == 0 {
		c.UnsignaledMax = constants.DefaultUnsignaledMax
	}
	if c.QPSize == 0 {
		c.QPSize = constants.DefaultQPSize
	}
	if c.CQSize == 0 {
		c.CQSize = 3 * c.QPSize
	}
	if c.ResolveTimeout == 0 {
		c.ResolveTimeout = constants.ResolveTimeout
	}
}

// controlBuffer is one pre-registered control work-request slot. cur/len
// track the unconsumed payload bytes of the last message it received.
type controlBuffer struct {
	buf []byte
	mr  verbs.MR
	cur int
	len int
}

// sendSlot indexes the control buffer used for SENDs; the slots before it
// are receive buffers (0 current, 1 look-ahead).
const sendSlot = constants.ControlMaxRecvWR

// Session is one end of a migration transport connection. All methods must
// be called from the owning goroutine; nothing here locks.
type Session struct {
	cfg   Config
	state State
	ctx   context.Context

	channel  verbs.EventChannel
	id       verbs.ID
	listenID verbs.ID
	dev      verbs.Device
	pd       verbs.PD
	compCh   verbs.CompChannel
	cq       verbs.CQ
	qp       verbs.QP

	dir *ram.Directory

	wrData [constants.ControlMaxRecvWR + 1]controlBuffer

	// Credit protocol. controlReadyExpected means the peer owes us a READY
	// we have not yet seen; sendCredits counts READYs observed (possibly by
	// the pump, outside exchangeSend) and not yet spent.
	controlReadyExpected bool
	sendCredits          int

	// Write engine state.
	unsignaledPending int
	signaledInflight  int
	currentBlock      int
	currentChunk      int
	currentOffset     uint64
	currentLength     uint64

	// Negotiated mode.
	chunkMode bool
}

func newSession(ctx context.Context, cfg Config) *Session {
	cfg.fillDefaults()
	return &Session{
		cfg:          cfg,
		ctx:          ctx,
		state:        StateInit,
		currentBlock: -1,
		currentChunk: -1,
	}
}

// State returns the lifecycle state.
func (s *Session) State() State { return s.state }

// ChunkMode reports whether dynamic destination registration was
// negotiated.
func (s *Session) ChunkMode() bool { return s.chunkMode }

// Directory exposes the RAM directory, for the outer driver and tests.
func (s *Session) Directory() *ram.Directory { return s.dir }

// Counters returns the write-engine bookkeeping, for tests and metrics.
func (s *Session) Counters() (unsignaledPending, signaledInflight int, currentLength uint64) {
	return s.unsignaledPending, s.signaledInflight, s.currentLength
}

func (s *Session) debugf(format string, args ...interface{}) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Debugf(format, args...)
	}
}

func (s *Session) logf(format string, args ...interface{}) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}

// Close tears the session down. Safe to call from any error path and more
// than once; each step tolerates handles that were never created or were
// already released. Failures are logged and do not stop later steps.
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed

	if s.id != nil {
		if err := s.id.Disconnect(); err != nil {
			s.debugf("teardown: disconnect: %v", err)
		} else if s.channel != nil {
			// Consume the disconnect event so the channel drains.
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if _, err := s.channel.Get(ctx); err != nil {
				s.debugf("teardown: disconnect event: %v", err)
			}
			cancel()
		}
	}

	for idx := range s.wrData {
		if s.wrData[idx].mr != nil {
			if err := s.wrData[idx].mr.Close(); err != nil {
				s.debugf("teardown: control mr %d: %v", idx, err)
			}
			s.wrData[idx].mr = nil
		}
		s.wrData[idx].buf = nil
	}

	if s.dir != nil {
		for _, b := range s.dir.Blocks {
			for i, mr := range b.ChunkMRs {
				if mr != nil {
					if err := mr.Close(); err != nil {
						s.debugf("teardown: chunk mr: %v", err)
					}
					b.ChunkMRs[i] = nil
				}
			}
			b.ChunkMRs = nil
			if b.MR != nil {
				if err := b.MR.Close(); err != nil {
					s.debugf("teardown: block mr: %v", err)
				}
				b.MR = nil
			}
			b.RemoteKeys = nil
		}
	}

	if s.qp != nil {
		if err := s.qp.Close(); err != nil {
			s.debugf("teardown: qp: %v", err)
		}
		s.qp = nil
	}
	if s.cq != nil {
		if err := s.cq.Close(); err != nil {
			s.debugf("teardown: cq: %v", err)
		}
		s.cq = nil
	}
	if s.compCh != nil {
		if err := s.compCh.Close(); err != nil {
			s.debugf("teardown: completion channel: %v", err)
		}
		s.compCh = nil
	}
	if s.pd != nil {
		if err := s.pd.Close(); err != nil {
			s.debugf("teardown: pd: %v", err)
		}
		s.pd = nil
	}
	if s.listenID != nil {
		if err := s.listenID.Close(); err != nil {
			s.debugf("teardown: listen id: %v", err)
		}
		s.listenID = nil
	}
	if s.id != nil {
		if err := s.id.Close(); err != nil {
			s.debugf("teardown: cm id: %v", err)
		}
		s.id = nil
	}
	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			s.debugf("teardown: event channel: %v", err)
		}
		s.channel = nil
	}
	return nil
}

// allocPDCQ creates the protection domain, the optional completion channel
// and the completion queue, releasing partial resources on failure.
func (s *Session) allocPDCQ() error {
	pd, err := s.dev.AllocPD()
	if err != nil {
		return errOf(KindTransport, "allocating protection domain: %w", err)
	}
	s.pd = pd

	if s.cfg.Blocking {
		ch, err := s.dev.CreateCompChannel()
		if err != nil {
			_ = s.pd.Close()
			s.pd = nil
			return errOf(KindTransport, "creating completion channel: %w", err)
		}
		s.compCh = ch
	}

	cq, err := s.dev.CreateCQ(s.cfg.CQSize, s.compCh)
	if err != nil {
		if s.compCh != nil {
			_ = s.compCh.Close()
			s.compCh = nil
		}
		_ = s.pd.Close()
		s.pd = nil
		return errOf(KindTransport, "creating completion queue: %w", err)
	}
	s.cq = cq
	return nil
}

// allocQP creates the reliable-connected queue pair.
func (s *Session) allocQP() error {
	qp, err := s.id.CreateQP(s.pd, s.cq, verbs.QPCap{
		MaxSendWR:  s.cfg.QPSize,
		MaxRecvWR:  3,
		MaxSendSGE: 1,
		MaxRecvSGE: 1,
	})
	if err != nil {
		return errOf(KindTransport, "creating queue pair: %w", err)
	}
	s.qp = qp
	return nil
}
