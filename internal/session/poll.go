package session

import (
	"runtime"

	"github.com/glelouet/rdmamig/internal/verbs"
)

// The completion pump. One CQ carries every completion class; dispatch is
// by decoded work-request ID. A control RECV arriving while a READY is
// outstanding is the READY, wherever the pump happens to be running from.

// poll drains at most one completion from the CQ. It returns wrNone when
// the queue is empty.
func (s *Session) poll() (workID, error) {
	wc, ok := s.cq.Poll()
	if !ok {
		return workID{kind: wrNone}, nil
	}

	id := decodeWRID(wc.ID)
	if wc.Status != verbs.WCSuccess {
		return id, errOf(KindCompletion, "work request %s failed: %s", id, wc.Status)
	}

	if s.controlReadyExpected && id.kind == wrCtrlRecv {
		s.debugf("completion %s consumed as READY credit", id)
		s.controlReadyExpected = false
		s.sendCredits++
	}

	if id.kind == wrWrite {
		s.signaledInflight--
		s.debugf("completion %s, %d signaled writes left", id, s.signaledInflight)
	}

	return id, nil
}

// pollDrainFor polls until the wanted work request completes or the CQ
// runs dry. found reports which.
func (s *Session) pollDrainFor(want workID) (found bool, err error) {
	for {
		got, err := s.poll()
		if err != nil {
			return false, err
		}
		if got.kind == wrNone {
			return false, nil
		}
		if got == want {
			return true, nil
		}
		s.debugf("wanted wrid %s but got %s", want, got)
	}
}

// blockForWRID waits for a specific work request, blocking on the
// completion channel between poll sweeps.
func (s *Session) blockForWRID(want workID) error {
	events := 0
	defer func() {
		if events > 0 {
			s.cq.AckEvents(events)
		}
	}()

	if err := s.cq.RequestNotify(); err != nil {
		return errOf(KindTransport, "arming completion notification: %w", err)
	}
	found, err := s.pollDrainFor(want)
	if err != nil || found {
		return err
	}

	for {
		cq, err := s.compCh.Wait(s.ctx)
		if err != nil {
			return errOf(KindTransport, "waiting for completion event: %w", err)
		}
		events++
		if err := cq.RequestNotify(); err != nil {
			return errOf(KindTransport, "re-arming completion notification: %w", err)
		}
		found, err := s.pollDrainFor(want)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
	}
}

// pollForWRID busy-polls for a specific work request.
func (s *Session) pollForWRID(want workID) error {
	for {
		got, err := s.poll()
		if err != nil {
			return err
		}
		if got == want {
			return nil
		}
		if got.kind == wrNone {
			select {
			case <-s.ctx.Done():
				return errOf(KindTransport, "canceled while polling: %w", s.ctx.Err())
			default:
				// Yield so a peer goroutine sharing the process can run.
				runtime.Gosched()
			}
		}
	}
}

// waitForWRID blocks or polls for a work request per the build mode.
func (s *Session) waitForWRID(want workID) error {
	if s.cfg.Blocking {
		return s.blockForWRID(want)
	}
	return s.pollForWRID(want)
}

// drainPoll empties the CQ without blocking. Called opportunistically
// after queueing pages so the request queue cannot creep toward overflow
// between iteration boundaries.
func (s *Session) drainPoll() error {
	for {
		got, err := s.poll()
		if err != nil {
			return err
		}
		if got.kind == wrNone {
			return nil
		}
	}
}
