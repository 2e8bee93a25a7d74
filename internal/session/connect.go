package session

import (
	"context"

	"github.com/glelouet/rdmamig/internal/constants"
	"github.com/glelouet/rdmamig/internal/ram"
	"github.com/glelouet/rdmamig/internal/verbs"
	"github.com/glelouet/rdmamig/internal/wire"
)

// waitEvent blocks for the next CM event and checks its type.
func (s *Session) waitEvent(ctx context.Context, want verbs.EventType) (*verbs.Event, error) {
	ev, err := s.channel.Get(ctx)
	if err != nil {
		return nil, errOf(KindTransport, "waiting for %s: %w", want, err)
	}
	defer s.channel.Ack(ev)
	if ev.Type != want {
		return nil, errOf(KindTransport, "expected CM event %s, got %s", want, ev.Type)
	}
	return ev, nil
}

// resolve maps the peer address to a device and route, acknowledging one
// CM event per step, each under the resolve timeout.
func (s *Session) resolve() error {
	s.state = StateResolving

	if s.cfg.Addr == "" {
		return errOf(KindConfig, "peer address not set")
	}

	ch, err := s.cfg.Transport.NewEventChannel()
	if err != nil {
		return errOf(KindTransport, "creating CM event channel: %w", err)
	}
	s.channel = ch

	id, err := ch.CreateID()
	if err != nil {
		return errOf(KindTransport, "creating CM id: %w", err)
	}
	s.id = id

	if err := id.ResolveAddr(s.cfg.Addr, s.cfg.ResolveTimeout); err != nil {
		return errOf(KindTransport, "resolving address %q: %w", s.cfg.Addr, err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ResolveTimeout)
	_, err = s.waitEvent(ctx, verbs.EventAddrResolved)
	cancel()
	if err != nil {
		return err
	}

	if err := id.ResolveRoute(s.cfg.ResolveTimeout); err != nil {
		return errOf(KindTransport, "resolving route to %q: %w", s.cfg.Addr, err)
	}
	ctx, cancel = context.WithTimeout(s.ctx, s.cfg.ResolveTimeout)
	_, err = s.waitEvent(ctx, verbs.EventRouteResolved)
	cancel()
	if err != nil {
		return err
	}

	s.dev = id.Device()
	s.logf("resolved %s via device %s", s.cfg.Addr, s.dev.Name())
	return nil
}

// Outgoing creates, connects and initializes the source side of a
// migration session. On any failure the partially built session is torn
// down and the error returned.
func Outgoing(ctx context.Context, cfg Config) (*Session, error) {
	s := newSession(ctx, cfg)
	s.chunkMode = cfg.ChunkRegister
	if err := s.outgoing(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) outgoing() error {
	if s.cfg.Blocks == nil {
		return errOf(KindConfig, "no ram block iterator")
	}

	if err := s.resolve(); err != nil {
		return err
	}

	s.state = StatePdCqQp
	if err := s.allocPDCQ(); err != nil {
		return err
	}
	if err := s.allocQP(); err != nil {
		return err
	}

	s.dir = ram.NewDirectory(s.cfg.ChunkShift, s.cfg.Blocks)

	if err := s.regControlBuffers(); err != nil {
		return err
	}
	s.state = StateBlocksRegistered

	return s.connect()
}

// connect runs the CM handshake with capability negotiation, then consumes
// the destination's RAM_BLOCKS message and reconciles the directory.
func (s *Session) connect() error {
	caps := wire.Capabilities{Version: wire.VersionCurrent}
	if s.chunkMode {
		s.logf("requesting dynamic destination registration")
		caps.Flags |= wire.CapChunkRegister
	}

	param := verbs.ConnParam{
		InitiatorDepth: constants.InitiatorDepth,
		RetryCount:     constants.ConnRetryCount,
	}
	if err := s.id.Connect(wire.MarshalCapabilities(&caps), param); err != nil {
		return errOf(KindTransport, "connecting: %w", err)
	}

	ev, err := s.waitEvent(s.ctx, verbs.EventEstablished)
	if err != nil {
		return err
	}

	var granted wire.Capabilities
	if err := wire.UnmarshalCapabilities(ev.Private, &granted); err != nil {
		return errOf(KindProtocol, "reading accept capabilities: %w", err)
	}
	if s.chunkMode && granted.Flags&wire.CapChunkRegister == 0 {
		s.logf("destination cannot do dynamic registration, disabling")
		s.chunkMode = false
	}
	s.logf("chunk registration %s", enabled(s.chunkMode))

	// Slot 1 catches the RAM_BLOCKS message below; slot 0 must already be
	// armed for the destination's first READY, which can land any time
	// after it starts reading the byte-stream.
	if err := s.postRecvControl(1); err != nil {
		return err
	}
	if err := s.postRecvControl(0); err != nil {
		return err
	}

	var head wire.ControlHeader
	if err := s.getResponse(&head, wire.ControlRAMBlocks, 1); err != nil {
		return err
	}
	s.moveHeader(1, &head)

	remote, err := wire.UnmarshalBlockTable(s.payload(1))
	if err != nil {
		return wrapKind(KindProtocol, err)
	}
	if err := s.dir.ApplyRemote(remote); err != nil {
		return wrapKind(KindProtocol, err)
	}
	s.wrData[1].len = 0

	if s.chunkMode {
		s.dir.AllocRemoteKeys()
		if s.cfg.EagerRegister {
			if err := s.regAllChunks(); err != nil {
				return err
			}
		}
	} else {
		// The destination drove whole-block registration on its side; pin
		// our source buffers block-wide too.
		if err := s.regWholeBlocks(verbs.AccessRemoteRead); err != nil {
			return err
		}
	}

	s.controlReadyExpected = true
	s.signaledInflight = 0
	s.state = StateConnected
	return nil
}

// Incoming binds and listens for a migration connection; Accept completes
// the handshake. The verbs device is unknown until the first connect
// request arrives, so PD/CQ creation is deferred to Accept.
func Incoming(ctx context.Context, cfg Config) (*Session, error) {
	s := newSession(ctx, cfg)
	if err := s.listen(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) listen() error {
	if s.cfg.Addr == "" {
		return errOf(KindConfig, "listen address not set")
	}
	if s.cfg.Blocks == nil {
		return errOf(KindConfig, "no ram block iterator")
	}

	ch, err := s.cfg.Transport.NewEventChannel()
	if err != nil {
		return errOf(KindTransport, "creating CM event channel: %w", err)
	}
	s.channel = ch

	id, err := ch.CreateID()
	if err != nil {
		return errOf(KindTransport, "creating listen id: %w", err)
	}
	s.listenID = id

	if err := id.BindListen(s.cfg.Addr, constants.ListenBacklog); err != nil {
		return errOf(KindTransport, "listening on %q: %w", s.cfg.Addr, err)
	}
	s.logf("listening on %s", s.cfg.Addr)
	return nil
}

// EventFD exposes the CM channel's readiness descriptor so the outer
// driver can park the accept in its own poll loop. -1 when unavailable.
func (s *Session) EventFD() int {
	if s.channel == nil {
		return -1
	}
	return s.channel.FD()
}

// Accept waits for a connection, negotiates capabilities, builds the
// verbs resources, and sends the RAM block table. The session owns the
// accepted connection afterward.
func (s *Session) Accept(ctx context.Context) error {
	if err := s.accept(ctx); err != nil {
		_ = s.Close()
		return err
	}
	return nil
}

func (s *Session) accept(ctx context.Context) error {
	ev, err := s.channel.Get(ctx)
	if err != nil {
		return errOf(KindTransport, "waiting for connect request: %w", err)
	}
	if ev.Type != verbs.EventConnectRequest {
		s.channel.Ack(ev)
		return errOf(KindTransport, "expected CM event CONNECT_REQUEST, got %s", ev.Type)
	}

	var offered wire.Capabilities
	if err := wire.UnmarshalCapabilities(ev.Private, &offered); err != nil {
		s.channel.Ack(ev)
		return errOf(KindProtocol, "reading connect capabilities: %w", err)
	}
	if offered.Version < wire.VersionMin || offered.Version > wire.VersionMax {
		s.channel.Ack(ev)
		return errOf(KindProtocol, "unknown peer protocol version %d", offered.Version)
	}

	// Clamp the offer to what we support and are configured for.
	granted := offered.Flags & wire.SupportedCaps
	if !s.cfg.ChunkRegister {
		granted &^= wire.CapChunkRegister
	}
	s.chunkMode = granted&wire.CapChunkRegister != 0
	s.logf("chunk registration %s", enabled(s.chunkMode))

	s.id = ev.ID
	s.channel.Ack(ev)

	s.state = StatePdCqQp
	s.dev = s.id.Device()
	if s.dev == nil {
		return errOf(KindTransport, "no verbs context on incoming connection")
	}
	s.logf("accepting via device %s", s.dev.Name())

	if err := s.allocPDCQ(); err != nil {
		return err
	}

	s.dir = ram.NewDirectory(s.cfg.ChunkShift, s.cfg.Blocks)

	if err := s.regControlBuffers(); err != nil {
		return err
	}
	s.state = StateBlocksRegistered

	if err := s.allocQP(); err != nil {
		return err
	}

	reply := wire.Capabilities{Version: wire.VersionCurrent, Flags: granted}
	param := verbs.ConnParam{ResponderResources: constants.ResponderResources}
	if err := s.id.Accept(wire.MarshalCapabilities(&reply), param); err != nil {
		return errOf(KindTransport, "accepting: %w", err)
	}
	if _, err := s.waitEvent(ctx, verbs.EventEstablished); err != nil {
		return err
	}

	if err := s.postRecvControl(0); err != nil {
		return err
	}

	if !s.chunkMode {
		if err := s.regWholeBlocks(verbs.AccessLocalWrite | verbs.AccessRemoteWrite); err != nil {
			return err
		}
	}

	table := wire.MarshalBlockTable(s.dir.ToRemote(!s.chunkMode))
	head := wire.ControlHeader{
		Len:     uint32(len(table)),
		Type:    wire.ControlRAMBlocks,
		Version: wire.VersionCurrent,
		Repeat:  1,
	}
	if err := s.postSendControl(&head, table); err != nil {
		return err
	}

	s.state = StateConnected
	return nil
}

// RegistrationStart marks an iteration boundary in the byte-stream so the
// destination driver enters its registration loop.
func (s *Session) RegistrationStart() error {
	var marker [8]byte
	for i := 0; i < 8; i++ {
		marker[i] = byte(wire.HookMarker >> (56 - 8*i))
	}
	_, err := s.PutBuffer(marker[:])
	return err
}

// RegistrationStop drains outstanding writes and tells the destination the
// iteration's dynamic registrations are done.
func (s *Session) RegistrationStop() error {
	if err := s.Drain(); err != nil {
		return err
	}
	head := wire.ControlHeader{
		Type:    wire.ControlRegisterFinished,
		Version: wire.VersionCurrent,
		Repeat:  1,
	}
	s.debugf("sending registration finish")
	_, err := s.exchangeSend(&head, nil, nil)
	return err
}

// RegistrationHandle runs the destination's registration loop: answer
// REGISTER_REQUEST messages with rkeys until the source says the
// iteration is finished.
func (s *Session) RegistrationHandle() error {
	resp := wire.ControlHeader{
		Type:    wire.ControlRegisterResult,
		Version: wire.VersionCurrent,
	}
	var head wire.ControlHeader

	for {
		if err := s.exchangeRecv(&head, wire.ControlNone); err != nil {
			return err
		}

		switch head.Type {
		case wire.ControlRegisterFinished:
			s.debugf("current registrations complete")
			return nil

		case wire.ControlRegisterRequest:
			if head.Repeat > constants.MaxCommandsPerMessage {
				return errOf(KindProtocol, "%d registration requests exceeds limit", head.Repeat)
			}
			reqs, err := wire.UnmarshalRegisterRequests(s.payload(0), int(head.Repeat))
			if err != nil {
				return wrapKind(KindProtocol, err)
			}
			s.wrData[0].len = 0

			results := make([]wire.RegisterResult, len(reqs))
			for i := range reqs {
				req := &reqs[i]
				if int(req.BlockIndex) >= len(s.dir.Blocks) {
					return errOf(KindProtocol, "registration for unknown block %d", req.BlockIndex)
				}
				block := s.dir.Blocks[req.BlockIndex]
				if req.Offset < block.GuestOffset ||
					req.Offset+uint64(req.Len) > block.GuestOffset+block.Length {
					return errOf(KindProtocol, "registration outside block %d", req.BlockIndex)
				}
				hostAddr := block.LocalAddr + uintptr(req.Offset-block.GuestOffset)
				_, rkey, err := s.registerAndGetKeys(block, hostAddr, false, true)
				if err != nil {
					return err
				}
				s.debugf("registered rkey %#x for block %d offset %#x",
					rkey, req.BlockIndex, req.Offset)
				results[i].RKey = rkey
			}

			payload := wire.MarshalRegisterResults(results)
			resp.Len = uint32(len(payload))
			resp.Repeat = head.Repeat
			// The reply takes the place of the next READY; the source's
			// look-ahead RECV is already posted for it.
			if err := s.postSendControl(&resp, payload); err != nil {
				return err
			}

		case wire.ControlRegisterResult:
			return errOf(KindProtocol, "REGISTER_RESULT arrived at the destination")

		default:
			return errOf(KindProtocol, "unexpected %s in registration loop",
				wire.ControlDesc(head.Type))
		}
	}
}

func enabled(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
