package netplay

import (
	"encoding/json"
	"sync"

	"cartserver/models"

	"go.uber.org/zap"
)

const (
	// Local input is transmitted this many frames ahead of the simulation
	// point, masking network latency without rollback.
	inputDelay = 3

	// Catch-up cap per rendering tick, so a burst of late input cannot
	// snowball into runaway stepping.
	maxStepsPerTick = 2

	// Buffered frames are pruned every pruneInterval frames, keeping the
	// most recent pruneKeep.
	pruneInterval = 120
	pruneKeep     = 180
)

// Controller ports. The host always drives port 1, the guest port 2, for the
// life of the session.
const (
	HostPort  = 1
	GuestPort = 2
)

// Machine is the emulator surface the engine drives. Step advances exactly
// one frame; SetButton delivers one edge-triggered press or release.
type Machine interface {
	Step()
	SetButton(port int, button int, pressed bool)
}

// InputSender carries local input frames to the peer. *Client implements it.
type InputSender interface {
	SendInput(roomID string, frame uint32, mask uint16) error
}

// Session is the lockstep engine for one netplay session. Frame f is never
// simulated until both the local and the remote bitmask for f are buffered;
// missing input appears as stutter, never as desynchronization. There is no
// timeout on the remote frame; the engine stalls until it arrives.
type Session struct {
	mu      sync.Mutex
	machine Machine
	sender  InputSender
	logger  *zap.Logger

	roomID     string
	localPort  int
	remotePort int

	frame     uint32 // next frame to simulate
	sendFrame uint32 // next local frame to transmit
	lastMask  uint16

	local  map[uint32]uint16
	remote map[uint32]uint16

	// previously applied masks, diffed bit-by-bit so press/release edges
	// survive batched updates
	appliedLocal  uint16
	appliedRemote uint16

	lastPrune uint32
	closed    bool
}

// NewSession builds the engine for a room. The host side passes host=true and
// owns controller port 1; the guest owns port 2.
func NewSession(machine Machine, sender InputSender, roomID string, host bool, logger *zap.Logger) *Session {
	s := &Session{
		machine:    machine,
		sender:     sender,
		logger:     logger,
		roomID:     roomID,
		localPort:  HostPort,
		remotePort: GuestPort,
		local:      make(map[uint32]uint16),
		remote:     make(map[uint32]uint16),
	}
	if !host {
		s.localPort = GuestPort
		s.remotePort = HostPort
	}
	return s
}

// Tick runs once per animation tick (~60Hz) with the current local pad
// bitmask. It transmits local input ahead of the simulation point, then
// advances as many frames as both peers' input allows, capped at
// maxStepsPerTick.
func (s *Session) Tick(mask uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.lastMask = mask

	for s.sendFrame < s.frame+inputDelay {
		s.local[s.sendFrame] = mask
		if err := s.sender.SendInput(s.roomID, s.sendFrame, mask); err != nil {
			s.logger.Error("Failed to send input frame",
				zap.Uint32("frame", s.sendFrame),
				zap.Error(err),
			)
		}
		s.sendFrame++
	}

	for steps := 0; steps < maxStepsPerTick; steps++ {
		localMask, haveLocal := s.local[s.frame]
		remoteMask, haveRemote := s.remote[s.frame]
		if !haveLocal || !haveRemote {
			break
		}
		s.applyMask(s.localPort, &s.appliedLocal, localMask)
		s.applyMask(s.remotePort, &s.appliedRemote, remoteMask)
		s.machine.Step()
		s.frame++
	}

	if s.frame-s.lastPrune >= pruneInterval {
		s.prune()
		s.lastPrune = s.frame
	}
}

// HandleRemoteInput buffers the peer's bitmask for a frame.
func (s *Session) HandleRemoteInput(frame uint32, mask uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.remote[frame] = mask
}

// Frame is the next frame the engine will simulate.
func (s *Session) Frame() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// Close flushes a final input update so the peer is not left waiting on a
// frame that will never arrive, then stops accepting input. Safe to call
// more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if err := s.sender.SendInput(s.roomID, s.sendFrame, s.lastMask); err != nil {
		s.logger.Error("Failed to flush final input frame", zap.Error(err))
	}
}

// applyMask diffs the new bitmask against the previously applied one and
// forwards each changed bit as a press or release.
func (s *Session) applyMask(port int, applied *uint16, mask uint16) {
	changed := mask ^ *applied
	if changed == 0 {
		return
	}
	for bit := 0; bit < 16; bit++ {
		if changed&(1<<bit) != 0 {
			s.machine.SetButton(port, bit, mask&(1<<bit) != 0)
		}
	}
	*applied = mask
}

func (s *Session) prune() {
	if s.frame <= pruneKeep {
		return
	}
	cutoff := s.frame - pruneKeep
	for f := range s.local {
		if f < cutoff {
			delete(s.local, f)
		}
	}
	for f := range s.remote {
		if f < cutoff {
			delete(s.remote, f)
		}
	}
}

// Attach wires the session to a client connection: remote netplay:input
// events feed the engine until the returned detach function runs. Detaching
// also closes the session, flushing the final input update.
func (s *Session) Attach(c *Client) (detach func()) {
	events, cancel := c.Subscribe(models.EvNetplayInput, 64)
	go func() {
		for ev := range events {
			var p struct {
				RoomID string `json:"roomId"`
				Frame  uint32 `json:"frame"`
				Mask   uint16 `json:"mask"`
			}
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				continue
			}
			if p.RoomID != s.roomID {
				continue
			}
			s.HandleRemoteInput(p.Frame, p.Mask)
		}
	}()
	return func() {
		cancel()
		s.Close()
	}
}
