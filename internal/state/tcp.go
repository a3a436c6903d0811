// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package state

import (
	"encoding/binary"
	"sync"
	"time"

	npfwerrors "grimm.is/npfw/internal/errors"
	"grimm.is/npfw/internal/npc"
)

// TCPPhase is one of the states the TCP FSM tracks, covering the
// handshake, FIN handshake, RST, and time-wait transitions of §4.5.
type TCPPhase int

const (
	TCPClosed TCPPhase = iota
	TCPSynSent
	TCPSynReceived
	TCPEstablished
	TCPFinWait
	TCPClosing
	TCPTimeWait
)

func (p TCPPhase) String() string {
	switch p {
	case TCPClosed:
		return "closed"
	case TCPSynSent:
		return "syn-sent"
	case TCPSynReceived:
		return "syn-received"
	case TCPEstablished:
		return "established"
	case TCPFinWait:
		return "fin-wait"
	case TCPClosing:
		return "closing"
	case TCPTimeWait:
		return "time-wait"
	default:
		return "unknown"
	}
}

// Segment is the subset of a TCP header the FSM needs. WScale is 0
// unless the caller parsed a window-scale option out of band; the
// cache's fixed 20-byte TCP view carries no options.
type Segment struct {
	Dir        Direction
	Syn, Ack   bool
	Fin, Rst   bool
	Seq, AckNo uint32
	Win        uint16
	WScale     uint8
	PayloadLen uint32
}

const (
	tcpFlagFin = 1 << 0
	tcpFlagSyn = 1 << 1
	tcpFlagRst = 1 << 2
	tcpFlagAck = 1 << 4
)

// ParseSegment extracts a Segment from the cache's TCP header for a
// packet traveling in dir. payloadLen is the number of L4 payload bytes
// beyond the header (SYN and FIN each also consume one sequence number,
// per the standard TCP sliding-window accounting).
func ParseSegment(c *npc.Cache, dir Direction, payloadLen uint32) (Segment, error) {
	hdr := c.L4Header()
	if c.Info&npc.InfoTCP == 0 || len(hdr) < 20 {
		return Segment{}, npfwerrors.New(npfwerrors.KindValidation, "state: not a TCP segment")
	}
	flags := hdr[13]
	dataOff := int(hdr[12]>>4) * 4
	if dataOff < 20 {
		dataOff = 20
	}
	return Segment{
		Dir:        dir,
		Syn:        flags&tcpFlagSyn != 0,
		Ack:        flags&tcpFlagAck != 0,
		Fin:        flags&tcpFlagFin != 0,
		Rst:        flags&tcpFlagRst != 0,
		Seq:        binary.BigEndian.Uint32(hdr[4:8]),
		AckNo:      binary.BigEndian.Uint32(hdr[8:12]),
		Win:        binary.BigEndian.Uint16(hdr[14:16]),
		PayloadLen: payloadLen,
	}, nil
}

// tcpDir is the per-direction sliding-window state of §4.5: "{end,
// maxend, maxwin, wscale}".
type tcpDir struct {
	end, maxend uint32
	maxwin      uint32
	wscale      uint8
	seen        bool
}

// TCPFlow tracks a single TCP connection's FSM and per-direction
// window state.
type TCPFlow struct {
	mu    sync.Mutex
	phase TCPPhase
	dir   [2]tcpDir
}

// NewTCPFlow returns a flow tracker in the CLOSED state.
func NewTCPFlow() *TCPFlow { return &TCPFlow{phase: TCPClosed} }

// seqGT reports whether a is later than b in TCP's 32-bit serial
// number space (RFC 1982-style comparison).
func seqGT(a, b uint32) bool { return int32(a-b) > 0 }

// Inspect validates seg against the flow's recorded window and, if
// acceptable, updates the window and advances the FSM. It returns
// false, without error, for a segment outside the flow's window
// (`state_inspect` of §4.5: "returns true iff the segment is within
// the window for the flow's direction and advances the FSM").
func (f *TCPFlow) Inspect(seg Segment) (bool, error) {
	if seg.Dir != Forward && seg.Dir != Backward {
		return false, npfwerrors.New(npfwerrors.KindValidation, "state: unknown segment direction")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	self := &f.dir[seg.Dir]
	other := &f.dir[1-seg.Dir]

	end := seg.Seq + seg.PayloadLen
	if seg.Syn || seg.Fin {
		end++
	}

	if self.seen && other.seen {
		if seqGT(seg.Seq, self.maxend+other.maxwin+1) {
			return false, nil
		}
		if seg.Ack && seqGT(seg.AckNo, other.end+1) {
			return false, nil
		}
	}

	if !self.seen || seqGT(end, self.maxend) {
		self.maxend = end
	}
	win := uint32(seg.Win) << seg.WScale
	if win > self.maxwin {
		self.maxwin = win
	}
	self.wscale = seg.WScale
	self.end = end
	self.seen = true

	f.advance(seg)
	return true, nil
}

func (f *TCPFlow) advance(seg Segment) {
	if seg.Rst {
		f.phase = TCPClosed
		return
	}
	switch f.phase {
	case TCPClosed:
		if seg.Syn && !seg.Ack {
			f.phase = TCPSynSent
		}
	case TCPSynSent:
		if seg.Syn && seg.Ack {
			f.phase = TCPSynReceived
		} else if seg.Syn {
			// simultaneous open: both sides sent a bare SYN
			f.phase = TCPSynReceived
		}
	case TCPSynReceived:
		if seg.Ack && !seg.Syn {
			f.phase = TCPEstablished
		}
	case TCPEstablished:
		if seg.Fin {
			f.phase = TCPFinWait
		}
	case TCPFinWait:
		if seg.Fin {
			f.phase = TCPClosing
		}
	case TCPClosing:
		if seg.Ack {
			f.phase = TCPTimeWait
		}
	case TCPTimeWait:
		// terminal until the connection is reaped by GC
	}
}

// Phase reports the flow's current state.
func (f *TCPFlow) Phase() TCPPhase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

// TCPTimeouts names the per-state timeouts §4.5 calls for ("timeouts
// are configured per TCP state").
type TCPTimeouts struct {
	SynSent     time.Duration
	SynReceived time.Duration
	Established time.Duration
	FinWait     time.Duration
	Closing     time.Duration
	TimeWait    time.Duration
}

// DefaultTCPTimeouts mirrors the conservative handshake/teardown
// timeouts common to stateful packet filters: short for the half-open
// handshake states, long for an established session, short again once
// teardown begins.
func DefaultTCPTimeouts() TCPTimeouts {
	return TCPTimeouts{
		SynSent:     30 * time.Second,
		SynReceived: 30 * time.Second,
		Established: 24 * time.Hour,
		FinWait:     4 * time.Minute,
		Closing:     4 * time.Minute,
		TimeWait:    2 * time.Minute,
	}
}

// Timeout returns the configured timeout for phase p. TCPClosed has no
// timeout of its own; a closed flow is removed immediately.
func (t TCPTimeouts) Timeout(p TCPPhase) time.Duration {
	switch p {
	case TCPSynSent:
		return t.SynSent
	case TCPSynReceived:
		return t.SynReceived
	case TCPEstablished:
		return t.Established
	case TCPFinWait:
		return t.FinWait
	case TCPClosing:
		return t.Closing
	case TCPTimeWait:
		return t.TimeWait
	default:
		return 0
	}
}
