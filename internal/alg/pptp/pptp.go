// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pptp implements the PPTP ALG of §4.8: translating
// OUTGOING-CALL-REQUEST/REPLY and CALL-DISCONNECT/WAN-ERROR control
// messages on the TCP control channel (port 1723), and tracking the
// "enhanced GRE" data channel's call-id-keyed child connections.
package pptp

import (
	"encoding/binary"
	"sync"
	"time"

	"grimm.is/npfw/internal/conn"
	npfwerrors "grimm.is/npfw/internal/errors"
	"grimm.is/npfw/internal/npc"
	"grimm.is/npfw/internal/portmap"
)

const controlPort = 1723
const protoGRE = 47

// PPTP control message types (RFC 2637 §3).
const (
	msgOutgoingCallRequest = 7
	msgOutgoingCallReply   = 8
	msgCallClearRequest    = 12
	msgCallDisconnectNotfy = 13
	msgWANErrorNotify      = 14
)

// SlotState is one of the states in §4.8's slot state machine.
type SlotState uint32

const (
	SlotFree SlotState = iota
	SlotUsed
	SlotUsedServerID
	SlotEstablished
)

// Slot is one of a TCPContext's four GRE slots.
type Slot struct {
	State            SlotState
	ClientCallID     uint16 // as seen in the client's own OUTGOING-CALL-REQUEST
	TranslatedCallID uint16 // allocated from the call-id portmap, visible to the server
	ServerCallID     uint16 // the server's own call id, from OUTGOING-CALL-REPLY
	WANErrors        int
	gre              *conn.Connection
}

// TCPContext is the per-PPTP-control-connection state §4.8 step 1
// describes: up to 4 GRE slots, guarded by a single lock that also
// covers child GRE connection creation (the "contention rule").
type TCPContext struct {
	mu         sync.Mutex
	slots      [4]Slot
	callIDs    *portmap.Map // keyed by the server's address
	serverAddr npc.Addr
	addrLen    int
	policyID   uint32
}

// ALG is the PPTP Application-Layer Gateway.
type ALG struct {
	db                *conn.DB
	wanErrorThreshold int
	greTTL            time.Duration

	mu    sync.Mutex
	calls map[uint16]*TCPContext // translated client call-id -> owning context, for the reverse-direction custom lookup
}

// New returns a PPTP ALG that creates and destroys child GRE
// connections in db. wanErrorThreshold is the number of WAN-ERROR-
// NOTIFY messages a slot tolerates before it is torn down
// (npfsys.New passes 1 when none is configured: the first occurrence
// does not free the slot).
func New(db *conn.DB, wanErrorThreshold int, greTTL time.Duration) *ALG {
	return &ALG{
		db:                db,
		wanErrorThreshold: wanErrorThreshold,
		greTTL:            greTTL,
		calls:             make(map[uint16]*TCPContext),
	}
}

func (a *ALG) Name() string { return "pptp" }

// Match claims an outbound TCP flow to port 1723 (§4.8 step 1) and
// attaches a fresh TCPContext to the connection's NAT binding.
func (a *ALG) Match(cache *npc.Cache, payload []byte, c *conn.Connection, dir conn.Direction) bool {
	if cache.Info&npc.InfoTCP == 0 || dir != conn.Forward || cache.DstID != controlPort {
		return false
	}
	binding := c.NAT.Load()
	if binding == nil {
		return false
	}
	ctx := &TCPContext{
		callIDs:    portmap.New(1, 65535),
		serverAddr: cache.Dst,
		addrLen:    cache.AddrLen,
		policyID:   binding.PolicyID,
	}
	binding.ALGState = ctx
	c.NAT.Store(binding)
	return true
}

func ctxOf(c *conn.Connection) *TCPContext {
	binding := c.NAT.Load()
	if binding == nil {
		return nil
	}
	ctx, _ := binding.ALGState.(*TCPContext)
	return ctx
}

// Translate dispatches a PPTP control message to its handler (§4.8
// steps 2-4), or the enhanced-GRE data channel to TranslateGRE (§4.8
// step 6). payload is the TCP segment's payload (the PPTP control
// header begins at payload[0]); for a GRE packet it is whatever
// follows the GRE header, which TranslateGRE itself ignores.
func (a *ALG) Translate(cache *npc.Cache, payload []byte, c *conn.Connection, dir conn.Direction) error {
	if cache.Info&npc.InfoPPTPGRE != 0 {
		return a.TranslateGRE(cache, c, dir)
	}
	if len(payload) < 16 {
		return nil
	}
	ctx := ctxOf(c)
	if ctx == nil {
		return nil
	}
	msgType := binary.BigEndian.Uint16(payload[8:10])

	switch msgType {
	case msgOutgoingCallRequest:
		return a.translateCallRequest(cache, payload, ctx)
	case msgOutgoingCallReply:
		return a.translateCallReply(cache, payload, ctx)
	case msgCallDisconnectNotfy, msgCallClearRequest:
		return a.translateDisconnect(payload, ctx)
	case msgWANErrorNotify:
		return a.translateWANError(payload, ctx)
	default:
		return nil
	}
}

// translateCallRequest implements §4.8 step 2.
func (a *ALG) translateCallRequest(cache *npc.Cache, payload []byte, ctx *TCPContext) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	idx := -1
	for i := range ctx.slots {
		if ctx.slots[i].State == SlotFree {
			idx = i
			break
		}
	}
	if idx < 0 {
		return npfwerrors.New(npfwerrors.KindUnavailable, "pptp: no free GRE slot")
	}

	translated, ok := ctx.callIDs.Allocate(ctx.serverAddr, ctx.addrLen)
	if !ok {
		return npfwerrors.New(npfwerrors.KindUnavailable, "pptp: call-id portmap exhausted")
	}

	origCallID := binary.BigEndian.Uint16(payload[12:14])
	ctx.slots[idx] = Slot{State: SlotUsed, ClientCallID: origCallID, TranslatedCallID: uint16(translated)}

	a.mu.Lock()
	a.calls[uint16(translated)] = ctx
	a.mu.Unlock()

	rewriteCallID(cache, payload, 12, uint16(translated))
	return nil
}

// translateCallReply implements §4.8 step 3.
func (a *ALG) translateCallReply(cache *npc.Cache, payload []byte, ctx *TCPContext) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	peerCallID := binary.BigEndian.Uint16(payload[14:16]) // echoes our translated client call-id
	idx := ctx.slotByTranslated(peerCallID)
	if idx < 0 {
		return nil
	}

	serverCallID := binary.BigEndian.Uint16(payload[12:14])
	ctx.slots[idx].ServerCallID = serverCallID
	ctx.slots[idx].State = SlotUsedServerID

	if ctx.slots[idx].ClientCallID != 0 && ctx.slots[idx].ServerCallID != 0 {
		childKey := npc.Key{
			Proto:   protoGRE,
			AddrLen: cache.AddrLen,
			Src:     cache.Src,
			Dst:     cache.Dst,
			SrcID:   serverCallID,
			DstID:   0,
		}
		gre := conn.New(childKey, a.greTTL, time.Now())
		gre.SetALGSlot()
		gre.ALG = a
		gre.NAT.Store(&conn.NATBinding{PolicyID: ctx.policyID})
		if err := a.db.Insert(gre); err == nil {
			ctx.slots[idx].gre = gre
			ctx.slots[idx].State = SlotEstablished
		}
	}

	rewriteCallID(cache, payload, 14, ctx.slots[idx].ClientCallID)
	return nil
}

// translateDisconnect implements §4.8 step 4 for CALL-DISCONNECT and
// CALL-CLEAR-REQUEST: unconditional teardown.
func (a *ALG) translateDisconnect(payload []byte, ctx *TCPContext) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	callID := binary.BigEndian.Uint16(payload[12:14])
	idx := ctx.slotByAnyID(callID)
	if idx < 0 {
		return nil
	}
	a.teardownSlot(ctx, idx)
	return nil
}

// translateWANError implements §4.8 step 4's WAN-ERROR-NOTIFY
// exception: the first occurrence for a slot does not free it,
// matching the original's error-count threshold.
func (a *ALG) translateWANError(payload []byte, ctx *TCPContext) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	peerCallID := binary.BigEndian.Uint16(payload[12:14])
	idx := ctx.slotByAnyID(peerCallID)
	if idx < 0 {
		return nil
	}
	ctx.slots[idx].WANErrors++
	if ctx.slots[idx].WANErrors > a.wanErrorThreshold {
		a.teardownSlot(ctx, idx)
	}
	return nil
}

// teardownSlot must be called with ctx.mu held.
func (a *ALG) teardownSlot(ctx *TCPContext, idx int) {
	slot := &ctx.slots[idx]
	if slot.gre != nil {
		slot.gre.MarkExpired()
		a.db.Remove(slot.gre)
	}
	ctx.callIDs.Release(ctx.serverAddr, ctx.addrLen, int(slot.TranslatedCallID))

	a.mu.Lock()
	delete(a.calls, slot.TranslatedCallID)
	a.mu.Unlock()

	*slot = Slot{}
}

// Inspect resolves an enhanced-GRE data packet whose call-id is the
// translated client call-id, i.e. a server -> client packet (the
// pipeline treats such a hit as the backward leg) — §4.8 step 5.
// Client -> server packets carry the server's call-id instead, the id
// held in the child connection's own key.
func (a *ALG) Inspect(cache *npc.Cache) (*conn.Connection, bool) {
	if cache.Info&npc.InfoPPTPGRE == 0 {
		return nil, false
	}
	a.mu.Lock()
	ctx, ok := a.calls[cache.SrcID]
	a.mu.Unlock()
	if !ok {
		return nil, false
	}

	ctx.mu.Lock()
	idx := ctx.slotByTranslated(cache.SrcID)
	var gre *conn.Connection
	if idx >= 0 {
		gre = ctx.slots[idx].gre
	}
	ctx.mu.Unlock()

	if gre == nil {
		return nil, false
	}
	gre.Hold()
	return gre, true
}

// greCallIDOff is the call-id field's offset within the 8-byte
// enhanced-GRE header populateGRE parses (flags/ver, protocol type,
// payload length, call id).
const greCallIDOff = 6

// TranslateGRE rewrites the call-id in an enhanced-GRE data packet
// from translated back to original for the reverse flow — §4.8 step
// 6. Forward-direction packets (client -> server) already carry the
// server's own call id unmodified, matched straight off the child
// connection's key, so only the reverse leg — found through Inspect's
// translated-call-id lookup — needs rewriting here.
func (a *ALG) TranslateGRE(cache *npc.Cache, c *conn.Connection, dir conn.Direction) error {
	if cache.Info&npc.InfoPPTPGRE == 0 || dir != conn.Backward {
		return nil
	}
	ctx := ctxOf(c)
	if ctx == nil {
		return nil
	}

	ctx.mu.Lock()
	idx := ctx.slotByTranslated(cache.SrcID)
	var original uint16
	if idx >= 0 {
		original = ctx.slots[idx].ClientCallID
	}
	ctx.mu.Unlock()
	if idx < 0 {
		return nil
	}

	hdr := cache.L4Header()
	if len(hdr) < 8 {
		return nil
	}
	translated := binary.BigEndian.Uint16(hdr[greCallIDOff : greCallIDOff+2])
	if translated == original {
		return nil
	}
	binary.BigEndian.PutUint16(hdr[greCallIDOff:greCallIDOff+2], original)

	// PPTP's enhanced GRE (RFC 2637 §4.1) never sets the checksum-
	// present bit, so there is ordinarily no checksum covering the
	// call-id to fix up. Guard it anyway: a peer that does set it gets
	// the same RFC 1624 incremental delta rewriteCallID applies to the
	// TCP control channel, rather than a stale checksum.
	flagsVer := binary.BigEndian.Uint16(hdr[0:2])
	if flagsVer&0x8000 != 0 && len(hdr) >= 12 {
		const checksumOff = 4
		checksum := binary.BigEndian.Uint16(hdr[checksumOff : checksumOff+2])
		sum := uint32(^checksum) & 0xffff
		sum += uint32(^translated) & 0xffff
		sum += uint32(original)
		for sum>>16 != 0 {
			sum = (sum & 0xffff) + (sum >> 16)
		}
		binary.BigEndian.PutUint16(hdr[checksumOff:checksumOff+2], ^uint16(sum))
	}
	return nil
}

// Destroy tears down every still-used slot (§4.8 step 7: "On TCP
// connection destruction, expire every still-used slot").
func (a *ALG) Destroy(c *conn.Connection) {
	ctx := ctxOf(c)
	if ctx == nil {
		return
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	for i := range ctx.slots {
		if ctx.slots[i].State != SlotFree {
			a.teardownSlot(ctx, i)
		}
	}
}

func (ctx *TCPContext) slotByTranslated(id uint16) int {
	for i := range ctx.slots {
		if ctx.slots[i].State != SlotFree && ctx.slots[i].TranslatedCallID == id {
			return i
		}
	}
	return -1
}

func (ctx *TCPContext) slotByAnyID(id uint16) int {
	for i := range ctx.slots {
		s := &ctx.slots[i]
		if s.State != SlotFree && (s.TranslatedCallID == id || s.ServerCallID == id || s.ClientCallID == id) {
			return i
		}
	}
	return -1
}

// rewriteCallID overwrites the 16-bit call-id field at off in the PPTP
// control payload and fixes up the TCP checksum by the RFC 1624 delta.
func rewriteCallID(cache *npc.Cache, payload []byte, off int, newID uint16) {
	oldID := binary.BigEndian.Uint16(payload[off : off+2])
	if oldID == newID {
		return
	}
	binary.BigEndian.PutUint16(payload[off:off+2], newID)

	hdr := cache.L4Header()
	if len(hdr) < 20 {
		return
	}
	const tcpChecksumOff = 16
	checksum := binary.BigEndian.Uint16(hdr[tcpChecksumOff : tcpChecksumOff+2])
	sum := uint32(^checksum) & 0xffff
	sum += uint32(^oldID) & 0xffff
	sum += uint32(newID)
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	binary.BigEndian.PutUint16(hdr[tcpChecksumOff:tcpChecksumOff+2], ^uint16(sum))
}
