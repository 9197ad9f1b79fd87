// CXL coherence core
// https://github.com/opencxl/cxlcoh
//
// Copyright (c) The cxlcoh Authors. All Rights Reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hcoh

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opencxl/cxlcoh/cache"
	"github.com/opencxl/cxlcoh/proto"
)

// scriptedCachePeer answers H2D snoops from a test-provided function and
// records every request it saw.
type scriptedCachePeer struct {
	reqs    []proto.CacheReqH2D
	respond func(req proto.CacheReqH2D, buf []byte) (proto.D2HRsp, error)
}

func (p *scriptedCachePeer) Access(req proto.CacheReqH2D, buf []byte) (proto.D2HRsp, error) {
	p.reqs = append(p.reqs, req)
	return p.respond(req, buf)
}

func (p *scriptedCachePeer) Response(proto.CacheReqD2H, []byte) (proto.H2DRsp, error) {
	panic("unexpected Response on host-side peer")
}

// fakeDeviceMem is a block-granular backing store keyed by block address.
type fakeDeviceMem struct {
	blocks    map[uint64][]byte
	failReads bool
}

func newFakeDeviceMem() *fakeDeviceMem {
	return &fakeDeviceMem{blocks: make(map[uint64][]byte)}
}

func (m *fakeDeviceMem) setBlock(addr uint64, fill byte) {
	b := make([]byte, proto.BlockSize)
	for i := range b {
		b[i] = fill
	}
	m.blocks[addr] = b
}

func (m *fakeDeviceMem) Read(addr uint64, buf []byte) error {
	if m.failReads {
		return fmt.Errorf("fake mem read %#x: %w", addr, proto.ErrTransport)
	}
	copy(buf, m.blocks[addr])
	return nil
}

func (m *fakeDeviceMem) Write(addr uint64, buf []byte) error {
	b := make([]byte, proto.BlockSize)
	copy(b, buf)
	m.blocks[addr] = b
	return nil
}

func alwaysRsp(rsp proto.D2HRsp) func(proto.CacheReqH2D, []byte) (proto.D2HRsp, error) {
	return func(proto.CacheReqH2D, []byte) (proto.D2HRsp, error) { return rsp, nil }
}

func newTestType1(respond func(proto.CacheReqH2D, []byte) (proto.D2HRsp, error)) (*Type1, *scriptedCachePeer, *fakeDeviceMem) {
	peer := &scriptedCachePeer{respond: respond}
	mem := newFakeDeviceMem()
	h := NewType1(DefaultType1Config(), peer, mem)
	return h, peer, mem
}

func TestType1ReadMissExclusiveFill(t *testing.T) {
	h, peer, mem := newTestType1(alwaysRsp(proto.D2HRspIHitI))
	const addr = 0x4_9000_0000
	mem.setBlock(addr, 0x5A)

	got, err := h.Read(addr, 8)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, b := range got {
		if b != 0x5A {
			t.Fatalf("read returned %x, want all 0x5A", got)
		}
	}
	if state, ok := h.LineState(addr); !ok || state != cache.Exclusive {
		t.Fatalf("line state = %v/%v, want Exclusive", state, ok)
	}
	if len(peer.reqs) != 1 || peer.reqs[0].Opcode != proto.H2DReqSnpData {
		t.Fatalf("expected one SnpData, got %+v", peer.reqs)
	}
}

func TestType1ReadMissSharedFill(t *testing.T) {
	h, _, mem := newTestType1(alwaysRsp(proto.D2HRspSHitSE))
	const addr = 0x4_9000_0040
	mem.setBlock(addr, 0x77)

	if _, err := h.Read(addr, 4); err != nil {
		t.Fatalf("read: %v", err)
	}
	if state, _ := h.LineState(addr); state != cache.Shared {
		t.Fatalf("line state = %v, want Shared", state)
	}
}

func TestType1ForwardModifiedFillSkipsBackingRead(t *testing.T) {
	h, _, mem := newTestType1(func(_ proto.CacheReqH2D, buf []byte) (proto.D2HRsp, error) {
		for i := range buf {
			buf[i] = 0xC3
		}
		return proto.D2HRspIFwdM, nil
	})
	mem.failReads = true // a backing read here would be a protocol mistake

	got, err := h.Read(0x4_9000_0080, 8)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, b := range got {
		if b != 0xC3 {
			t.Fatalf("read returned %x, want forwarded 0xC3", got)
		}
	}
	if state, _ := h.LineState(0x4_9000_0080); state != cache.Exclusive {
		t.Fatalf("line state = %v, want Exclusive", state)
	}
}

func TestType1WriteMissThenReadBack(t *testing.T) {
	h, peer, _ := newTestType1(alwaysRsp(proto.D2HRspIHitI))
	const addr = 0x4_9000_1000
	payload := []byte{1, 2, 3, 4}

	if err := h.Write(addr, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if peer.reqs[0].Opcode != proto.H2DReqSnpInv {
		t.Fatalf("write fill issued %s, want SnpInv", peer.reqs[0].Opcode)
	}
	if state, _ := h.LineState(addr); state != cache.Modified {
		t.Fatalf("line state = %v, want Modified", state)
	}

	got, err := h.Read(addr, 4)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("read back %x, want %x", got, payload)
	}
}

func TestType1WriteHitSharedSnoopsFirst(t *testing.T) {
	h, peer, _ := newTestType1(alwaysRsp(proto.D2HRspSHitSE))
	const addr = 0x4_9000_0200

	if _, err := h.Read(addr, 8); err != nil {
		t.Fatalf("priming read: %v", err)
	}
	if state, _ := h.LineState(addr); state != cache.Shared {
		t.Fatalf("priming state = %v, want Shared", state)
	}

	peer.respond = alwaysRsp(proto.D2HRspIHitSE)
	if err := h.Write(addr, []byte{0xEE}); err != nil {
		t.Fatalf("write: %v", err)
	}

	last := peer.reqs[len(peer.reqs)-1]
	if last.Opcode != proto.H2DReqSnpInv {
		t.Fatalf("write-hit-Shared issued %s, want SnpInv", last.Opcode)
	}
	if state, _ := h.LineState(addr); state != cache.Modified {
		t.Fatalf("line state = %v, want Modified", state)
	}
}

// Victim write-back on a miss into a full set.
func TestType1VictimWriteback(t *testing.T) {
	h, _, mem := newTestType1(alwaysRsp(proto.D2HRspIHitI))

	// Four writes fill set 0; the fifth address evicts the first.
	const setStride = 8 * proto.BlockSize
	base := uint64(0x4_9000_0000)
	for i := uint64(0); i < 4; i++ {
		if err := h.Write(base+i*setStride, []byte{byte(i + 1)}); err != nil {
			t.Fatalf("fill write %d: %v", i, err)
		}
	}

	victim := base
	if _, err := h.Read(base+4*setStride, 8); err != nil {
		t.Fatalf("evicting read: %v", err)
	}
	if _, ok := h.LineState(victim); ok {
		t.Fatalf("victim still cached after eviction")
	}
	if blk := mem.blocks[victim]; len(blk) == 0 || blk[0] != 1 {
		t.Fatalf("victim data not written back, backend block = %x", blk)
	}

	// Re-reading the victim pulls the written-back data from the backend.
	got, err := h.Read(victim, 1)
	if err != nil {
		t.Fatalf("re-read: %v", err)
	}
	if got[0] != 1 {
		t.Fatalf("re-read returned %#x, want 0x1", got[0])
	}
}

// An 8-byte read at block offset 0x3C takes 4 bytes from each of two
// blocks.
func TestType1SplitBlockRead(t *testing.T) {
	h, peer, mem := newTestType1(alwaysRsp(proto.D2HRspIHitI))
	mem.setBlock(0x4_9000_0000, 0xAA)
	mem.setBlock(0x4_9000_0040, 0xBB)

	got, err := h.Read(0x4_9000_003C, 8)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []byte{0xAA, 0xAA, 0xAA, 0xAA, 0xBB, 0xBB, 0xBB, 0xBB}
	if string(got) != string(want) {
		t.Fatalf("split read = %x, want %x", got, want)
	}
	if len(peer.reqs) != 2 {
		t.Fatalf("expected two fills, got %d", len(peer.reqs))
	}
}

func TestType1SplitBlockWrite(t *testing.T) {
	h, _, _ := newTestType1(alwaysRsp(proto.D2HRspIHitI))
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	if err := h.Write(0x4_9000_003C, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := h.Read(0x4_9000_003C, 8)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("read back %x, want %x", got, payload)
	}
}

func TestType1FillErrorLeavesCacheUnchanged(t *testing.T) {
	h, _, _ := newTestType1(func(proto.CacheReqH2D, []byte) (proto.D2HRsp, error) {
		return proto.D2HRspError, errors.New("link down")
	})

	if _, err := h.Read(0x4_9000_0000, 8); err == nil {
		t.Fatalf("expected fill error")
	}
	if _, ok := h.LineState(0x4_9000_0000); ok {
		t.Fatalf("line installed despite failed fill")
	}
}

// installLine places addr's block in the host cache with the given state
// and fill byte, bypassing the protocol path.
func installLine(t *testing.T, h *Type1, addr uint64, state cache.State, fill byte) {
	t.Helper()
	tag := h.cache.ExtractTag(addr)
	set := h.cache.ExtractSet(addr)
	blk, ok := h.cache.FindInvalid(set)
	if !ok {
		t.Fatalf("no invalid way in set %d", set)
	}
	h.cache.SetState(tag, set, blk, cache.Exclusive)
	data := make([]byte, proto.BlockSize)
	for i := range data {
		data[i] = fill
	}
	h.cache.Write(addr&^(proto.BlockSize-1), set, blk, data)
	h.cache.SetState(tag, set, blk, state)
}

// The device-initiated request decision table.
func TestType1ResponseTable(t *testing.T) {
	const addr = 0x4_9000_0300

	cases := []struct {
		name      string
		pre       cache.State // Invalid means absent
		opcode    proto.D2HReq
		wantOp    proto.H2DRspOpcode
		wantData  proto.H2DRspData
		wantState cache.State // expected host state afterwards; Invalid means absent
	}{
		{"RdCurr absent", cache.Invalid, proto.D2HReqRdCurr, proto.H2DRspOpGO, proto.H2DRspDataInvalid, cache.Invalid},
		{"RdCurr hit M", cache.Modified, proto.D2HReqRdCurr, proto.H2DRspOpGO, proto.H2DRspDataInvalid, cache.Modified},
		{"RdOwn hit M", cache.Modified, proto.D2HReqRdOwn, proto.H2DRspOpGO, proto.H2DRspDataModified, cache.Modified},
		{"RdOwn hit E", cache.Exclusive, proto.D2HReqRdOwn, proto.H2DRspOpGO, proto.H2DRspDataExclusive, cache.Exclusive},
		{"RdOwn absent", cache.Invalid, proto.D2HReqRdOwn, proto.H2DRspOpGO, proto.H2DRspDataExclusive, cache.Invalid},
		{"RdShared hit E", cache.Exclusive, proto.D2HReqRdShared, proto.H2DRspOpGO, proto.H2DRspDataShared, cache.Shared},
		{"RdAny absent", cache.Invalid, proto.D2HReqRdAny, proto.H2DRspOpGO, proto.H2DRspDataExclusive, cache.Invalid},
		{"RdAny hit M", cache.Modified, proto.D2HReqRdAny, proto.H2DRspOpGO, proto.H2DRspDataModified, cache.Modified},
		{"RdAny hit E", cache.Exclusive, proto.D2HReqRdAny, proto.H2DRspOpGO, proto.H2DRspDataShared, cache.Shared},
		{"RdAny hit S", cache.Shared, proto.D2HReqRdAny, proto.H2DRspOpGO, proto.H2DRspDataShared, cache.Shared},
		{"RdOwnNoData hit M", cache.Modified, proto.D2HReqRdOwnNoData, proto.H2DRspOpGO, proto.H2DRspDataExclusive, cache.Invalid},
		{"RdOwnNoData hit S", cache.Shared, proto.D2HReqRdOwnNoData, proto.H2DRspOpGO, proto.H2DRspDataExclusive, cache.Invalid},
		{"ItoMWr absent", cache.Invalid, proto.D2HReqItoMWr, proto.H2DRspOpGOWritePull, proto.H2DRspDataInvalid, cache.Invalid},
		{"WrCur hit S", cache.Shared, proto.D2HReqWrCur, proto.H2DRspOpGOWritePull, proto.H2DRspDataInvalid, cache.Exclusive},
		{"CLFlush hit M", cache.Modified, proto.D2HReqCLFlush, proto.H2DRspOpGO, proto.H2DRspDataInvalid, cache.Invalid},
		{"CLFlush absent", cache.Invalid, proto.D2HReqCLFlush, proto.H2DRspOpGO, proto.H2DRspDataInvalid, cache.Invalid},
		{"CleanEvict absent", cache.Invalid, proto.D2HReqCleanEvict, proto.H2DRspOpGOWritePull, proto.H2DRspDataInvalid, cache.Invalid},
		{"DirtyEvict absent", cache.Invalid, proto.D2HReqDirtyEvict, proto.H2DRspOpGOWritePull, proto.H2DRspDataInvalid, cache.Invalid},
		{"CleanEvictNoData hit S", cache.Shared, proto.D2HReqCleanEvictNoData, proto.H2DRspOpGO, proto.H2DRspDataInvalid, cache.Exclusive},
		{"CleanEvictNoData absent", cache.Invalid, proto.D2HReqCleanEvictNoData, proto.H2DRspOpGO, proto.H2DRspDataInvalid, cache.Invalid},
		{"WOWrInv hit S", cache.Shared, proto.D2HReqWOWrInv, proto.H2DRspOpExtCmp, proto.H2DRspDataInvalid, cache.Invalid},
		{"WOWrInvF hit S", cache.Shared, proto.D2HReqWOWrInvF, proto.H2DRspOpFastGOWritePull, proto.H2DRspDataInvalid, cache.Invalid},
		{"WrInv hit E", cache.Exclusive, proto.D2HReqWrInv, proto.H2DRspOpGO, proto.H2DRspDataInvalid, cache.Invalid},
		{"CacheFlushed hit S", cache.Shared, proto.D2HReqCacheFlushed, proto.H2DRspOpGO, proto.H2DRspDataInvalid, cache.Shared},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, _, mem := newTestType1(alwaysRsp(proto.D2HRspIHitI))
			mem.setBlock(addr, 0x11)
			if tc.pre != cache.Invalid {
				installLine(t, h, addr, tc.pre, 0x22)
			}

			buf := make([]byte, proto.BlockSize)
			rsp, err := h.Response(proto.CacheReqD2H{Opcode: tc.opcode, Address: addr}, buf)
			require.NoError(t, err)
			require.Equal(t, tc.wantOp, rsp.Opcode, "response opcode")
			require.Equal(t, tc.wantData, rsp.Data, "response data")

			state, ok := h.LineState(addr)
			if tc.wantState == cache.Invalid {
				require.False(t, ok, "expected no cached line, got %v", state)
			} else {
				require.True(t, ok, "expected a cached line")
				require.Equal(t, tc.wantState, state, "host state")
			}
		})
	}
}

// A device RdOwn against a host Modified line forwards the modified data
// and leaves the host state unchanged.
func TestType1ResponseRdOwnForwardsModifiedData(t *testing.T) {
	h, _, _ := newTestType1(alwaysRsp(proto.D2HRspIHitI))
	const addr = 0x4_9000_1000
	installLine(t, h, addr, cache.Modified, 0xD7)

	buf := make([]byte, proto.BlockSize)
	rsp, err := h.Response(proto.CacheReqD2H{Opcode: proto.D2HReqRdOwn, Address: addr}, buf)
	require.NoError(t, err)
	require.Equal(t, proto.H2DRspDataModified, rsp.Data)
	for _, b := range buf {
		require.EqualValues(t, 0xD7, b, "forwarded data")
	}
	state, ok := h.LineState(addr)
	require.True(t, ok)
	require.Equal(t, cache.Modified, state)
}

// RdOwnNoData and CLFlush push the host's Modified line back to device
// memory before giving up ownership.
func TestType1ResponseWritesBackModifiedLine(t *testing.T) {
	for _, opc := range []proto.D2HReq{proto.D2HReqRdOwnNoData, proto.D2HReqCLFlush} {
		t.Run(opc.String(), func(t *testing.T) {
			h, _, mem := newTestType1(alwaysRsp(proto.D2HRspIHitI))
			const addr = 0x4_9000_2000
			installLine(t, h, addr, cache.Modified, 0x9E)

			_, err := h.Response(proto.CacheReqD2H{Opcode: opc, Address: addr}, make([]byte, proto.BlockSize))
			require.NoError(t, err)

			blk := mem.blocks[uint64(addr)]
			require.NotEmpty(t, blk, "modified line not written back")
			require.EqualValues(t, 0x9E, blk[0])
			_, ok := h.LineState(addr)
			require.False(t, ok, "line should be invalid after %s", opc)
		})
	}
}
