// CXL coherence core
// https://github.com/opencxl/cxlcoh
//
// Copyright (c) The cxlcoh Authors. All Rights Reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dcoh

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opencxl/cxlcoh/cache"
	"github.com/opencxl/cxlcoh/proto"
)

// scriptedHostPeer answers D2H requests from a test-provided function and
// records every request it saw.
type scriptedHostPeer struct {
	reqs    []proto.CacheReqD2H
	respond func(req proto.CacheReqD2H, buf []byte) (proto.H2DRsp, error)
}

func (p *scriptedHostPeer) Access(proto.CacheReqH2D, []byte) (proto.D2HRsp, error) {
	panic("unexpected Access on device-side peer")
}

func (p *scriptedHostPeer) Response(req proto.CacheReqD2H, buf []byte) (proto.H2DRsp, error) {
	p.reqs = append(p.reqs, req)
	return p.respond(req, buf)
}

// hostGrants answers eviction requests with GO/Invalid and fill requests
// with GO/state, filling buf with the given byte.
func hostGrants(state proto.H2DRspData, fill byte) func(proto.CacheReqD2H, []byte) (proto.H2DRsp, error) {
	return func(req proto.CacheReqD2H, buf []byte) (proto.H2DRsp, error) {
		switch req.Opcode {
		case proto.D2HReqCleanEvict, proto.D2HReqDirtyEvict, proto.D2HReqCleanEvictNoData:
			return proto.H2DRsp{Opcode: proto.H2DRspOpGO, Data: proto.H2DRspDataInvalid}, nil
		case proto.D2HReqRdOwnNoData:
			return proto.H2DRsp{Opcode: proto.H2DRspOpGO, Data: proto.H2DRspDataExclusive}, nil
		default:
			for i := range buf {
				buf[i] = fill
			}
			return proto.H2DRsp{Opcode: proto.H2DRspOpGO, Data: state}, nil
		}
	}
}

func newTestDType1(respond func(proto.CacheReqD2H, []byte) (proto.H2DRsp, error)) (*Type1, *scriptedHostPeer) {
	peer := &scriptedHostPeer{respond: respond}
	d := NewType1(DefaultType1Config(1<<20), peer)
	return d, peer
}

// installDLine places addr's block in the device cache with the given
// state, bypassing the protocol path.
func installDLine(t *testing.T, c *cache.Cache, addr uint64, state cache.State, fill byte) {
	t.Helper()
	tag := c.ExtractTag(addr)
	set := c.ExtractSet(addr)
	blk, ok := c.FindInvalid(set)
	if !ok {
		t.Fatalf("no invalid way in set %d", set)
	}
	c.SetState(tag, set, blk, cache.Exclusive)
	data := make([]byte, proto.BlockSize)
	for i := range data {
		data[i] = fill
	}
	c.Write(addr&^(proto.BlockSize-1), set, blk, data)
	c.SetState(tag, set, blk, state)
}

func TestDType1ReadMissFill(t *testing.T) {
	d, peer := newTestDType1(hostGrants(proto.H2DRspDataExclusive, 0x6B))
	const addr = CFMWSBase + 0x40

	got, err := d.Read(addr, 8)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, b := range got {
		if b != 0x6B {
			t.Fatalf("read returned %x, want all 0x6B", got)
		}
	}
	if peer.reqs[0].Opcode != proto.D2HReqRdAny {
		t.Fatalf("read fill issued %s, want RdAny", peer.reqs[0].Opcode)
	}
	if state, _ := d.LineState(addr); state != cache.Exclusive {
		t.Fatalf("state = %v, want Exclusive", state)
	}
}

func TestDType1WriteMissFill(t *testing.T) {
	d, peer := newTestDType1(hostGrants(proto.H2DRspDataExclusive, 0))
	const addr = CFMWSBase + 0x80

	if err := d.Write(addr, []byte{9, 8, 7}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if peer.reqs[0].Opcode != proto.D2HReqRdOwn {
		t.Fatalf("write fill issued %s, want RdOwn", peer.reqs[0].Opcode)
	}
	if state, _ := d.LineState(addr); state != cache.Modified {
		t.Fatalf("state = %v, want Modified", state)
	}
}

func TestDType1WriteHitSharedUpgrades(t *testing.T) {
	d, peer := newTestDType1(hostGrants(proto.H2DRspDataExclusive, 0))
	const addr = CFMWSBase + 0x100
	installDLine(t, d.cache, addr, cache.Shared, 0x12)

	if err := d.Write(addr, []byte{0xFE}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if peer.reqs[0].Opcode != proto.D2HReqRdOwnNoData {
		t.Fatalf("upgrade issued %s, want RdOwnNoData", peer.reqs[0].Opcode)
	}
	if state, _ := d.LineState(addr); state != cache.Modified {
		t.Fatalf("state = %v, want Modified", state)
	}

	// The rest of the line keeps its pre-upgrade bytes.
	got, err := d.Read(addr+1, 1)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if got[0] != 0x12 {
		t.Fatalf("read back %#x, want 0x12", got[0])
	}
}

func TestDType1EvictionOpcodes(t *testing.T) {
	cases := []struct {
		victim cache.State
		want   proto.D2HReq
	}{
		{cache.Modified, proto.D2HReqDirtyEvict},
		{cache.Exclusive, proto.D2HReqCleanEvict},
		{cache.Shared, proto.D2HReqCleanEvictNoData},
	}
	for _, tc := range cases {
		t.Run(tc.want.String(), func(t *testing.T) {
			d, peer := newTestDType1(hostGrants(proto.H2DRspDataExclusive, 0))

			// Fill set 0 so the first-installed line is the victim.
			const setStride = 8 * proto.BlockSize
			base := uint64(CFMWSBase)
			installDLine(t, d.cache, base, tc.victim, 0x21)
			for i := uint64(1); i < 4; i++ {
				installDLine(t, d.cache, base+i*setStride, cache.Exclusive, 0x21)
			}

			if _, err := d.Read(base+4*setStride, 8); err != nil {
				t.Fatalf("evicting read: %v", err)
			}
			if peer.reqs[0].Opcode != tc.want {
				t.Fatalf("eviction issued %s, want %s", peer.reqs[0].Opcode, tc.want)
			}
			if peer.reqs[0].Address != base {
				t.Fatalf("eviction address = %#x, want %#x", peer.reqs[0].Address, base)
			}
			if _, ok := d.LineState(base); ok {
				t.Fatalf("victim still cached after eviction")
			}
		})
	}
}

func TestDType1FillErrorLeavesCacheUnchanged(t *testing.T) {
	d, _ := newTestDType1(func(proto.CacheReqD2H, []byte) (proto.H2DRsp, error) {
		return proto.H2DRsp{}, errors.New("link down")
	})

	if _, err := d.Read(CFMWSBase, 8); err == nil {
		t.Fatalf("expected fill error")
	}
	if _, ok := d.LineState(CFMWSBase); ok {
		t.Fatalf("line installed despite failed fill")
	}
}

// The host-snoop responder table.
func TestDType1SnoopTable(t *testing.T) {
	const addr = CFMWSBase + 0x200

	cases := []struct {
		name      string
		pre       cache.State // Invalid means absent
		opcode    proto.H2DReq
		want      proto.D2HRsp
		wantState cache.State // Invalid means absent afterwards
		forwards  bool
	}{
		{"SnpData absent", cache.Invalid, proto.H2DReqSnpData, proto.D2HRspIHitI, cache.Invalid, false},
		{"SnpData shared", cache.Shared, proto.H2DReqSnpData, proto.D2HRspSHitSE, cache.Shared, false},
		{"SnpData exclusive", cache.Exclusive, proto.H2DReqSnpData, proto.D2HRspSHitSE, cache.Shared, false},
		{"SnpData modified", cache.Modified, proto.H2DReqSnpData, proto.D2HRspSFwdM, cache.Shared, true},
		{"SnpInv absent", cache.Invalid, proto.H2DReqSnpInv, proto.D2HRspIHitI, cache.Invalid, false},
		{"SnpInv shared", cache.Shared, proto.H2DReqSnpInv, proto.D2HRspIHitSE, cache.Invalid, false},
		{"SnpInv exclusive", cache.Exclusive, proto.H2DReqSnpInv, proto.D2HRspIHitSE, cache.Invalid, false},
		{"SnpInv modified", cache.Modified, proto.H2DReqSnpInv, proto.D2HRspIFwdM, cache.Invalid, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, _ := newTestDType1(hostGrants(proto.H2DRspDataExclusive, 0))
			if tc.pre != cache.Invalid {
				installDLine(t, d.cache, addr, tc.pre, 0x4D)
			}

			buf := make([]byte, proto.BlockSize)
			rsp, err := d.Access(proto.CacheReqH2D{Opcode: tc.opcode, Address: addr}, buf)
			require.NoError(t, err)
			require.Equal(t, tc.want, rsp, "snoop response")

			if tc.forwards {
				require.EqualValues(t, 0x4D, buf[0], "forwarded modified data")
			}

			state, ok := d.LineState(addr)
			if tc.wantState == cache.Invalid {
				require.False(t, ok, "expected no cached line, got %v", state)
			} else {
				require.True(t, ok, "expected a cached line")
				require.Equal(t, tc.wantState, state, "device state")
			}
		})
	}
}

func TestDType1UnknownSnoopIsProtocolError(t *testing.T) {
	d, _ := newTestDType1(hostGrants(proto.H2DRspDataExclusive, 0))
	installDLine(t, d.cache, CFMWSBase, cache.Shared, 0)

	_, err := d.Access(proto.CacheReqH2D{Opcode: proto.H2DReqSnpCur, Address: CFMWSBase}, make([]byte, proto.BlockSize))
	if !errors.Is(err, proto.ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}
