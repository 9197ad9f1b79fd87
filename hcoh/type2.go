// CXL coherence core
// https://github.com/opencxl/cxlcoh
//
// Copyright (c) The cxlcoh Authors. All Rights Reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hcoh

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/opencxl/cxlcoh/bias"
	"github.com/opencxl/cxlcoh/cache"
	"github.com/opencxl/cxlcoh/proto"
)

// Type2Config fixes a Type-2 HCOH's cache geometry, the size of memory it
// mediates (used only to size the local bias table), and its logger.
type Type2Config struct {
	Cache  cache.Config
	Memory int
	Logger zerolog.Logger
}

// DefaultType2Config is the standard 8-set, 4-way, 64B host cache with
// the default two-entry bias layout: region 0 HostBias, region 1
// DeviceBias.
func DefaultType2Config(memSize int) Type2Config {
	return Type2Config{
		Cache:  cache.Config{BlockBits: 6, SetBits: 3, Assoc: 4},
		Memory: memSize,
		Logger: zerolog.Nop(),
	}
}

// Type2 is the host coherence engine for a Type-2 (host/device-biased
// memory) accelerator. It owns the host cache and its own bias table, and
// reaches the device through a proto.MemPeer. The device is the sole owner
// of backing memory for Type-2: every cache fill and victim writeback goes
// over peer.Access rather than a local membackend.
type Type2 struct {
	cache *cache.Cache
	bias  *bias.Table
	peer  proto.MemPeer
	log   zerolog.Logger
}

// NewType2 builds a Type2 HCOH. peer is the device engine this host issues
// M2S requests against.
func NewType2(cfg Type2Config, peer proto.MemPeer) *Type2 {
	numEntries := cfg.Memory / bias.EntrySize
	if numEntries < 2 {
		numEntries = 2
	}
	bt := bias.New(numEntries)
	bt.Set(bias.BaseAddr+bias.EntrySize, bias.DeviceBias)

	return &Type2{
		cache: cache.New(cfg.Cache),
		bias:  bt,
		peer:  peer,
		log:   cfg.Logger,
	}
}

// SetBias flips the bias-table entry covering addr. Flipping DeviceBias to
// HostBias without first draining the device's dirty lines in that region
// (via Command) leaves the host cache and device memory inconsistent; this
// package does not enforce that ordering, matching bias.Table.Set's
// contract.
func (h *Type2) SetBias(addr uint64, state bias.State) {
	h.bias.Set(addr, state)
}

// Read performs an 8-byte-granular host read, splitting across a cache
// block boundary if needed.
func (h *Type2) Read(haddr uint64, size uint32) ([]byte, error) {
	return splitAccess(haddr, size, func(addr uint64, sz uint32) ([]byte, error) {
		return h.access(false, addr, nil, sz)
	})
}

// Write performs an 8-byte-granular host write, splitting across a cache
// block boundary if needed.
func (h *Type2) Write(haddr uint64, data []byte) error {
	return splitWrite(haddr, data, func(addr uint64, d []byte) error {
		_, err := h.access(true, addr, d, uint32(len(d)))
		return err
	})
}

func (h *Type2) access(write bool, haddr uint64, data []byte, size uint32) ([]byte, error) {
	tag := h.cache.ExtractTag(haddr)
	set := h.cache.ExtractSet(haddr)

	blk, hit := h.cache.FindValid(tag, set)
	if hit {
		if !write {
			out := make([]byte, size)
			h.cache.Read(haddr, set, blk, out)
			return out, nil
		}

		if h.bias.Lookup(haddr) == bias.DeviceBias {
			state := h.cache.Block(set, blk).State
			if state == cache.Invalid {
				panic("hcoh: type2 hit reported on an invalid block")
			}
			if state == cache.Shared {
				req := h.assemRequest(proto.M2SOpMemInv, proto.SnpInv, proto.MetaValueAny, haddr)
				rsp, err := h.peer.Access(req, data)
				if err != nil {
					return nil, fmt.Errorf("hcoh: type2 MemInv: %w", err)
				}
				if rsp == proto.S2MRspCMPError {
					return nil, fmt.Errorf("hcoh: type2 MemInv: device reported error: %w", proto.ErrTransport)
				}
				next, err := h.responseState(req, rsp)
				if err != nil {
					return nil, err
				}
				if next != cache.Exclusive {
					return nil, fmt.Errorf("hcoh: type2 MemInv expected Exclusive, got %s: %w", next, proto.ErrProtocol)
				}
				h.cache.SetState(tag, set, blk, next)
			}
		}
		h.cache.Write(haddr, set, blk, data)
		return nil, nil
	}

	blk, ok := h.cache.FindInvalid(set)
	if !ok {
		blk = h.cache.FindVictim(set)
		assemAddr, ok := h.cache.AssembleAddr(set, blk)
		if !ok {
			panic("hcoh: type2 victim has no address")
		}

		var req proto.MemReqM2S
		if h.bias.Lookup(assemAddr) == bias.HostBias {
			req = h.assemRequest(proto.M2SOpMemWr, proto.SnpNoOp, proto.MetaValueAny, assemAddr)
		} else {
			req = h.assemRequest(proto.M2SOpMemWr, proto.SnpInv, proto.MetaValueInvalid, assemAddr)
		}
		buf := h.cache.Block(set, blk).Data
		rsp, err := h.peer.Access(req, buf)
		if err != nil {
			return nil, fmt.Errorf("hcoh: type2 victim writeback: %w", err)
		}
		if rsp == proto.S2MRspCMPError {
			return nil, fmt.Errorf("hcoh: type2 victim writeback: device reported error: %w", proto.ErrTransport)
		}
		next, err := h.responseState(req, rsp)
		if err != nil {
			return nil, err
		}
		h.cache.SetState(tag, set, blk, next)
	}

	biasState := h.bias.Lookup(haddr)

	var req proto.MemReqM2S
	switch {
	case biasState == bias.HostBias:
		req = h.assemRequest(proto.M2SOpMemRd, proto.SnpNoOp, proto.MetaValueInvalid, haddr)
	case !write:
		req = h.assemRequest(proto.M2SOpMemRd, proto.SnpData, proto.MetaValueShared, haddr)
	default:
		req = h.assemRequest(proto.M2SOpMemRd, proto.SnpInv, proto.MetaValueAny, haddr)
	}

	buf := h.cache.Block(set, blk).Data
	rsp, err := h.peer.Access(req, buf)
	if err != nil {
		return nil, fmt.Errorf("hcoh: type2 fill %s: %w", req.Opcode, err)
	}
	if rsp == proto.S2MRspCMPError {
		return nil, fmt.Errorf("hcoh: type2 fill %s: device reported error: %w", req.Opcode, proto.ErrTransport)
	}

	next, err := h.responseState(req, rsp)
	if err != nil {
		return nil, err
	}
	if biasState == bias.HostBias {
		next = cache.Exclusive
	}
	h.cache.SetState(tag, set, blk, next)
	h.log.Trace().Uint64("haddr", haddr).Stringer("bias", biasState).Stringer("state", next).Msg("type2 fill")

	if !write {
		if next != cache.Exclusive && next != cache.Shared {
			return nil, fmt.Errorf("hcoh: type2 read fill expected Exclusive/Shared, got %s: %w", next, proto.ErrProtocol)
		}
		out := make([]byte, size)
		h.cache.Read(haddr, set, blk, out)
		return out, nil
	}
	if next != cache.Exclusive {
		return nil, fmt.Errorf("hcoh: type2 write fill expected Exclusive, got %s: %w", next, proto.ErrProtocol)
	}
	h.cache.Write(haddr, set, blk, data)
	return nil, nil
}

func (h *Type2) assemRequest(opc proto.M2SOpcode, snp proto.SnpType, mv proto.MetaValue, haddr uint64) proto.MemReqM2S {
	return proto.MemReqM2S{
		Opcode:    opc,
		SnpType:   snp,
		MetaField: proto.MetaFieldMeta0State,
		MetaValue: mv,
		Address:   blockAddr(haddr),
	}
}

// responseState maps a device S2M response to the next MESI state. It
// panics on a request/response combination this engine's own request
// paths never produce (a Command sequence never reaches MemSpecRd with a
// still-valid host line for it).
func (h *Type2) responseState(req proto.MemReqM2S, rsp proto.S2MRsp) (cache.State, error) {
	switch req.Opcode {
	case proto.M2SOpMemInv, proto.M2SOpMemInvNT, proto.M2SOpMemRd:
		switch rsp {
		case proto.S2MRspCMP:
			return cache.Invalid, nil
		case proto.S2MRspCMPExclusive:
			return cache.Exclusive, nil
		case proto.S2MRspCMPShared:
			return cache.Shared, nil
		default:
			return 0, fmt.Errorf("hcoh: type2 unexpected response %s for %s: %w", rsp, req.Opcode, proto.ErrProtocol)
		}
	case proto.M2SOpMemWr, proto.M2SOpMemWrPtl:
		var state cache.State
		switch req.MetaValue {
		case proto.MetaValueAny:
			if req.SnpType != proto.SnpNoOp {
				panic(fmt.Sprintf("hcoh: type2 %s Any requires SnpNoOp", req.Opcode))
			}
			state = cache.Exclusive
		case proto.MetaValueShared:
			if req.SnpType != proto.SnpNoOp {
				panic(fmt.Sprintf("hcoh: type2 %s Shared requires SnpNoOp", req.Opcode))
			}
			state = cache.Shared
		case proto.MetaValueInvalid:
			if req.SnpType != proto.SnpNoOp && req.SnpType != proto.SnpInv {
				panic(fmt.Sprintf("hcoh: type2 %s Invalid requires SnpNoOp or SnpInv", req.Opcode))
			}
			state = cache.Invalid
		default:
			panic(fmt.Sprintf("hcoh: type2 unknown MetaValue %v", req.MetaValue))
		}
		if rsp != proto.S2MRspCMP {
			return 0, fmt.Errorf("hcoh: type2 %s expected CMP, got %s: %w", req.Opcode, rsp, proto.ErrProtocol)
		}
		return state, nil
	default:
		panic(fmt.Sprintf("hcoh: type2 response check called for %s", req.Opcode))
	}
}

// InvalidateRegion writes back and invalidates every host-cached line whose
// address falls in [base, base+size). A Type-2 bias flip from HostBias to
// DeviceBias calls this before installing the new bias state, since the
// device is about to become the sole coherence authority for the region
// and any dirty host line would otherwise be silently lost.
func (h *Type2) InvalidateRegion(base, size uint64) error {
	return h.cache.Invalidate(
		func(addr uint64) bool { return addr >= base && addr < base+size },
		func(addr uint64, buf []byte) error {
			req := h.assemRequest(proto.M2SOpMemWr, proto.SnpNoOp, proto.MetaValueAny, addr)
			rsp, err := h.peer.Access(req, buf)
			if err != nil {
				return fmt.Errorf("hcoh: type2 region invalidate writeback: %w", err)
			}
			if rsp == proto.S2MRspCMPError {
				return fmt.Errorf("hcoh: type2 region invalidate writeback: device reported error: %w", proto.ErrTransport)
			}
			return nil
		},
	)
}

// Command runs the six-request host-initiated sequence used to reclaim
// and re-home a device-biased line. It stops and reports the first
// failing step.
func (h *Type2) Command(haddr uint64, buf []byte) error {
	steps := []struct {
		opc proto.M2SOpcode
		snp proto.SnpType
		mv  proto.MetaValue
	}{
		{proto.M2SOpMemRd, proto.SnpInv, proto.MetaValueInvalid},      // MEM_Read_MemInv
		{proto.M2SOpMemInv, proto.SnpInv, proto.MetaValueAny},         // MEM_NDR_MemInv
		{proto.M2SOpMemInv, proto.SnpData, proto.MetaValueShared},     // MEM_NDR_MemShared
		{proto.M2SOpMemInv, proto.SnpInv, proto.MetaValueInvalid},     // MEM_NDR_HCacheInv
		{proto.M2SOpMemSpecRd, proto.SnpInv, proto.MetaValueInvalid},  // MEM_NDR_SpecRd
		{proto.M2SOpMemClnEvct, proto.SnpInv, proto.MetaValueInvalid}, // MEM_NDR_ClnEvct
	}

	for _, s := range steps {
		if err := h.request(s.opc, s.snp, s.mv, haddr, buf); err != nil {
			return err
		}
	}
	return nil
}

func (h *Type2) request(opc proto.M2SOpcode, snp proto.SnpType, mv proto.MetaValue, haddr uint64, buf []byte) error {
	req := h.assemRequest(opc, snp, mv, haddr)
	rsp, err := h.peer.Access(req, buf)
	if err != nil {
		return fmt.Errorf("hcoh: type2 command %s: %w", opc, err)
	}
	if rsp == proto.S2MRspCMPError {
		return fmt.Errorf("hcoh: type2 command %s: device reported error: %w", opc, proto.ErrTransport)
	}

	tag := h.cache.ExtractTag(haddr)
	set := h.cache.ExtractSet(haddr)
	blk, hit := h.cache.FindValid(tag, set)
	if !hit {
		return nil
	}
	next, err := h.responseState(req, rsp)
	if err != nil {
		return err
	}
	h.cache.SetState(tag, set, blk, next)
	return nil
}

// LineState reports the host cache's MESI state for the block containing
// addr, or false if the line is not cached.
func (h *Type2) LineState(addr uint64) (cache.State, bool) {
	tag := h.cache.ExtractTag(addr)
	set := h.cache.ExtractSet(addr)
	blk, ok := h.cache.FindValid(tag, set)
	if !ok {
		return cache.Invalid, false
	}
	return h.cache.Block(set, blk).State, true
}

// Response answers a device-initiated Back-Invalidate snoop against the
// host cache.
func (h *Type2) Response(req proto.MemReqBISnp) (proto.RspBI, error) {
	tag := h.cache.ExtractTag(req.Address)
	set := h.cache.ExtractSet(req.Address)

	blk, hit := h.cache.FindValid(tag, set)
	if !hit {
		return proto.BIRspI, nil
	}
	state := h.cache.Block(set, blk).State

	switch req.Opcode {
	case proto.BISnpCur, proto.BISnpCurBlk:
		switch state {
		case cache.Shared:
			return proto.BIRspS, nil
		case cache.Exclusive, cache.Modified:
			return proto.BIRspE, nil
		default:
			return proto.BIRspNoOp, nil
		}
	case proto.BISnpData, proto.BISnpDataBlk:
		switch state {
		case cache.Shared:
			return proto.BIRspS, nil
		case cache.Exclusive, cache.Modified:
			h.cache.SetState(tag, set, blk, cache.Invalid)
			return proto.BIRspI, nil
		default:
			return proto.BIRspNoOp, nil
		}
	case proto.BISnpInv, proto.BISnpInvBlk:
		h.cache.SetState(tag, set, blk, cache.Invalid)
		return proto.BIRspI, nil
	default:
		panic(fmt.Sprintf("hcoh: type2 unknown BISnp opcode %v", req.Opcode))
	}
}
