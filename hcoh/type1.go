// CXL coherence core
// https://github.com/opencxl/cxlcoh
//
// Copyright (c) The cxlcoh Authors. All Rights Reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hcoh implements the host coherence engine (HCOH): the host-side
// half of both the Type-1 (CXL.cache) and Type-2 (CXL.mem with
// Back-Invalidate) protocols.
package hcoh

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/opencxl/cxlcoh/cache"
	"github.com/opencxl/cxlcoh/proto"
)

// Type1Config fixes a Type-1 HCOH's cache geometry and logger.
type Type1Config struct {
	Cache  cache.Config
	Logger zerolog.Logger
}

// DefaultType1Config is the standard 8-set, 4-way, 64B host cache.
func DefaultType1Config() Type1Config {
	return Type1Config{
		Cache:  cache.Config{BlockBits: 6, SetBits: 3, Assoc: 4},
		Logger: zerolog.Nop(),
	}
}

// Type1 is the host coherence engine for a Type-1 accelerator. It owns
// the host cache and reaches the device through a proto.CachePeer (H2D
// snoops) and a proto.DeviceMem (direct backing-store reads/writes for
// victim writeback and fill, bypassing the device cache).
type Type1 struct {
	cache *cache.Cache
	peer  proto.CachePeer
	mem   proto.DeviceMem
	log   zerolog.Logger
}

// NewType1 builds a Type1 HCOH. peer is the device engine this host
// talks to for H2D snoops; mem is the device's direct memory-backend
// path.
func NewType1(cfg Type1Config, peer proto.CachePeer, mem proto.DeviceMem) *Type1 {
	return &Type1{
		cache: cache.New(cfg.Cache),
		peer:  peer,
		mem:   mem,
		log:   cfg.Logger,
	}
}

// Read performs an 8-byte-granular host read, splitting across a cache
// block boundary if needed.
func (h *Type1) Read(haddr uint64, size uint32) ([]byte, error) {
	return splitAccess(haddr, size, func(addr uint64, sz uint32) ([]byte, error) {
		return h.access(false, addr, nil, sz)
	})
}

// Write performs an 8-byte-granular host write, splitting across a cache
// block boundary if needed.
func (h *Type1) Write(haddr uint64, data []byte) error {
	return splitWrite(haddr, data, func(addr uint64, d []byte) error {
		_, err := h.access(true, addr, d, uint32(len(d)))
		return err
	})
}

func (h *Type1) access(write bool, haddr uint64, data []byte, size uint32) ([]byte, error) {
	tag := h.cache.ExtractTag(haddr)
	set := h.cache.ExtractSet(haddr)

	blk, hit := h.cache.FindValid(tag, set)
	if hit {
		if !write {
			out := make([]byte, size)
			h.cache.Read(haddr, set, blk, out)
			return out, nil
		}

		state := h.cache.Block(set, blk).State
		if state == cache.Invalid {
			panic("hcoh: type1 hit reported on an invalid block")
		}
		if state == cache.Shared {
			if err := h.snoopInv(tag, set, blk, haddr); err != nil {
				return nil, err
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
			panic("hcoh: type1 victim has no address")
		}
		state := h.cache.Block(set, blk).State

		if state == cache.Shared {
			if err := h.snoopInv(tag, set, blk, assemAddr); err != nil {
				return nil, err
			}
		}
		if err := h.mem.Write(assemAddr, h.cache.Block(set, blk).Data); err != nil {
			return nil, fmt.Errorf("hcoh: type1 victim writeback: %w", err)
		}
		h.cache.SetState(tag, set, blk, cache.Invalid)
	}

	var req proto.CacheReqH2D
	if !write {
		req = proto.CacheReqH2D{Opcode: proto.H2DReqSnpData, Address: blockAddr(haddr)}
	} else {
		req = proto.CacheReqH2D{Opcode: proto.H2DReqSnpInv, Address: blockAddr(haddr)}
	}
	buf := h.cache.Block(set, blk).Data
	rsp, err := h.peer.Access(req, buf)
	if err != nil {
		return nil, fmt.Errorf("hcoh: type1 fill %s: %w", req.Opcode, err)
	}
	if rsp == proto.D2HRspError {
		return nil, fmt.Errorf("hcoh: type1 fill %s: device reported error: %w", req.Opcode, proto.ErrTransport)
	}

	if rsp != proto.D2HRspIFwdM && rsp != proto.D2HRspSFwdM {
		if err := h.mem.Read(blockAddr(haddr), buf); err != nil {
			return nil, fmt.Errorf("hcoh: type1 fill read: %w", err)
		}
	}

	next, err := snoopResponseState(req.Opcode, rsp)
	if err != nil {
		return nil, err
	}
	h.cache.SetState(tag, set, blk, next)
	h.log.Trace().Uint64("haddr", haddr).Stringer("req", req.Opcode).Stringer("state", next).Msg("type1 fill")

	if !write {
		if next != cache.Exclusive && next != cache.Shared {
			return nil, fmt.Errorf("hcoh: type1 read fill expected Exclusive/Shared, got %s: %w", next, proto.ErrProtocol)
		}
		out := make([]byte, size)
		h.cache.Read(haddr, set, blk, out)
		return out, nil
	}
	if next != cache.Exclusive {
		return nil, fmt.Errorf("hcoh: type1 write fill expected Exclusive, got %s: %w", next, proto.ErrProtocol)
	}
	h.cache.Write(haddr, set, blk, data)
	return nil, nil
}

// snoopInv issues SnpInv to force the device to drop or write back its
// shared copy before the host can acquire Exclusive, used both on a
// write-hit-while-Shared and on evicting a Shared victim.
func (h *Type1) snoopInv(tag, set, blk, addr uint64) error {
	req := proto.CacheReqH2D{Opcode: proto.H2DReqSnpInv, Address: blockAddr(addr)}
	rsp, err := h.peer.Access(req, h.cache.Block(set, blk).Data)
	if err != nil {
		return fmt.Errorf("hcoh: type1 SnpInv: %w", err)
	}
	if rsp == proto.D2HRspError {
		return fmt.Errorf("hcoh: type1 SnpInv: device reported error: %w", proto.ErrTransport)
	}
	next, err := snoopResponseState(req.Opcode, rsp)
	if err != nil {
		return err
	}
	if next != cache.Exclusive {
		return fmt.Errorf("hcoh: type1 SnpInv expected Exclusive, got %s: %w", next, proto.ErrProtocol)
	}
	h.cache.SetState(tag, set, blk, next)
	return nil
}

// snoopResponseState maps a device D2H response to the next MESI state
// for an H2D snoop request.
func snoopResponseState(opc proto.H2DReq, rsp proto.D2HRsp) (cache.State, error) {
	if opc != proto.H2DReqSnpData && opc != proto.H2DReqSnpInv {
		return 0, fmt.Errorf("hcoh: type1 response check called for non-snoop opcode %s: %w", opc, proto.ErrProtocol)
	}
	switch rsp {
	case proto.D2HRspIHitI, proto.D2HRspIHitSE, proto.D2HRspIFwdM:
		return cache.Exclusive, nil
	case proto.D2HRspSHitSE, proto.D2HRspSFwdM:
		return cache.Shared, nil
	default:
		return 0, fmt.Errorf("hcoh: type1 unexpected snoop response %s: %w", rsp, proto.ErrProtocol)
	}
}

// LineState reports the host cache's MESI state for the block containing
// addr, or false if the line is not cached.
func (h *Type1) LineState(addr uint64) (cache.State, bool) {
	tag := h.cache.ExtractTag(addr)
	set := h.cache.ExtractSet(addr)
	blk, ok := h.cache.FindValid(tag, set)
	if !ok {
		return cache.Invalid, false
	}
	return h.cache.Block(set, blk).State, true
}

// Response answers a device-initiated D2H request against the host cache:
// the largest decision table on the host side.
func (h *Type1) Response(req proto.CacheReqD2H, buf []byte) (proto.H2DRsp, error) {
	addr := req.Address &^ (proto.BlockSize - 1)
	tag := h.cache.ExtractTag(addr)
	set := h.cache.ExtractSet(addr)

	blk, hit := h.cache.FindValid(tag, set)
	var state cache.State
	if hit {
		state = h.cache.Block(set, blk).State
	}

	rsp := proto.H2DRsp{Opcode: proto.H2DRspOpGO, Data: proto.H2DRspDataInvalid}
	var dataRead, dataWrite, cacheUpdate bool
	// writeBack redirects dataWrite to the host line's own data instead of
	// the caller's buffer, for the cases that flush a Modified host copy.
	var writeBack bool
	var nextState cache.State

	switch req.Opcode {
	case proto.D2HReqRdCurr:
		dataRead = true

	case proto.D2HReqRdOwn:
		dataRead = true
		cacheUpdate = true
		nextState = state
		if state == cache.Modified {
			rsp.Data = proto.H2DRspDataModified
		} else {
			rsp.Data = proto.H2DRspDataExclusive
		}

	case proto.D2HReqRdShared:
		if !hit {
			panic("hcoh: type1 RdShared requires the host to already hold a copy")
		}
		dataRead = true
		cacheUpdate = true
		nextState = cache.Shared
		rsp.Data = proto.H2DRspDataShared

	case proto.D2HReqRdAny:
		dataRead = true
		cacheUpdate = true
		switch {
		case !hit:
			nextState = cache.Exclusive
			rsp.Data = proto.H2DRspDataExclusive
		case state == cache.Modified:
			nextState = cache.Modified
			rsp.Data = proto.H2DRspDataModified
		default: // Exclusive || Shared
			nextState = cache.Shared
			rsp.Data = proto.H2DRspDataShared
		}

	case proto.D2HReqRdOwnNoData:
		cacheUpdate = true
		if hit && state == cache.Modified {
			dataWrite = true
			writeBack = true
		}
		rsp.Data = proto.H2DRspDataExclusive

	case proto.D2HReqItoMWr, proto.D2HReqWrCur:
		cacheUpdate = true
		nextState = cache.Exclusive
		dataWrite = true
		rsp.Opcode = proto.H2DRspOpGOWritePull

	case proto.D2HReqCLFlush:
		cacheUpdate = true
		nextState = cache.Invalid
		if hit && state == cache.Modified {
			dataWrite = true
			writeBack = true
		}
		rsp.Data = proto.H2DRspDataInvalid

	case proto.D2HReqCleanEvict, proto.D2HReqDirtyEvict:
		if hit {
			panic(fmt.Sprintf("hcoh: type1 %s on a line the host still caches", req.Opcode))
		}
		dataWrite = true
		rsp.Opcode = proto.H2DRspOpGOWritePull

	case proto.D2HReqCleanEvictNoData:
		if hit && state == cache.Shared {
			cacheUpdate = true
			nextState = cache.Exclusive
		}
		rsp.Data = proto.H2DRspDataInvalid

	case proto.D2HReqWOWrInv, proto.D2HReqWOWrInvF:
		if hit && state == cache.Modified {
			panic(fmt.Sprintf("hcoh: type1 %s while host line is Modified", req.Opcode))
		}
		cacheUpdate = true
		nextState = cache.Invalid
		dataWrite = true
		rsp.Data = proto.H2DRspDataInvalid
		if req.Opcode == proto.D2HReqWOWrInvF {
			rsp.Opcode = proto.H2DRspOpFastGOWritePull
		} else {
			rsp.Opcode = proto.H2DRspOpExtCmp
		}

	case proto.D2HReqWrInv:
		if hit && state == cache.Modified {
			panic("hcoh: type1 WrInv while host line is Modified")
		}
		cacheUpdate = true
		nextState = cache.Invalid
		dataWrite = true
		rsp.Data = proto.H2DRspDataInvalid

	case proto.D2HReqCacheFlushed:
		rsp.Data = proto.H2DRspDataInvalid

	default:
		panic(fmt.Sprintf("hcoh: type1 unknown D2H opcode %v", req.Opcode))
	}

	if dataRead {
		if hit {
			h.cache.Read(addr, set, blk, buf)
		} else if err := h.mem.Read(addr, buf); err != nil {
			rsp.Data = proto.H2DRspDataError
			return rsp, fmt.Errorf("hcoh: type1 %s backing read: %w", req.Opcode, err)
		}
	}
	if dataWrite {
		src := buf
		if writeBack {
			src = h.cache.Block(set, blk).Data
		}
		if err := h.mem.Write(addr, src); err != nil {
			rsp.Data = proto.H2DRspDataError
			return rsp, fmt.Errorf("hcoh: type1 %s backing write: %w", req.Opcode, err)
		}
	}
	if cacheUpdate && hit {
		h.cache.SetState(tag, set, blk, nextState)
	}

	return rsp, nil
}
