// CXL coherence core
// https://github.com/opencxl/cxlcoh
//
// Copyright (c) The cxlcoh Authors. All Rights Reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dcoh implements the device coherence engine (DCOH): the
// device-side half of both the Type-1 (CXL.cache) and Type-2 (CXL.mem
// with Back-Invalidate) protocols.
package dcoh

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/opencxl/cxlcoh/cache"
	"github.com/opencxl/cxlcoh/membackend"
	"github.com/opencxl/cxlcoh/proto"
)

// CFMWSBase is the host-address base of the coherent device-memory window
// (the CFMWS base address). Every address reaching a DCOH lies inside the
// window; the memory backend is the window's zero-based backing store, so
// backend accesses subtract the base.
const CFMWSBase = 0x4_9000_0000

// dpa translates a window address to its backend offset.
func dpa(addr uint64) uint64 { return addr - CFMWSBase }

// Type1Config fixes a Type-1 DCOH's cache geometry, memory size, and
// logger.
type Type1Config struct {
	Cache  cache.Config
	Memory int // device memory-backend size in bytes
	Logger zerolog.Logger
}

// DefaultType1Config is the standard 8-set, 4-way, 64B device cache.
func DefaultType1Config(memSize int) Type1Config {
	return Type1Config{
		Cache:  cache.Config{BlockBits: 6, SetBits: 3, Assoc: 4},
		Memory: memSize,
		Logger: zerolog.Nop(),
	}
}

// Type1 is the device coherence engine for a Type-1 (cache-only)
// accelerator. It owns the device cache and the device's memory backend;
// callers serialize access the way cxl.Type1Link does (see package cxl).
type Type1 struct {
	cache *cache.Cache
	mem   *membackend.Backend
	peer  proto.CachePeer // host side: issues D2H requests via Response
	log   zerolog.Logger
}

// NewType1 builds a Type1 DCOH. peer is the host engine this device talks
// to for D2H requests.
func NewType1(cfg Type1Config, peer proto.CachePeer) *Type1 {
	return &Type1{
		cache: cache.New(cfg.Cache),
		mem:   membackend.New(cfg.Memory),
		peer:  peer,
		log:   cfg.Logger,
	}
}

// Read reads size bytes (1-8) at a window address (see CFMWSBase) that is
// fully contained within one cache block.
func (d *Type1) Read(daddr uint64, size uint32) ([]byte, error) {
	return d.access(false, daddr, nil, size)
}

// Write writes data (1-8 bytes) at a window address (see CFMWSBase) fully
// contained within one cache block.
func (d *Type1) Write(daddr uint64, data []byte) error {
	_, err := d.access(true, daddr, data, uint32(len(data)))
	return err
}

func (d *Type1) access(write bool, daddr uint64, data []byte, size uint32) ([]byte, error) {
	tag := d.cache.ExtractTag(daddr)
	set := d.cache.ExtractSet(daddr)

	blk, hit := d.cache.FindValid(tag, set)
	if hit {
		if !write {
			out := make([]byte, size)
			d.cache.Read(daddr, set, blk, out)
			return out, nil
		}

		state := d.cache.Block(set, blk).State
		if state == cache.Invalid {
			panic("dcoh: type1 hit reported on an invalid block")
		}
		if state == cache.Shared {
			req := d.assemRequest(proto.D2HReqRdOwnNoData, daddr)
			rsp, err := d.peer.Response(req, d.cache.Block(set, blk).Data)
			if err != nil {
				return nil, fmt.Errorf("dcoh: type1 RdOwnNoData: %w", err)
			}
			next, err := d.responseState(req, rsp)
			if err != nil {
				return nil, err
			}
			if next != cache.Exclusive {
				return nil, fmt.Errorf("dcoh: type1 RdOwnNoData expected Exclusive, got %s: %w", next, proto.ErrProtocol)
			}
			d.cache.SetState(tag, set, blk, next)
		}
		d.cache.Write(daddr, set, blk, data)
		return nil, nil
	}

	blk, ok := d.cache.FindInvalid(set)
	if !ok {
		blk = d.cache.FindVictim(set)
		assemAddr, ok := d.cache.AssembleAddr(set, blk)
		if !ok {
			panic("dcoh: type1 victim has no address")
		}
		state := d.cache.Block(set, blk).State

		var opc proto.D2HReq
		switch state {
		case cache.Modified:
			opc = proto.D2HReqDirtyEvict
		case cache.Exclusive:
			opc = proto.D2HReqCleanEvict
		case cache.Shared:
			opc = proto.D2HReqCleanEvictNoData
		default:
			panic("dcoh: type1 victim is Invalid")
		}
		req := d.assemRequest(opc, assemAddr)
		rsp, err := d.peer.Response(req, d.cache.Block(set, blk).Data)
		if err != nil {
			return nil, fmt.Errorf("dcoh: type1 eviction %s: %w", opc, err)
		}
		next, err := d.responseState(req, rsp)
		if err != nil {
			return nil, err
		}
		if next != cache.Invalid {
			return nil, fmt.Errorf("dcoh: type1 eviction expected Invalid, got %s: %w", next, proto.ErrProtocol)
		}
		d.cache.SetState(tag, set, blk, next)
	}

	var req proto.CacheReqD2H
	if !write {
		req = d.assemRequest(proto.D2HReqRdAny, daddr)
	} else {
		req = d.assemRequest(proto.D2HReqRdOwn, daddr)
	}
	rsp, err := d.peer.Response(req, d.cache.Block(set, blk).Data)
	if err != nil {
		return nil, fmt.Errorf("dcoh: type1 fill %s: %w", req.Opcode, err)
	}
	next, err := d.responseState(req, rsp)
	if err != nil {
		return nil, err
	}
	d.cache.SetState(tag, set, blk, next)
	d.log.Trace().Uint64("daddr", daddr).Stringer("req", req.Opcode).Stringer("state", next).Msg("type1 fill")

	if !write {
		if next == cache.Invalid {
			return nil, fmt.Errorf("dcoh: type1 read fill left line Invalid: %w", proto.ErrProtocol)
		}
		out := make([]byte, size)
		d.cache.Read(daddr, set, blk, out)
		return out, nil
	}
	if next != cache.Exclusive && next != cache.Modified {
		return nil, fmt.Errorf("dcoh: type1 write fill expected Exclusive/Modified, got %s: %w", next, proto.ErrProtocol)
	}
	d.cache.Write(daddr, set, blk, data)
	return nil, nil
}

func (d *Type1) assemRequest(opc proto.D2HReq, daddr uint64) proto.CacheReqD2H {
	return proto.CacheReqD2H{Opcode: opc, Address: daddr &^ (proto.BlockSize - 1)}
}

// responseState maps an H2D response to the next MESI state for a
// device-issued D2H request.
func (d *Type1) responseState(req proto.CacheReqD2H, rsp proto.H2DRsp) (cache.State, error) {
	switch rsp.Opcode {
	case proto.H2DRspOpGO:
		switch rsp.Data {
		case proto.H2DRspDataInvalid:
			return cache.Invalid, nil
		case proto.H2DRspDataShared:
			return cache.Shared, nil
		case proto.H2DRspDataExclusive:
			return cache.Exclusive, nil
		case proto.H2DRspDataModified:
			return cache.Modified, nil
		default:
			return 0, fmt.Errorf("dcoh: type1 unexpected GO response data %v for %s: %w", rsp.Data, req.Opcode, proto.ErrProtocol)
		}
	case proto.H2DRspOpGOWritePull, proto.H2DRspOpFastGOWritePull, proto.H2DRspOpExtCmp:
		return cache.Invalid, nil
	default:
		return 0, fmt.Errorf("dcoh: type1 unexpected response opcode %v for %s: %w", rsp.Opcode, req.Opcode, proto.ErrProtocol)
	}
}

// LineState reports the device cache's MESI state for the block containing
// addr, or false if the line is not cached.
func (d *Type1) LineState(addr uint64) (cache.State, bool) {
	tag := d.cache.ExtractTag(addr)
	set := d.cache.ExtractSet(addr)
	blk, ok := d.cache.FindValid(tag, set)
	if !ok {
		return cache.Invalid, false
	}
	return d.cache.Block(set, blk).State, true
}

// Access answers a host-initiated snoop against the device cache. A miss
// (no cached copy) is not a protocol error: the device simply reports
// RspIHitI.
func (d *Type1) Access(req proto.CacheReqH2D, buf []byte) (proto.D2HRsp, error) {
	addr := req.Address &^ (proto.BlockSize - 1)
	tag := d.cache.ExtractTag(addr)
	set := d.cache.ExtractSet(addr)

	blk, hit := d.cache.FindValid(tag, set)
	if !hit {
		return proto.D2HRspIHitI, nil
	}
	state := d.cache.Block(set, blk).State

	switch req.Opcode {
	case proto.H2DReqSnpData:
		var rsp proto.D2HRsp
		if state == cache.Modified {
			d.cache.Read(addr, set, blk, buf)
			rsp = proto.D2HRspSFwdM
		} else {
			rsp = proto.D2HRspSHitSE
		}
		d.cache.SetState(tag, set, blk, cache.Shared)
		return rsp, nil
	case proto.H2DReqSnpInv:
		var rsp proto.D2HRsp
		if state == cache.Modified {
			d.cache.Read(addr, set, blk, buf)
			rsp = proto.D2HRspIFwdM
		} else {
			rsp = proto.D2HRspIHitSE
		}
		d.cache.SetState(tag, set, blk, cache.Invalid)
		return rsp, nil
	default:
		return proto.D2HRspError, fmt.Errorf("dcoh: type1 unsupported snoop opcode %s: %w", req.Opcode, proto.ErrProtocol)
	}
}

// Mem returns the host's direct backing-store path for victim writeback
// and read-fill. The returned proto.DeviceMem takes window addresses and
// subtracts CFMWSBase to reach the memory backend; no other HPA->DPA
// translation is applied.
func (d *Type1) Mem() proto.DeviceMem { return type1Mem{d} }

type type1Mem struct{ d *Type1 }

func (m type1Mem) Read(addr uint64, buf []byte) error  { return m.d.mem.Read(dpa(addr), buf) }
func (m type1Mem) Write(addr uint64, buf []byte) error { return m.d.mem.Write(dpa(addr), buf) }
