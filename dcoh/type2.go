// CXL coherence core
// https://github.com/opencxl/cxlcoh
//
// Copyright (c) The cxlcoh Authors. All Rights Reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dcoh

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/opencxl/cxlcoh/bias"
	"github.com/opencxl/cxlcoh/cache"
	"github.com/opencxl/cxlcoh/membackend"
	"github.com/opencxl/cxlcoh/proto"
	"github.com/opencxl/cxlcoh/snoop"
)

// Type2Config fixes a Type-2 DCOH's cache/memory geometry and logger.
type Type2Config struct {
	Cache  cache.Config
	Memory int
	Logger zerolog.Logger
}

// DefaultType2Config is the standard 8-set, 4-way, 64B device cache with
// the default two-entry bias layout: region 0 HostBias, region 1
// DeviceBias.
func DefaultType2Config(memSize int) Type2Config {
	return Type2Config{
		Cache:  cache.Config{BlockBits: 6, SetBits: 3, Assoc: 4},
		Memory: memSize,
		Logger: zerolog.Nop(),
	}
}

// Type2 is the device coherence engine for a Type-2 (host/device-biased
// memory) accelerator. It owns the device cache, the device's own bias
// cache, the memory backend, and the per-address snoop filter used to
// route Back-Invalidate.
type Type2 struct {
	cache *cache.Cache
	mem   *membackend.Backend
	bias  *bias.Table
	sf    snoop.Filter
	peer  proto.MemPeer
	log   zerolog.Logger
}

// NewType2 builds a Type2 DCOH over a memory backend of memSize bytes.
// peer is the host engine this device issues Back-Invalidate snoops
// against.
func NewType2(cfg Type2Config, peer proto.MemPeer) *Type2 {
	numEntries := cfg.Memory / bias.EntrySize
	if numEntries < 2 {
		numEntries = 2
	}
	bt := bias.New(numEntries)
	bt.Set(bias.BaseAddr+bias.EntrySize, bias.DeviceBias)

	return &Type2{
		cache: cache.New(cfg.Cache),
		mem:   membackend.New(cfg.Memory),
		bias:  bt,
		peer:  peer,
		log:   cfg.Logger,
	}
}

// SetBias flips the bias-table entry covering addr.
func (d *Type2) SetBias(addr uint64, state bias.State) {
	d.bias.Set(addr, state)
}

// Read performs a device-side CPU-like read of device memory. daddr must
// fall in a device-biased region; a host-biased daddr is an invariant
// violation, since the device never directly accesses host-biased memory
// through this path.
func (d *Type2) Read(daddr uint64, size uint32) ([]byte, error) {
	return d.access(false, daddr, nil, size)
}

// Write performs a device-side CPU-like write of device memory.
func (d *Type2) Write(daddr uint64, data []byte) error {
	_, err := d.access(true, daddr, data, uint32(len(data)))
	return err
}

func (d *Type2) access(write bool, daddr uint64, data []byte, size uint32) ([]byte, error) {
	if d.bias.Lookup(daddr) == bias.HostBias {
		panic("dcoh: type2 device access to a host-biased address")
	}

	tag := d.cache.ExtractTag(daddr)
	set := d.cache.ExtractSet(daddr)

	blk, hit := d.cache.FindValid(tag, set)
	if hit {
		if !write {
			out := make([]byte, size)
			d.cache.Read(daddr, set, blk, out)
			return out, nil
		}

		if d.sf.Tracked(blockAddrD(daddr)) {
			state := d.cache.Block(set, blk).State
			if state == cache.Invalid {
				panic("dcoh: type2 hit reported on an invalid block")
			}
			if state == cache.Shared {
				req := proto.MemReqBISnp{Opcode: proto.BISnpInv, Address: blockAddrD(daddr)}
				rsp, err := d.peer.Response(req)
				if err != nil {
					return nil, fmt.Errorf("dcoh: type2 BISnpInv: %w", err)
				}
				next, err := biSnoopResponseState(req.Opcode, rsp)
				if err != nil {
					return nil, err
				}
				if next != cache.Exclusive {
					return nil, fmt.Errorf("dcoh: type2 BISnpInv expected Exclusive, got %s: %w", next, proto.ErrProtocol)
				}
				d.sf.Clear(blockAddrD(daddr))
				d.cache.SetState(tag, set, blk, next)
			}
		}
		d.cache.Write(daddr, set, blk, data)
		return nil, nil
	}

	blk, ok := d.cache.FindInvalid(set)
	if !ok {
		blk = d.cache.FindVictim(set)
		assemAddr, ok := d.cache.AssembleAddr(set, blk)
		if !ok {
			panic("dcoh: type2 victim has no address")
		}
		if err := d.mem.Write(dpa(assemAddr), d.cache.Block(set, blk).Data); err != nil {
			return nil, fmt.Errorf("dcoh: type2 victim writeback: %w", err)
		}
		d.cache.SetState(tag, set, blk, cache.Invalid)
	}

	buf := d.cache.Block(set, blk).Data
	if err := d.mem.Read(dpa(blockAddrD(daddr)), buf); err != nil {
		return nil, fmt.Errorf("dcoh: type2 fill read: %w", err)
	}
	d.cache.SetState(tag, set, blk, cache.Exclusive)

	if !write {
		out := make([]byte, size)
		d.cache.Read(daddr, set, blk, out)
		return out, nil
	}
	d.cache.Write(daddr, set, blk, data)
	return nil, nil
}

func blockAddrD(addr uint64) uint64 { return addr &^ (proto.BlockSize - 1) }

// biSnoopResponseState maps a host BI response to the device's next MESI
// state for a device-issued Back-Invalidate snoop.
func biSnoopResponseState(opc proto.BISnpOpcode, rsp proto.RspBI) (cache.State, error) {
	switch opc {
	case proto.BISnpCur, proto.BISnpCurBlk:
		return cache.Invalid, nil
	case proto.BISnpData, proto.BISnpDataBlk:
		switch rsp {
		case proto.BIRspI, proto.BIRspIBlk:
			return cache.Exclusive, nil
		case proto.BIRspS, proto.BIRspSBlk:
			return cache.Shared, nil
		default:
			return 0, fmt.Errorf("dcoh: type2 unexpected BI response %s for %s: %w", rsp, opc, proto.ErrProtocol)
		}
	case proto.BISnpInv, proto.BISnpInvBlk:
		return cache.Exclusive, nil
	default:
		panic(fmt.Sprintf("dcoh: type2 unknown BISnp opcode %v", opc))
	}
}

// LineState reports the device cache's MESI state for the block containing
// addr, or false if the line is not cached.
func (d *Type2) LineState(addr uint64) (cache.State, bool) {
	tag := d.cache.ExtractTag(addr)
	set := d.cache.ExtractSet(addr)
	blk, ok := d.cache.FindValid(tag, set)
	if !ok {
		return cache.Invalid, false
	}
	return d.cache.Block(set, blk).State, true
}

// HostTracked reports whether the snoop filter currently records the host
// as holding a copy of addr's block.
func (d *Type2) HostTracked(addr uint64) bool {
	return d.sf.Tracked(blockAddrD(addr))
}

// Access answers a host-initiated M2S request: the largest decision
// table in the system. Bias governs which sub-table applies.
func (d *Type2) Access(req proto.MemReqM2S, buf []byte) (proto.S2MRsp, error) {
	addr := req.Address &^ (proto.BlockSize - 1)
	tag := d.cache.ExtractTag(addr)
	set := d.cache.ExtractSet(addr)

	blk, hit := d.cache.FindValid(tag, set)

	rsp := proto.S2MRspCMP
	var dataRead, dataWrite, dataFlush, cacheUpdate bool
	var next cache.State // cache.Invalid unless a branch below chooses otherwise

	if d.bias.Lookup(addr) == bias.HostBias {
		switch req.Opcode {
		case proto.M2SOpMemRd, proto.M2SOpMemRdData:
			dataRead = true
			fallthrough
		case proto.M2SOpMemInv, proto.M2SOpMemInvNT:
			cacheUpdate = true
			if req.MetaValue == proto.MetaValueShared {
				next = cache.Shared
			} else {
				next = cache.Invalid
			}
		case proto.M2SOpMemSpecRd:
			// posted request: no completion expected.
		case proto.M2SOpMemWr, proto.M2SOpMemWrPtl:
			if req.SnpType != proto.SnpNoOp {
				panic(fmt.Sprintf("dcoh: type2 %s in host bias requires SnpNoOp", req.Opcode))
			}
			dataWrite = true
			cacheUpdate = true
			if req.MetaValue == proto.MetaValueShared {
				next = cache.Shared
			} else {
				next = cache.Invalid
			}
		default:
			rsp = proto.S2MRspCMPError
		}
		if hit {
			d.cache.SetSF(set, blk, false)
		}
	} else { // DeviceBias
		switch req.Opcode {
		case proto.M2SOpMemRd:
			dataRead = true
			cacheUpdate = true
			if req.MetaField == proto.MetaFieldNoOp {
				if req.SnpType != proto.SnpInv && req.SnpType != proto.SnpCur {
					panic("dcoh: type2 MemRd NoOp requires SnpInv or SnpCur")
				}
				if req.SnpType == proto.SnpInv {
					dataFlush = true
				} else {
					cacheUpdate = false
				}
				break
			}
			switch req.MetaValue {
			case proto.MetaValueAny:
				if req.SnpType != proto.SnpInv {
					panic("dcoh: type2 MemRd Any requires SnpInv")
				}
				rsp = proto.S2MRspCMPExclusive
			case proto.MetaValueShared:
				if req.SnpType != proto.SnpData {
					panic("dcoh: type2 MemRd Shared requires SnpData")
				}
				if !hit {
					rsp = proto.S2MRspCMPExclusive
				} else {
					next = cache.Shared
					rsp = proto.S2MRspCMPShared
				}
			case proto.MetaValueInvalid:
				if req.SnpType != proto.SnpInv && req.SnpType != proto.SnpCur {
					panic("dcoh: type2 MemRd Invalid requires SnpInv or SnpCur")
				}
				if req.SnpType == proto.SnpInv {
					dataFlush = true
				} else {
					cacheUpdate = false
				}
			default:
				panic(fmt.Sprintf("dcoh: type2 unknown MetaValue %v", req.MetaValue))
			}

		case proto.M2SOpMemInv, proto.M2SOpMemInvNT:
			cacheUpdate = true
			if req.MetaField == proto.MetaFieldNoOp {
				if req.SnpType != proto.SnpInv {
					panic(fmt.Sprintf("dcoh: type2 %s NoOp requires SnpInv", req.Opcode))
				}
				dataFlush = true
				break
			}
			switch req.MetaValue {
			case proto.MetaValueAny:
				if req.SnpType != proto.SnpInv {
					panic(fmt.Sprintf("dcoh: type2 %s Any requires SnpInv", req.Opcode))
				}
				rsp = proto.S2MRspCMPExclusive
			case proto.MetaValueShared:
				if req.SnpType != proto.SnpData {
					panic(fmt.Sprintf("dcoh: type2 %s Shared requires SnpData", req.Opcode))
				}
				if !hit {
					rsp = proto.S2MRspCMPExclusive
				} else {
					next = cache.Shared
					rsp = proto.S2MRspCMPShared
				}
			case proto.MetaValueInvalid:
				if req.SnpType != proto.SnpInv {
					panic(fmt.Sprintf("dcoh: type2 %s Invalid requires SnpInv", req.Opcode))
				}
				dataFlush = true
			default:
				panic(fmt.Sprintf("dcoh: type2 unknown MetaValue %v", req.MetaValue))
			}

		case proto.M2SOpMemRdData:
			if req.SnpType != proto.SnpData {
				panic("dcoh: type2 MemRdData requires SnpData")
			}
			dataRead = true
			if !hit {
				rsp = proto.S2MRspCMPExclusive
			} else {
				cacheUpdate = true
				next = cache.Shared
				rsp = proto.S2MRspCMPShared
			}

		case proto.M2SOpMemSpecRd:
			// posted request: no completion expected.

		case proto.M2SOpMemClnEvct:
			if req.MetaValue != proto.MetaValueInvalid && req.SnpType != proto.SnpNoOp {
				panic("dcoh: type2 MemClnEvct requires MetaValueInvalid or SnpNoOp")
			}

		case proto.M2SOpMemWr, proto.M2SOpMemWrPtl:
			dataWrite = true
			cacheUpdate = true
			switch req.MetaValue {
			case proto.MetaValueAny, proto.MetaValueShared:
				if req.SnpType != proto.SnpNoOp {
					panic(fmt.Sprintf("dcoh: type2 %s requires SnpNoOp for MetaValue %v", req.Opcode, req.MetaValue))
				}
			case proto.MetaValueInvalid:
				if req.SnpType != proto.SnpInv && req.SnpType != proto.SnpNoOp {
					panic(fmt.Sprintf("dcoh: type2 %s Invalid requires SnpInv or SnpNoOp", req.Opcode))
				}
			default:
				panic(fmt.Sprintf("dcoh: type2 unknown MetaValue %v", req.MetaValue))
			}

		case proto.M2SOpBIConflict:
			if req.SnpType != proto.SnpNoOp {
				panic("dcoh: type2 BIConflict requires SnpNoOp")
			}
			rsp = proto.S2MRspBIConflictAck

		default:
			rsp = proto.S2MRspCMPError
		}
		if hit {
			d.cache.SetSF(set, blk, true)
		}
	}

	if dataRead {
		if hit {
			d.cache.Read(addr, set, blk, buf)
		} else if err := d.mem.Read(dpa(addr), buf); err != nil {
			return proto.S2MRspCMPError, fmt.Errorf("dcoh: type2 %s backing read: %w", req.Opcode, err)
		}
	}
	if dataWrite {
		if err := d.mem.Write(dpa(addr), buf); err != nil {
			return proto.S2MRspCMPError, fmt.Errorf("dcoh: type2 %s backing write: %w", req.Opcode, err)
		}
	}
	if dataFlush && hit {
		if err := d.mem.Write(dpa(addr), d.cache.Block(set, blk).Data); err != nil {
			return proto.S2MRspCMPError, fmt.Errorf("dcoh: type2 %s flush: %w", req.Opcode, err)
		}
	}
	if cacheUpdate && hit {
		d.cache.SetState(tag, set, blk, next)
	}
	d.log.Trace().Uint64("addr", addr).Stringer("req", req.Opcode).Stringer("rsp", rsp).Msg("type2 m2s access")

	if rsp == proto.S2MRspCMP {
		d.sf.Clear(addr)
	} else {
		d.sf.Mark(addr)
	}

	return rsp, nil
}
