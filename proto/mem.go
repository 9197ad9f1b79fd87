// CXL coherence core
// https://github.com/opencxl/cxlcoh
//
// Copyright (c) The cxlcoh Authors. All Rights Reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package proto

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// M2SOpcode is a host-to-device CXL.mem request opcode, carried in the
// 4-bit MemOpcode field of the M2S_REQ/M2S_RWD header. MemRdFwd and
// MemWrFwd are direct peer-to-peer forward flows with no decision-table
// entry in this core; a DCOH answers them CMP_ERROR.
type M2SOpcode uint8

const (
	M2SOpMemInv     M2SOpcode = 0
	M2SOpMemRd      M2SOpcode = 1
	M2SOpMemRdData  M2SOpcode = 2
	M2SOpMemRdFwd   M2SOpcode = 3
	M2SOpMemWrFwd   M2SOpcode = 4
	M2SOpMemSpecRd  M2SOpcode = 5
	M2SOpMemInvNT   M2SOpcode = 6
	M2SOpMemClnEvct M2SOpcode = 7
	M2SOpMemWr      M2SOpcode = 8
	M2SOpMemWrPtl   M2SOpcode = 9
	M2SOpBIConflict M2SOpcode = 10
)

func (o M2SOpcode) String() string {
	switch o {
	case M2SOpMemInv:
		return "MemInv"
	case M2SOpMemRd:
		return "MemRd"
	case M2SOpMemRdData:
		return "MemRdData"
	case M2SOpMemRdFwd:
		return "MemRdFwd"
	case M2SOpMemWrFwd:
		return "MemWrFwd"
	case M2SOpMemSpecRd:
		return "MemSpecRd"
	case M2SOpMemInvNT:
		return "MemInvNT"
	case M2SOpMemClnEvct:
		return "MemClnEvct"
	case M2SOpMemWr:
		return "MemWr"
	case M2SOpMemWrPtl:
		return "MemWrPtl"
	case M2SOpBIConflict:
		return "BIConflict"
	default:
		return fmt.Sprintf("M2SOpcode(%d)", uint8(o))
	}
}

// SnpType is the snp_type field of an M2S request.
type SnpType uint8

const (
	SnpNoOp SnpType = 0
	SnpData SnpType = 1
	SnpCur  SnpType = 2
	SnpInv  SnpType = 3
)

func (s SnpType) String() string {
	switch s {
	case SnpNoOp:
		return "NoOp"
	case SnpData:
		return "SnpData"
	case SnpCur:
		return "SnpCur"
	case SnpInv:
		return "SnpInv"
	default:
		return fmt.Sprintf("SnpType(%d)", uint8(s))
	}
}

// MetaField is the meta_field of an M2S request: either no metadata
// carried (NoOp) or a Meta0State update request.
type MetaField uint8

const (
	MetaFieldMeta0State MetaField = 0
	MetaFieldNoOp       MetaField = 1
)

// MetaValue is the meta_value of an M2S request, the requested/reported
// line state in {Invalid, Shared, Any}. "Any" means the requester does
// not care whether it ends up Exclusive or Modified.
type MetaValue uint8

const (
	MetaValueInvalid MetaValue = 0
	MetaValueAny     MetaValue = 1
	MetaValueShared  MetaValue = 2
)

func (m MetaValue) String() string {
	switch m {
	case MetaValueInvalid:
		return "Invalid"
	case MetaValueAny:
		return "Any"
	case MetaValueShared:
		return "Shared"
	default:
		return fmt.Sprintf("MetaValue(%d)", uint8(m))
	}
}

// MemReqM2S is a host-to-device CXL.mem request. The M2S_REQ (no data)
// and M2S_RWD (with data) channels collapse into one Go struct — the wire
// encoder writes one header shape for both and appends Data after it when
// Data is non-nil.
type MemReqM2S struct {
	Opcode    M2SOpcode
	SnpType   SnpType
	MetaField MetaField
	MetaValue MetaValue
	Address   uint64 // block-aligned
	Data      []byte // present for MemWr/MemWrPtl, nil otherwise
}

// S2MRsp is the device's completion response to an M2S request.
type S2MRsp uint8

const (
	S2MRspCMP          S2MRsp = 0
	S2MRspCMPShared    S2MRsp = 1
	S2MRspCMPExclusive S2MRsp = 2
	S2MRspBIConflictAck S2MRsp = 3
	S2MRspCMPError     S2MRsp = 4
)

func (r S2MRsp) String() string {
	switch r {
	case S2MRspCMP:
		return "CMP"
	case S2MRspCMPShared:
		return "CMP_SHARED"
	case S2MRspCMPExclusive:
		return "CMP_EXCLUSIVE"
	case S2MRspBIConflictAck:
		return "BI_ConflictAck"
	case S2MRspCMPError:
		return "CMP_ERROR"
	default:
		return fmt.Sprintf("S2MRsp(%d)", uint8(r))
	}
}

// BISnpOpcode is a device-initiated Back-Invalidate snoop request opcode,
// carried on the S2M_BISNP channel.
type BISnpOpcode uint8

const (
	BISnpCur     BISnpOpcode = 0
	BISnpData    BISnpOpcode = 1
	BISnpInv     BISnpOpcode = 2
	BISnpCurBlk  BISnpOpcode = 3
	BISnpDataBlk BISnpOpcode = 4
	BISnpInvBlk  BISnpOpcode = 5
)

func (o BISnpOpcode) String() string {
	switch o {
	case BISnpCur:
		return "BISnpCur"
	case BISnpData:
		return "BISnpData"
	case BISnpInv:
		return "BISnpInv"
	case BISnpCurBlk:
		return "BISnpCurBlk"
	case BISnpDataBlk:
		return "BISnpDataBlk"
	case BISnpInvBlk:
		return "BISnpInvBlk"
	default:
		return fmt.Sprintf("BISnpOpcode(%d)", uint8(o))
	}
}

// MemReqBISnp is a device-initiated Back-Invalidate snoop request.
type MemReqBISnp struct {
	Opcode  BISnpOpcode
	Address uint64 // block-aligned
}

// RspBI is the host's response to a Back-Invalidate snoop.
type RspBI uint8

const (
	BIRspNoOp   RspBI = 0
	BIRspI      RspBI = 1
	BIRspS      RspBI = 2
	BIRspE      RspBI = 3
	BIRspIBlk   RspBI = 4
	BIRspSBlk   RspBI = 5
	BIRspEBlk   RspBI = 6
)

func (r RspBI) String() string {
	switch r {
	case BIRspNoOp:
		return "BINoOp"
	case BIRspI:
		return "BIRspI"
	case BIRspS:
		return "BIRspS"
	case BIRspE:
		return "BIRspE"
	case BIRspIBlk:
		return "BIRspIBlk"
	case BIRspSBlk:
		return "BIRspSBlk"
	case BIRspEBlk:
		return "BIRspEBlk"
	default:
		return fmt.Sprintf("RspBI(%d)", uint8(r))
	}
}

// EncodeMemReqM2S marshals a CXL.mem M2S request to wire bytes, the M2S
// header layout trimmed to the fields this core uses.
func EncodeMemReqM2S(req MemReqM2S) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint8(req.Opcode))
	binary.Write(buf, binary.LittleEndian, uint8(req.SnpType))
	binary.Write(buf, binary.LittleEndian, uint8(req.MetaField))
	binary.Write(buf, binary.LittleEndian, uint8(req.MetaValue))
	binary.Write(buf, binary.LittleEndian, req.Address&addr46Mask)
	if req.Data != nil {
		buf.Write(req.Data)
	}
	return buf.Bytes()
}

// DecodeMemReqM2S unmarshals wire bytes produced by EncodeMemReqM2S. Any
// trailing bytes beyond the fixed header are returned as Data.
func DecodeMemReqM2S(b []byte) (MemReqM2S, error) {
	const hdr = 12
	if len(b) < hdr {
		return MemReqM2S{}, fmt.Errorf("proto: short M2S request packet (%d bytes)", len(b))
	}
	req := MemReqM2S{
		Opcode:    M2SOpcode(b[0]),
		SnpType:   SnpType(b[1]),
		MetaField: MetaField(b[2]),
		MetaValue: MetaValue(b[3]),
		Address:   binary.LittleEndian.Uint64(b[4:hdr]) & addr46Mask,
	}
	if len(b) > hdr {
		req.Data = append([]byte(nil), b[hdr:]...)
	}
	return req, nil
}

// EncodeMemReqBISnp marshals a Back-Invalidate snoop request to wire
// bytes, matching the S2M_BISNP channel header shape.
func EncodeMemReqBISnp(req MemReqBISnp) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint8(req.Opcode))
	binary.Write(buf, binary.LittleEndian, req.Address&addr46Mask)
	return buf.Bytes()
}

// DecodeMemReqBISnp unmarshals wire bytes produced by EncodeMemReqBISnp.
func DecodeMemReqBISnp(b []byte) (MemReqBISnp, error) {
	if len(b) < 9 {
		return MemReqBISnp{}, fmt.Errorf("proto: short BISnp request packet (%d bytes)", len(b))
	}
	return MemReqBISnp{
		Opcode:  BISnpOpcode(b[0]),
		Address: binary.LittleEndian.Uint64(b[1:9]) & addr46Mask,
	}, nil
}
