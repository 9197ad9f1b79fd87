// CXL coherence core
// https://github.com/opencxl/cxlcoh
//
// Copyright (c) The cxlcoh Authors. All Rights Reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package proto defines the CXL.cache and CXL.mem wire opcodes, request
// and response header layouts, and their binary encoding.
package proto

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// BlockSize is the CXL coherence granule: every cache line, snoop, and
// memory-backend access in this core is exactly one block.
const BlockSize = 64

// D2HReq is a device-to-host CXL.cache request opcode.
type D2HReq uint8

const (
	D2HReqRdCurr            D2HReq = 1
	D2HReqRdOwn             D2HReq = 2
	D2HReqRdShared          D2HReq = 3
	D2HReqRdAny             D2HReq = 4
	D2HReqRdOwnNoData       D2HReq = 5
	D2HReqItoMWr            D2HReq = 6
	D2HReqWrCur             D2HReq = 7
	D2HReqCLFlush           D2HReq = 8
	D2HReqCleanEvict        D2HReq = 9
	D2HReqDirtyEvict        D2HReq = 10
	D2HReqCleanEvictNoData  D2HReq = 11
	D2HReqWOWrInv           D2HReq = 12
	D2HReqWOWrInvF          D2HReq = 13
	D2HReqWrInv             D2HReq = 14
	D2HReqCacheFlushed      D2HReq = 15
)

func (o D2HReq) String() string {
	switch o {
	case D2HReqRdCurr:
		return "RdCurr"
	case D2HReqRdOwn:
		return "RdOwn"
	case D2HReqRdShared:
		return "RdShared"
	case D2HReqRdAny:
		return "RdAny"
	case D2HReqRdOwnNoData:
		return "RdOwnNoData"
	case D2HReqItoMWr:
		return "ItoMWr"
	case D2HReqWrCur:
		return "WrCur"
	case D2HReqCLFlush:
		return "CLFlush"
	case D2HReqCleanEvict:
		return "CleanEvict"
	case D2HReqDirtyEvict:
		return "DirtyEvict"
	case D2HReqCleanEvictNoData:
		return "CleanEvictNoData"
	case D2HReqWOWrInv:
		return "WOWrInv"
	case D2HReqWOWrInvF:
		return "WOWrInvF"
	case D2HReqWrInv:
		return "WrInv"
	case D2HReqCacheFlushed:
		return "CacheFlushed"
	default:
		return fmt.Sprintf("D2HReq(%d)", uint8(o))
	}
}

// H2DReq is a host-to-device CXL.cache snoop opcode.
type H2DReq uint8

const (
	H2DReqSnpData H2DReq = 1
	H2DReqSnpInv  H2DReq = 2
	H2DReqSnpCur  H2DReq = 3
)

func (o H2DReq) String() string {
	switch o {
	case H2DReqSnpData:
		return "SnpData"
	case H2DReqSnpInv:
		return "SnpInv"
	case H2DReqSnpCur:
		return "SnpCur"
	default:
		return fmt.Sprintf("H2DReq(%d)", uint8(o))
	}
}

// D2HRsp is the device's response to an H2D snoop.
type D2HRsp uint8

const (
	D2HRspIHitI  D2HRsp = 0b00100
	D2HRspVHitV  D2HRsp = 0b00110
	D2HRspIHitSE D2HRsp = 0b00101
	D2HRspSHitSE D2HRsp = 0b00001
	D2HRspSFwdM  D2HRsp = 0b00111
	D2HRspIFwdM  D2HRsp = 0b01111
	D2HRspVFwdV  D2HRsp = 0b10110

	// D2HRspError is a synthetic sentinel for a transport-class failure
	// signaled between Go calls; it never appears on the wire.
	D2HRspError D2HRsp = 0xff
)

func (r D2HRsp) String() string {
	switch r {
	case D2HRspIHitI:
		return "RspIHitI"
	case D2HRspVHitV:
		return "RspVHitV"
	case D2HRspIHitSE:
		return "RspIHitSE"
	case D2HRspSHitSE:
		return "RspSHitSE"
	case D2HRspSFwdM:
		return "RspSFwdM"
	case D2HRspIFwdM:
		return "RspIFwdM"
	case D2HRspVFwdV:
		return "RspVFwdV"
	case D2HRspError:
		return "RspError"
	default:
		return fmt.Sprintf("D2HRsp(%#02b)", uint8(r))
	}
}

// H2DRspOpcode is the opcode half of an H2D cache response.
type H2DRspOpcode uint8

const (
	H2DRspOpWritePull        H2DRspOpcode = 0b0001
	H2DRspOpGO               H2DRspOpcode = 0b0100
	H2DRspOpGOWritePull      H2DRspOpcode = 0b0101
	H2DRspOpExtCmp           H2DRspOpcode = 0b0110
	H2DRspOpGOWritePullDrop  H2DRspOpcode = 0b1000
	H2DRspOpFastGOWritePull  H2DRspOpcode = 0b1101
	H2DRspOpGOErrWritePull   H2DRspOpcode = 0b1111
)

// H2DRspData is the data/state half of an H2D cache response carried in
// the rsp_data field (reuses the line-state wire encoding).
type H2DRspData uint8

const (
	H2DRspDataInvalid   H2DRspData = 0b0011
	H2DRspDataShared    H2DRspData = 0b0001
	H2DRspDataExclusive H2DRspData = 0b0010
	H2DRspDataModified  H2DRspData = 0b0110
	H2DRspDataError     H2DRspData = 0b0100
)

// H2DRsp is a host-to-device CXL.cache response.
type H2DRsp struct {
	Opcode H2DRspOpcode
	Data   H2DRspData
}

// CacheReqD2H is a device-initiated CXL.cache request (D2H).
type CacheReqD2H struct {
	Opcode  D2HReq
	Address uint64 // block-aligned
}

// CacheReqH2D is a host-initiated CXL.cache snoop request (H2D).
type CacheReqH2D struct {
	Opcode  H2DReq
	Address uint64 // block-aligned
}

// EncodeCacheReqH2D marshals a host snoop request to wire bytes, matching
// the H2D request header field widths (opcode:3, addr:46).
func EncodeCacheReqH2D(req CacheReqH2D) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint8(req.Opcode))
	binary.Write(buf, binary.LittleEndian, req.Address&addr46Mask)
	return buf.Bytes()
}

// DecodeCacheReqH2D unmarshals wire bytes produced by EncodeCacheReqH2D.
func DecodeCacheReqH2D(b []byte) (CacheReqH2D, error) {
	if len(b) < 9 {
		return CacheReqH2D{}, fmt.Errorf("proto: short H2D request packet (%d bytes)", len(b))
	}
	return CacheReqH2D{
		Opcode:  H2DReq(b[0]),
		Address: binary.LittleEndian.Uint64(b[1:9]) & addr46Mask,
	}, nil
}

// EncodeCacheReqD2H marshals a device request to wire bytes, matching the
// D2H request header field widths (opcode:5, addr:46).
func EncodeCacheReqD2H(req CacheReqD2H) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint8(req.Opcode))
	binary.Write(buf, binary.LittleEndian, req.Address&addr46Mask)
	return buf.Bytes()
}

// DecodeCacheReqD2H unmarshals wire bytes produced by EncodeCacheReqD2H.
func DecodeCacheReqD2H(b []byte) (CacheReqD2H, error) {
	if len(b) < 9 {
		return CacheReqD2H{}, fmt.Errorf("proto: short D2H request packet (%d bytes)", len(b))
	}
	return CacheReqD2H{
		Opcode:  D2HReq(b[0]),
		Address: binary.LittleEndian.Uint64(b[1:9]) & addr46Mask,
	}, nil
}

// addr46Mask matches the 46-bit address field carried by every CXL.cache
// and CXL.mem header.
const addr46Mask = (uint64(1) << 46) - 1
