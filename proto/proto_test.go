// CXL coherence core
// https://github.com/opencxl/cxlcoh
//
// Copyright (c) The cxlcoh Authors. All Rights Reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package proto

import "testing"

func TestCacheReqH2DRoundTrip(t *testing.T) {
	req := CacheReqH2D{Opcode: H2DReqSnpInv, Address: 0x4_9000_1000}

	got, err := DecodeCacheReqH2D(EncodeCacheReqH2D(req))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != req {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, req)
	}
}

func TestCacheReqD2HRoundTrip(t *testing.T) {
	req := CacheReqD2H{Opcode: D2HReqRdOwn, Address: 0x4_9000_2000}

	got, err := DecodeCacheReqD2H(EncodeCacheReqD2H(req))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != req {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, req)
	}
}

func TestMemReqM2SRoundTrip(t *testing.T) {
	cases := []MemReqM2S{
		{Opcode: M2SOpMemRd, SnpType: SnpData, MetaField: MetaFieldMeta0State, MetaValue: MetaValueShared, Address: 0x4_9800_0000},
		{Opcode: M2SOpMemWr, SnpType: SnpNoOp, MetaField: MetaFieldNoOp, MetaValue: MetaValueAny, Address: 0x4_9800_0040, Data: bytes64(0xAB)},
	}

	for _, req := range cases {
		got, err := DecodeMemReqM2S(EncodeMemReqM2S(req))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Opcode != req.Opcode || got.SnpType != req.SnpType ||
			got.MetaField != req.MetaField || got.MetaValue != req.MetaValue ||
			got.Address != req.Address {
			t.Fatalf("round trip header mismatch: got %+v, want %+v", got, req)
		}
		if string(got.Data) != string(req.Data) {
			t.Fatalf("round trip data mismatch: got %x, want %x", got.Data, req.Data)
		}
	}
}

func TestMemReqBISnpRoundTrip(t *testing.T) {
	req := MemReqBISnp{Opcode: BISnpInv, Address: 0x4_9800_0080}

	got, err := DecodeMemReqBISnp(EncodeMemReqBISnp(req))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != req {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, req)
	}
}

func TestAddressIsMaskedTo46Bits(t *testing.T) {
	req := CacheReqH2D{Opcode: H2DReqSnpData, Address: ^uint64(0)}
	got, err := DecodeCacheReqH2D(EncodeCacheReqH2D(req))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Address != addr46Mask {
		t.Fatalf("expected address masked to 46 bits, got %#x", got.Address)
	}
}

// The CXL.mem enumerations are a wire contract; their integer values must
// not drift.
func TestMemWireValues(t *testing.T) {
	cases := []struct {
		name string
		got  uint8
		want uint8
	}{
		{"MemInv", uint8(M2SOpMemInv), 0},
		{"MemRd", uint8(M2SOpMemRd), 1},
		{"MemRdData", uint8(M2SOpMemRdData), 2},
		{"MemRdFwd", uint8(M2SOpMemRdFwd), 3},
		{"MemWrFwd", uint8(M2SOpMemWrFwd), 4},
		{"MemSpecRd", uint8(M2SOpMemSpecRd), 5},
		{"MemInvNT", uint8(M2SOpMemInvNT), 6},
		{"MemClnEvct", uint8(M2SOpMemClnEvct), 7},
		{"MemWr", uint8(M2SOpMemWr), 8},
		{"MemWrPtl", uint8(M2SOpMemWrPtl), 9},
		{"BIConflict", uint8(M2SOpBIConflict), 10},
		{"SnpNoOp", uint8(SnpNoOp), 0},
		{"SnpData", uint8(SnpData), 1},
		{"SnpCur", uint8(SnpCur), 2},
		{"SnpInv", uint8(SnpInv), 3},
		{"Meta0State", uint8(MetaFieldMeta0State), 0},
		{"MetaFieldNoOp", uint8(MetaFieldNoOp), 1},
		{"MVInvalid", uint8(MetaValueInvalid), 0},
		{"MVAny", uint8(MetaValueAny), 1},
		{"MVShared", uint8(MetaValueShared), 2},
		{"CMP", uint8(S2MRspCMP), 0},
		{"CMP_SHARED", uint8(S2MRspCMPShared), 1},
		{"CMP_EXCLUSIVE", uint8(S2MRspCMPExclusive), 2},
		{"BI_ConflictAck", uint8(S2MRspBIConflictAck), 3},
		{"CMP_ERROR", uint8(S2MRspCMPError), 4},
		{"BISnpCur", uint8(BISnpCur), 0},
		{"BISnpData", uint8(BISnpData), 1},
		{"BISnpInv", uint8(BISnpInv), 2},
		{"BISnpCurBlk", uint8(BISnpCurBlk), 3},
		{"BISnpDataBlk", uint8(BISnpDataBlk), 4},
		{"BISnpInvBlk", uint8(BISnpInvBlk), 5},
		{"BIRspNoOp", uint8(BIRspNoOp), 0},
		{"BIRspI", uint8(BIRspI), 1},
		{"BIRspS", uint8(BIRspS), 2},
		{"BIRspE", uint8(BIRspE), 3},
		{"BIRspIBlk", uint8(BIRspIBlk), 4},
		{"BIRspSBlk", uint8(BIRspSBlk), 5},
		{"BIRspEBlk", uint8(BIRspEBlk), 6},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s = %d, want %d", tc.name, tc.got, tc.want)
		}
	}
}

func bytes64(fill byte) []byte {
	b := make([]byte, BlockSize)
	for i := range b {
		b[i] = fill
	}
	return b
}
