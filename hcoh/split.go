// CXL coherence core
// https://github.com/opencxl/cxlcoh
//
// Copyright (c) The cxlcoh Authors. All Rights Reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hcoh

import "github.com/opencxl/cxlcoh/proto"

// blockAddr rounds addr down to its containing cache-block boundary.
func blockAddr(addr uint64) uint64 {
	return addr &^ (proto.BlockSize - 1)
}

// splitAccess performs an access of size bytes starting at haddr,
// splitting it into two sub-accesses when it straddles a cache-block
// boundary and concatenating the results (low part first).
func splitAccess(haddr uint64, size uint32, do func(addr uint64, sz uint32) ([]byte, error)) ([]byte, error) {
	curBlock := blockAddr(haddr)
	nextBlock := blockAddr(haddr + uint64(size) - 1)

	if curBlock == nextBlock {
		return do(haddr, size)
	}

	curSize := uint32(nextBlock - haddr)
	low, err := do(haddr, curSize)
	if err != nil {
		return nil, err
	}
	high, err := do(nextBlock, size-curSize)
	if err != nil {
		return nil, err
	}
	return append(low, high...), nil
}

// splitWrite performs a write of data starting at haddr, splitting it
// into two sub-writes when it straddles a cache-block boundary: the low
// part (shifted in from data's start) goes to the first block, the
// remainder to the next.
func splitWrite(haddr uint64, data []byte, do func(addr uint64, d []byte) error) error {
	size := uint32(len(data))
	curBlock := blockAddr(haddr)
	nextBlock := blockAddr(haddr + uint64(size) - 1)

	if curBlock == nextBlock {
		return do(haddr, data)
	}

	curSize := uint32(nextBlock - haddr)
	if err := do(haddr, data[:curSize]); err != nil {
		return err
	}
	return do(nextBlock, data[curSize:])
}
