// CXL coherence core
// https://github.com/opencxl/cxlcoh
//
// Copyright (c) The cxlcoh Authors. All Rights Reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bias implements the Type-2 host-managed device coherency (HDM-D)
// bias table: the per-region record of whether a CXL.mem address is
// currently HostBias (the host's own cache participates in coherence for
// it) or DeviceBias (the device owns coherence and the host must route
// through Back-Invalidate).
package bias

import "fmt"

// State is a bias-table entry's value.
type State uint8

const (
	HostBias State = iota
	DeviceBias
)

func (s State) String() string {
	switch s {
	case HostBias:
		return "HostBias"
	case DeviceBias:
		return "DeviceBias"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// BaseAddr is the base of the CXL Fixed Memory Window the bias table
// covers (CFMWS_BASE_ADDR).
const BaseAddr = 0x4_9000_0000

// EntrySize is the span of address space one bias-table entry covers
// (128 MiB).
const EntrySize = 0x800_0000

// Table is a host or device bias table. Both sides of a Type-2 link keep
// their own Table instance over the identical address range; SetBias must
// be applied to both to keep them in agreement (see cxl/type2.go).
type Table struct {
	entries []State
}

// New builds a Table with numEntries entries, all HostBias.
func New(numEntries int) *Table {
	return &Table{entries: make([]State, numEntries)}
}

// index maps addr to a bias-table slot: (addr - BaseAddr) / EntrySize.
func (t *Table) index(addr uint64) int {
	return int((addr - BaseAddr) / EntrySize)
}

// Lookup returns the bias state that governs addr.
func (t *Table) Lookup(addr uint64) State {
	return t.entries[t.index(addr)]
}

// Set installs state for the region containing addr. Callers that flip a
// region from DeviceBias to HostBias must first flush the device cache's
// dirty lines in that region, which this package leaves to the caller since
// it owns no cache itself.
func (t *Table) Set(addr uint64, state State) {
	t.entries[t.index(addr)] = state
}
