// CXL coherence core
// https://github.com/opencxl/cxlcoh
//
// Copyright (c) The cxlcoh Authors. All Rights Reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package snoop implements the device-side Back-Invalidate snoop filter:
// the set of block addresses the device coherence engine must track because
// the device's completion response to the host for them was something other
// than a plain CMP. The filter is addressed by block address, never by line contents.
package snoop

// Filter records which block addresses require a Back-Invalidate snoop
// before the device can reclaim or repurpose them. The zero value is an
// empty filter, ready to use.
type Filter struct {
	addrs map[uint64]struct{}
}

// Mark adds addr to the filter (insertion on a non-CMP M2S response).
func (f *Filter) Mark(addr uint64) {
	if f.addrs == nil {
		f.addrs = make(map[uint64]struct{})
	}
	f.addrs[addr] = struct{}{}
}

// Clear removes addr from the filter (removal on a plain CMP response).
func (f *Filter) Clear(addr uint64) {
	delete(f.addrs, addr)
}

// Tracked reports whether addr is currently marked.
func (f *Filter) Tracked(addr uint64) bool {
	_, ok := f.addrs[addr]
	return ok
}
