// CXL coherence core
// https://github.com/opencxl/cxlcoh
//
// Copyright (c) The cxlcoh Authors. All Rights Reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package membackend provides the byte-addressed backing store a device
// coherence engine falls back to on a cache miss.
package membackend

import (
	"fmt"

	"github.com/opencxl/cxlcoh/proto"
)

// Backend is byte-addressed device memory. A single Backend backs one
// device's full address range. Read and Write reject out-of-range accesses
// with proto.ErrTransport; alignment is the caller's responsibility (this
// core only ever issues BlockSize-aligned accesses).
type Backend struct {
	mem []byte
}

// New allocates a Backend of size bytes, zero-filled.
func New(size int) *Backend {
	return &Backend{mem: make([]byte, size)}
}

// Read copies len(buf) bytes starting at addr into buf. It returns
// proto.ErrTransport, wrapped with the offending range, if the access falls
// outside the backend.
func (b *Backend) Read(addr uint64, buf []byte) error {
	if addr+uint64(len(buf)) > uint64(len(b.mem)) {
		return fmt.Errorf("membackend: read [%#x,%#x) out of range: %w", addr, addr+uint64(len(buf)), proto.ErrTransport)
	}
	copy(buf, b.mem[addr:])
	return nil
}

// Write copies buf into the backend starting at addr.
func (b *Backend) Write(addr uint64, buf []byte) error {
	if addr+uint64(len(buf)) > uint64(len(b.mem)) {
		return fmt.Errorf("membackend: write [%#x,%#x) out of range: %w", addr, addr+uint64(len(buf)), proto.ErrTransport)
	}
	copy(b.mem[addr:], buf)
	return nil
}

// Size returns the backend's capacity in bytes.
func (b *Backend) Size() int { return len(b.mem) }
