// CXL coherence core
// https://github.com/opencxl/cxlcoh
//
// Copyright (c) The cxlcoh Authors. All Rights Reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package proto

import "errors"

// ErrProtocol reports that a peer returned an opcode or data field
// disallowed by the current request. It is fatal to the request but
// leaves no mutated state behind (see package cache/hcoh/dcoh docs).
var ErrProtocol = errors.New("proto: protocol error")

// ErrTransport reports that the memory-backend adapter or the
// cross-agent channel itself failed (the MEMTX_ERROR class).
var ErrTransport = errors.New("proto: transport error")

// CachePeer is the adapter a Type-1 engine uses to reach its coherence
// counterpart.
//
// Access issues a host-initiated snoop (H2DReq) to the device peer. buf
// is the BlockSize cache-line buffer: on a *FwdM response the device has
// written the forwarded modified line into buf.
//
// Response delivers a device-initiated request (D2HReq) to the host
// peer. buf is the BlockSize cache-line buffer: for read-class requests
// the host writes response data into buf; for write-pull-class requests
// the caller has already written its data into buf before calling.
type CachePeer interface {
	Access(req CacheReqH2D, buf []byte) (D2HRsp, error)
	Response(req CacheReqD2H, buf []byte) (H2DRsp, error)
}

// MemPeer is the adapter a Type-2 engine uses to reach its coherence
// counterpart. Access carries a host-initiated M2S request to the device
// and returns the device's S2M response, using buf the same way
// CachePeer.Access does. Response carries a device-initiated
// Back-Invalidate snoop to the host and returns the host's BI response;
// Back-Invalidate never moves cache-line data, only state.
type MemPeer interface {
	Access(req MemReqM2S, buf []byte) (S2MRsp, error)
	Response(req MemReqBISnp) (RspBI, error)
}

// DeviceMem is the direct byte-addressed path from the Type-1 HCOH to the
// device's memory backend, bypassing the device cache entirely. A full
// platform would route the host-physical address through its HPA->DPA
// decoder first; that decoder is out of scope here, so addr reaches the
// device's memory-backend region directly.
type DeviceMem interface {
	Read(addr uint64, buf []byte) error
	Write(addr uint64, buf []byte) error
}
