// CXL coherence core
// https://github.com/opencxl/cxlcoh
//
// Copyright (c) The cxlcoh Authors. All Rights Reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cxl

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/opencxl/cxlcoh/bias"
	"github.com/opencxl/cxlcoh/dcoh"
	"github.com/opencxl/cxlcoh/hcoh"
	"github.com/opencxl/cxlcoh/proto"
)

// type2HostPeer adapts the link's host engine to proto.MemPeer for use as
// dcoh's peer: the device reaches the host only through Back-Invalidate
// snoops, so Access is unreachable here.
type type2HostPeer struct{ l *Type2Link }

func (p type2HostPeer) Access(proto.MemReqM2S, []byte) (proto.S2MRsp, error) {
	panic("cxl: type2 host peer does not answer Access")
}

func (p type2HostPeer) Response(req proto.MemReqBISnp) (proto.RspBI, error) {
	return p.l.h.Response(req)
}

// type2DevicePeer adapts the link's device engine to proto.MemPeer for use
// as hcoh's peer: the host reaches the device only through M2S requests, so
// Response is unreachable here.
type type2DevicePeer struct{ l *Type2Link }

func (p type2DevicePeer) Access(req proto.MemReqM2S, buf []byte) (proto.S2MRsp, error) {
	return p.l.d.Access(req, buf)
}

func (p type2DevicePeer) Response(proto.MemReqBISnp) (proto.RspBI, error) {
	panic("cxl: type2 device peer does not answer Response")
}

// Type2Link owns one host and one device coherence engine for a Type-2
// (CXL.mem with Back-Invalidate) accelerator and the mutex that serializes
// every access to either side.
type Type2Link struct {
	mu  sync.Mutex
	h   *hcoh.Type2
	d   *dcoh.Type2
	log zerolog.Logger
}

// NewType2Link builds a Type2Link. Both engines start with the default
// two-entry bias layout: region 0 HostBias, region 1 DeviceBias.
func NewType2Link(hcfg hcoh.Type2Config, dcfg dcoh.Type2Config) *Type2Link {
	l := &Type2Link{log: hcfg.Logger}
	l.d = dcoh.NewType2(dcfg, type2HostPeer{l})
	l.h = hcoh.NewType2(hcfg, type2DevicePeer{l})
	return l
}

// HostRead performs a host-initiated CPU read through the link's lock.
func (l *Type2Link) HostRead(haddr uint64, size uint32) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := l.h.Read(haddr, size)
	if err != nil {
		l.log.Error().Err(err).Uint64("haddr", haddr).Msg("type2 host read")
	}
	return data, err
}

// HostWrite performs a host-initiated CPU write through the link's lock.
func (l *Type2Link) HostWrite(haddr uint64, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.h.Write(haddr, data)
	if err != nil {
		l.log.Error().Err(err).Uint64("haddr", haddr).Msg("type2 host write")
	}
	return err
}

// HostCommand runs the six-request reclaim sequence against haddr. buf must
// be at least one cache block, since the sequence's leading MemRd returns
// line data through it.
func (l *Type2Link) HostCommand(haddr uint64, buf []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.h.Command(haddr, buf)
	if err != nil {
		l.log.Error().Err(err).Uint64("haddr", haddr).Msg("type2 host command")
	}
	return err
}

// DeviceRead performs a device-initiated read of device memory through the
// link's lock. daddr must lie in a device-biased region.
func (l *Type2Link) DeviceRead(daddr uint64, size uint32) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := l.d.Read(daddr, size)
	if err != nil {
		l.log.Error().Err(err).Uint64("daddr", daddr).Msg("type2 device read")
	}
	return data, err
}

// DeviceWrite performs a device-initiated write of device memory through
// the link's lock. daddr must lie in a device-biased region.
func (l *Type2Link) DeviceWrite(daddr uint64, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.d.Write(daddr, data)
	if err != nil {
		l.log.Error().Err(err).Uint64("daddr", daddr).Msg("type2 device write")
	}
	return err
}

// SetBias atomically flips the bias region containing addr on both sides of
// the link. A HostBias->DeviceBias flip first drains the host cache's lines
// in the region back to the device, since the device is about to become the
// region's coherence authority; the reverse flip needs no cache action
// because every device-bias host copy is already tracked by the device's
// snoop filter.
func (l *Type2Link) SetBias(addr uint64, state bias.State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	base := addr - (addr-bias.BaseAddr)%bias.EntrySize
	if state == bias.DeviceBias {
		if err := l.h.InvalidateRegion(base, bias.EntrySize); err != nil {
			l.log.Error().Err(err).Uint64("region", base).Msg("type2 bias flip drain")
			return err
		}
	}
	l.h.SetBias(addr, state)
	l.d.SetBias(addr, state)
	l.log.Debug().Uint64("region", base).Stringer("bias", state).Msg("type2 bias flip")
	return nil
}

// Host returns the link's host-side port.
func (l *Type2Link) Host() Port { return type2HostPort{l} }

// Device returns the link's device-side port.
func (l *Type2Link) Device() Port { return type2DevicePort{l} }

type type2HostPort struct{ l *Type2Link }

func (p type2HostPort) Read(addr uint64, size uint32) ([]byte, error) { return p.l.HostRead(addr, size) }
func (p type2HostPort) Write(addr uint64, data []byte) error          { return p.l.HostWrite(addr, data) }

type type2DevicePort struct{ l *Type2Link }

func (p type2DevicePort) Read(addr uint64, size uint32) ([]byte, error) {
	return p.l.DeviceRead(addr, size)
}
func (p type2DevicePort) Write(addr uint64, data []byte) error { return p.l.DeviceWrite(addr, data) }
