// CXL coherence core
// https://github.com/opencxl/cxlcoh
//
// Copyright (c) The cxlcoh Authors. All Rights Reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cxl wires one hcoh engine and one dcoh engine together into a
// link: a device-type-scoped pair sharing the single lock that serializes
// every request/response round trip between them. It is
// the only package that constructs hcoh/dcoh engines, since only here do
// both halves of a Peer exist to hand each other.
package cxl

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/opencxl/cxlcoh/dcoh"
	"github.com/opencxl/cxlcoh/hcoh"
	"github.com/opencxl/cxlcoh/proto"
)

// Port is a side-scoped read/write view of a link: the host or device half
// of its coherent access API, locked per call. Traffic generators drive a
// link through its ports.
type Port interface {
	Read(addr uint64, size uint32) ([]byte, error)
	Write(addr uint64, data []byte) error
}

// type1HostPeer adapts the link's host engine to proto.CachePeer for use as
// dcoh's peer. It resolves the engine through the link so it can be handed
// to dcoh.NewType1 before the host engine exists. A Type-1 host never
// receives a host-initiated snoop (it issues them), so Access is
// unreachable here.
type type1HostPeer struct{ l *Type1Link }

func (p type1HostPeer) Access(proto.CacheReqH2D, []byte) (proto.D2HRsp, error) {
	panic("cxl: type1 host peer does not answer Access")
}

func (p type1HostPeer) Response(req proto.CacheReqD2H, buf []byte) (proto.H2DRsp, error) {
	return p.l.h.Response(req, buf)
}

// type1DevicePeer adapts the link's device engine to proto.CachePeer for
// use as hcoh's peer. A Type-1 device never receives a device-initiated
// request (it issues them), so Response is unreachable here.
type type1DevicePeer struct{ l *Type1Link }

func (p type1DevicePeer) Access(req proto.CacheReqH2D, buf []byte) (proto.D2HRsp, error) {
	return p.l.d.Access(req, buf)
}

func (p type1DevicePeer) Response(proto.CacheReqD2H, []byte) (proto.H2DRsp, error) {
	panic("cxl: type1 device peer does not answer Response")
}

// Type1Link owns one host and one device coherence engine for a Type-1
// (CXL.cache) accelerator and the mutex that serializes every access to
// either side: one lock per device type covers both agents.
type Type1Link struct {
	mu  sync.Mutex
	h   *hcoh.Type1
	d   *dcoh.Type1
	log zerolog.Logger
}

// NewType1Link builds a Type1Link. hcfg/dcfg fix the host and device
// cache geometry and memory size; hcoh.DefaultType1Config and
// dcoh.DefaultType1Config give the standard 8-set, 4-way, 64B caches.
func NewType1Link(hcfg hcoh.Type1Config, dcfg dcoh.Type1Config) *Type1Link {
	l := &Type1Link{log: hcfg.Logger}
	l.d = dcoh.NewType1(dcfg, type1HostPeer{l})
	l.h = hcoh.NewType1(hcfg, type1DevicePeer{l}, l.d.Mem())
	return l
}

// HostRead performs a host-initiated CPU read through the link's lock.
func (l *Type1Link) HostRead(haddr uint64, size uint32) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := l.h.Read(haddr, size)
	if err != nil {
		l.log.Error().Err(err).Uint64("haddr", haddr).Msg("type1 host read")
	}
	return data, err
}

// HostWrite performs a host-initiated CPU write through the link's lock.
func (l *Type1Link) HostWrite(haddr uint64, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.h.Write(haddr, data)
	if err != nil {
		l.log.Error().Err(err).Uint64("haddr", haddr).Msg("type1 host write")
	}
	return err
}

// DeviceRead performs a device-initiated CPU read through the link's lock.
func (l *Type1Link) DeviceRead(daddr uint64, size uint32) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := l.d.Read(daddr, size)
	if err != nil {
		l.log.Error().Err(err).Uint64("daddr", daddr).Msg("type1 device read")
	}
	return data, err
}

// DeviceWrite performs a device-initiated CPU write through the link's
// lock.
func (l *Type1Link) DeviceWrite(daddr uint64, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.d.Write(daddr, data)
	if err != nil {
		l.log.Error().Err(err).Uint64("daddr", daddr).Msg("type1 device write")
	}
	return err
}

// Host returns the link's host-side port.
func (l *Type1Link) Host() Port { return type1HostPort{l} }

// Device returns the link's device-side port.
func (l *Type1Link) Device() Port { return type1DevicePort{l} }

type type1HostPort struct{ l *Type1Link }

func (p type1HostPort) Read(addr uint64, size uint32) ([]byte, error) { return p.l.HostRead(addr, size) }
func (p type1HostPort) Write(addr uint64, data []byte) error          { return p.l.HostWrite(addr, data) }

type type1DevicePort struct{ l *Type1Link }

func (p type1DevicePort) Read(addr uint64, size uint32) ([]byte, error) {
	return p.l.DeviceRead(addr, size)
}
func (p type1DevicePort) Write(addr uint64, data []byte) error { return p.l.DeviceWrite(addr, data) }
