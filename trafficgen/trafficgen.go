// CXL coherence core
// https://github.com/opencxl/cxlcoh
//
// Copyright (c) The cxlcoh Authors. All Rights Reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package trafficgen implements the background load drivers that hammer
// one side of a coherence link with pseudo-random reads and writes.
// Generators stress the coherence engines; they are not part of the
// coherence invariants themselves.
package trafficgen

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/opencxl/cxlcoh/proto"
)

// Target is one side of a link as seen by a generator. cxl.Port satisfies
// it.
type Target interface {
	Read(addr uint64, size uint32) ([]byte, error)
	Write(addr uint64, data []byte) error
}

// Config fixes a generator's address region, workload length, and pacing.
type Config struct {
	Base   uint64 // first address of the region; block-aligned
	Size   uint64 // region span in bytes; a multiple of proto.BlockSize
	Ops    int    // accesses to issue before returning
	Seed   int64
	Delay  time.Duration // startup delay before the first access
	Logger zerolog.Logger
}

// Generator issues Config.Ops pseudo-random accesses against its Target:
// read or write, a block-aligned address in [Base, Base+Size), and a size
// in [1, 8] bytes.
type Generator struct {
	cfg Config
	tgt Target
}

// New builds a Generator over tgt.
func New(cfg Config, tgt Target) *Generator {
	if cfg.Size%proto.BlockSize != 0 || cfg.Size == 0 {
		panic(fmt.Sprintf("trafficgen: region size %#x is not a multiple of the block size", cfg.Size))
	}
	return &Generator{cfg: cfg, tgt: tgt}
}

// Run drives the workload to completion, stopping early on ctx
// cancellation or the first failed access.
func (g *Generator) Run(ctx context.Context) error {
	if g.cfg.Delay > 0 {
		select {
		case <-time.After(g.cfg.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	rng := rand.New(rand.NewSource(g.cfg.Seed))
	blocks := int64(g.cfg.Size / proto.BlockSize)

	for i := 0; i < g.cfg.Ops; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		addr := g.cfg.Base + uint64(rng.Int63n(blocks))*proto.BlockSize
		size := uint32(rng.Intn(8)) + 1

		if rng.Intn(2) == 0 {
			if _, err := g.tgt.Read(addr, size); err != nil {
				return fmt.Errorf("trafficgen: read %#x size %d: %w", addr, size, err)
			}
		} else {
			data := make([]byte, size)
			rng.Read(data)
			if err := g.tgt.Write(addr, data); err != nil {
				return fmt.Errorf("trafficgen: write %#x size %d: %w", addr, size, err)
			}
		}
	}

	g.cfg.Logger.Debug().Int("ops", g.cfg.Ops).Uint64("base", g.cfg.Base).Msg("traffic generator done")
	return nil
}

// Run runs every generator concurrently and returns the first error; the
// remaining generators are cancelled when one fails.
func Run(ctx context.Context, gens ...*Generator) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, g := range gens {
		g := g
		eg.Go(func() error { return g.Run(ctx) })
	}
	return eg.Wait()
}
