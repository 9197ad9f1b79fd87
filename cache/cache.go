// CXL coherence core
// https://github.com/opencxl/cxlcoh
//
// Copyright (c) The cxlcoh Authors. All Rights Reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cache implements the set-associative MESI cache shared by the
// host and device coherence engines. Both sides use the same geometry and
// replacement policy and differ only in a snoop-filter bit carried by the
// device's cache lines, so they share one generic type with an optional
// per-block flag any caller may use.
package cache

import "fmt"

// State is a MESI cache-line state.
type State uint8

const (
	Invalid State = iota
	Shared
	Exclusive
	Modified
)

func (s State) String() string {
	switch s {
	case Invalid:
		return "Invalid"
	case Shared:
		return "Shared"
	case Exclusive:
		return "Exclusive"
	case Modified:
		return "Modified"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Block is one cache line: a tag, a MESI state, a data buffer, and a
// snoop-filter bit (unused and always false for a host-side cache).
type Block struct {
	Tag   uint64
	State State
	Data  []byte
	SF    bool
}

type set struct {
	blocks   []Block
	priority []uint64
	counter  uint64
}

// Config fixes the geometry of a Cache: BlockBits is the block-offset width
// (log2 of the line size), SetBits the number of sets (log2), and Assoc the
// associativity (lines per set). Both the host and device caches default to
// BlockBits=6 (64B lines), SetBits=3 (8 sets), Assoc=4.
type Config struct {
	BlockBits uint
	SetBits   uint
	Assoc     uint
}

// Cache is a generic set-associative MESI cache.
type Cache struct {
	cfg      Config
	sets     []set
	blockLen int

	blkMask uint64
	setMask uint64
	tagMask uint64
}

// New builds a Cache from cfg. Every block's data buffer is pre-allocated
// to the configured line size.
func New(cfg Config) *Cache {
	blockLen := 1 << cfg.BlockBits
	numSets := 1 << cfg.SetBits

	c := &Cache{
		cfg:      cfg,
		sets:     make([]set, numSets),
		blockLen: blockLen,
	}
	c.blkMask = uint64(blockLen) - 1
	c.setMask = (uint64(numSets) - 1) << cfg.BlockBits
	c.tagMask = ^(c.setMask | c.blkMask)

	for i := range c.sets {
		c.sets[i].blocks = make([]Block, cfg.Assoc)
		c.sets[i].priority = make([]uint64, cfg.Assoc)
		for b := range c.sets[i].blocks {
			c.sets[i].blocks[b].Data = make([]byte, blockLen)
		}
	}
	return c
}

// BlockSize returns the configured line size in bytes.
func (c *Cache) BlockSize() int { return c.blockLen }

// ExtractTag returns the tag portion of addr.
func (c *Cache) ExtractTag(addr uint64) uint64 {
	return (addr & c.tagMask) >> (c.cfg.SetBits + c.cfg.BlockBits)
}

// ExtractSet returns the set index addr maps to.
func (c *Cache) ExtractSet(addr uint64) uint64 {
	return (addr & c.setMask) >> c.cfg.BlockBits
}

// AssembleAddr reconstructs the block-aligned address of set/blk, or false
// if the block is Invalid.
func (c *Cache) AssembleAddr(set, blk uint64) (uint64, bool) {
	b := &c.sets[set].blocks[blk]
	if b.State == Invalid {
		return 0, false
	}
	return b.Tag<<(c.cfg.SetBits+c.cfg.BlockBits) | set<<c.cfg.BlockBits, true
}

// FindValid returns the index of the valid block in set tagged tag, or
// false if no such block exists.
func (c *Cache) FindValid(tag, set uint64) (uint64, bool) {
	for i, b := range c.sets[set].blocks {
		if b.Tag == tag && b.State != Invalid {
			return uint64(i), true
		}
	}
	return 0, false
}

// FindInvalid returns the index of the first Invalid block in set, or false
// if the set is full.
func (c *Cache) FindInvalid(set uint64) (uint64, bool) {
	for i, b := range c.sets[set].blocks {
		if b.State == Invalid {
			return uint64(i), true
		}
	}
	return 0, false
}

// FindVictim returns the index of the lowest-priority (least recently
// touched) block in set, the pseudo-LRU replacement candidate. Ties break
// toward the lowest index.
func (c *Cache) FindVictim(set uint64) uint64 {
	s := &c.sets[set]
	minIdx := uint64(0)
	minPriority := s.priority[0]
	for i := uint64(1); i < uint64(len(s.priority)); i++ {
		if s.priority[i] < minPriority {
			minPriority = s.priority[i]
			minIdx = i
		}
	}
	return minIdx
}

// Block returns a pointer to set/blk for direct state/data inspection.
func (c *Cache) Block(set, blk uint64) *Block {
	return &c.sets[set].blocks[blk]
}

// SetState installs tag and state into set/blk. Touching a non-Invalid
// state bumps the
// block's replacement priority; invalidating a block never does, so the block
// keeps its old priority. FindVictim does not look at state: a freshly
// invalidated line is found through FindInvalid, not FindVictim.
func (c *Cache) SetState(tag, set, blk uint64, state State) {
	s := &c.sets[set]
	s.blocks[blk].Tag = tag
	s.blocks[blk].State = state
	if state != Invalid {
		c.touch(set, blk)
	}
}

// SetSF installs the snoop-filter bit on set/blk.
func (c *Cache) SetSF(set, blk uint64, sf bool) {
	c.sets[set].blocks[blk].SF = sf
}

// Invalidate walks every valid block and, for each whose assembled address
// satisfies pred, calls writeback (if non-nil) with its current data before
// marking it Invalid. Used by a Type-2 bias flip to drain a region's host
// lines back to the device that is about to become the bias authority for
// it.
func (c *Cache) Invalidate(pred func(addr uint64) bool, writeback func(addr uint64, data []byte) error) error {
	for set := range c.sets {
		for blk := range c.sets[set].blocks {
			b := &c.sets[set].blocks[blk]
			if b.State == Invalid {
				continue
			}
			addr, ok := c.AssembleAddr(uint64(set), uint64(blk))
			if !ok || !pred(addr) {
				continue
			}
			if writeback != nil {
				if err := writeback(addr, b.Data); err != nil {
					return err
				}
			}
			b.State = Invalid
		}
	}
	return nil
}

func (c *Cache) touch(set, blk uint64) {
	s := &c.sets[set]
	s.priority[blk] = s.counter
	s.counter++
}

// Read copies size bytes at addr's offset within set/blk into dst and bumps
// the block's replacement priority. It does not change the block's MESI
// state.
func (c *Cache) Read(addr, set, blk uint64, dst []byte) {
	offset := addr & c.blkMask
	copy(dst, c.sets[set].blocks[blk].Data[offset:])
	c.touch(set, blk)
}

// Write copies src into addr's offset within set/blk, transitions the block
// to Modified, and bumps its replacement priority.
func (c *Cache) Write(addr, set, blk uint64, src []byte) {
	offset := addr & c.blkMask
	copy(c.sets[set].blocks[blk].Data[offset:], src)
	c.sets[set].blocks[blk].State = Modified
	c.touch(set, blk)
}
