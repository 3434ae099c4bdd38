// Copyright 2024 The CoreDB Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tuplestream is the reference implementation of the buffered
// tuple stream the join core consumes through an interface (spec §6):
// an append-only, optionally-pinned sequence of rows backed by pages
// from a blockmgr.BlockManager, restartable for a forward read pass
// once unpinned. It mirrors the reference engine's
// hashRowContainer.PutChunk / GetChunk / GetRow trio, generalized from
// chunks of a fixed schema to blockmgr.Block pages of rowtypes.Row.
package tuplestream

import (
	"github.com/pingcap/errors"

	"github.com/coredb/hashjoin/blockmgr"
	"github.com/coredb/hashjoin/rowtypes"
)

// ErrNotWritable is returned by AddRow once PrepareForRead has started a
// read pass. Unpin alone does not end the write phase.
var ErrNotWritable = errors.New("tuplestream: stream is not writable")

const rowsPerBlock = 256

// Stream is a TupleStream: append-only until a read pass begins with
// PrepareForRead, forward-readable after that. A stream may be unpinned
// (spilled) one or more times while rows are still being appended to
// it — each unpin only flushes the blocks written so far, and further
// AddRow calls simply open a fresh pinned block rather than reusing one
// that has already been flushed.
type Stream struct {
	bm      blockmgr.BlockManager
	blocks  []*blockmgr.Block
	reading bool
	spilled bool

	// unpinnedBytes accumulates the byte size each block held at the
	// moment it was unpinned, since Unpin zeroes a block's own Bytes().
	unpinnedBytes int64

	// read cursor, valid after PrepareForRead
	blockIdx int
	rowIdx   int
}

// New creates an empty, writable tuple stream backed by bm.
func New(bm blockmgr.BlockManager) *Stream {
	return &Stream{bm: bm}
}

// NumRows returns the total row count across all blocks currently
// pinned. Rows already flushed to scratch by Unpin are not recounted
// here (the caller tracks a partition's row count separately if it
// needs the total across spills). The spill policy compares Bytes, which
// counts the same pinned blocks in bytes rather than rows.
func (s *Stream) NumRows() int {
	n := 0
	for _, b := range s.blocks {
		if b.Pinned() {
			n += b.NumRows()
		}
	}
	return n
}

// IsSpilled reports whether the stream has been unpinned to scratch at
// least once.
func (s *Stream) IsSpilled() bool { return s.spilled }

// Bytes returns the stream's current in-memory footprint: the sum of
// every currently-pinned block's byte count. Mirrors NumRows in only
// counting what is resident right now, not what has ever passed through
// the stream.
func (s *Stream) Bytes() int64 {
	var n int64
	for _, b := range s.blocks {
		if b.Pinned() {
			n += b.Bytes()
		}
	}
	return n
}

// EstimatedBytes returns the stream's full footprint across its entire
// history, pinned or not: currently-pinned bytes plus whatever every
// since-unpinned block held right before it was flushed. Unlike Bytes,
// which only ever answers "what's resident right now" for the spill
// policy, this is what the stream would cost if every block it has ever
// held were pinned at once — the quantity a decision to attempt building
// a hash table over the whole stream needs, since Unpin doesn't shrink
// the true build side, only its current memory footprint.
func (s *Stream) EstimatedBytes() int64 {
	return s.unpinnedBytes + s.Bytes()
}

// AddRow appends a row to the stream (spec §6 add_row). Returns
// blockmgr.ErrNeedsSpill if the shared budget is exhausted; the caller
// must free memory (Spill policy) and retry the same row. Safe to call
// after a previous Unpin: a fresh pinned block is opened for it.
func (s *Stream) AddRow(r rowtypes.Row) error {
	if s.reading {
		return ErrNotWritable
	}
	if len(s.blocks) == 0 || !s.blocks[len(s.blocks)-1].Pinned() || s.blocks[len(s.blocks)-1].NumRows() >= rowsPerBlock {
		b, err := s.bm.NewBlock(true)
		if err != nil {
			return errors.Trace(err)
		}
		s.blocks = append(s.blocks, b)
	}
	last := s.blocks[len(s.blocks)-1]
	if err := s.bm.AppendRow(last, r); err != nil {
		return err
	}
	return nil
}

// Unpin flushes every currently-pinned block to scratch disk (spec §6
// unpin). It does not prevent further AddRow calls: a partition that
// spills mid-build keeps accepting rows, they simply land in new blocks
// that get unpinned on the next spill round.
func (s *Stream) Unpin() error {
	if len(s.blocks) == 0 {
		return nil
	}
	for _, b := range s.blocks {
		if !b.Pinned() {
			continue
		}
		s.unpinnedBytes += b.Bytes()
		if err := s.bm.Unpin(b); err != nil {
			return errors.Trace(err)
		}
	}
	s.spilled = true
	return nil
}

// PrepareForRead ends the write phase and resets the forward cursor to
// the beginning (spec §6). It does not force blocks to be pinned;
// GetNextBatch pins on demand.
func (s *Stream) PrepareForRead() error {
	s.reading = true
	s.blockIdx = 0
	s.rowIdx = 0
	return nil
}

// GetNextBatch returns up to maxRows rows continuing from the cursor left
// by the previous call, or a zero-length slice at end of stream. Pages
// are pinned on demand and left pinned (the caller decides when to Unpin
// again if it wants to shed memory).
func (s *Stream) GetNextBatch(maxRows int) ([]rowtypes.Row, error) {
	var out []rowtypes.Row
	for s.blockIdx < len(s.blocks) && len(out) < maxRows {
		b := s.blocks[s.blockIdx]
		if !b.Pinned() {
			if err := s.bm.Pin(b); err != nil {
				return nil, err
			}
		}
		rows := b.Rows()
		for s.rowIdx < len(rows) && len(out) < maxRows {
			out = append(out, rows[s.rowIdx])
			s.rowIdx++
		}
		if s.rowIdx >= len(rows) {
			s.blockIdx++
			s.rowIdx = 0
		}
	}
	return out, nil
}

// ForEach pins and visits every row in stream order. Used by the
// hash-table builder and by TransferOwnershipTo, which need every row
// rather than a bounded batch.
func (s *Stream) ForEach(fn func(rowtypes.Row) error) error {
	if err := s.PrepareForRead(); err != nil {
		return err
	}
	for {
		batch, err := s.GetNextBatch(rowsPerBlock)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, r := range batch {
			if err := fn(r); err != nil {
				return err
			}
		}
	}
}

// TransferOwnershipTo appends every row of the stream to dst, pinning
// spilled blocks as needed, and then releases this stream's blocks
// (spec §6 transfer_ownership_to). The join core does not call it: the
// unmatched-build emitter reads rows from the partition's hash table,
// whose build stream was already closed when the table was built.
func (s *Stream) TransferOwnershipTo(dst *[]rowtypes.Row) error {
	if err := s.ForEach(func(r rowtypes.Row) error {
		*dst = append(*dst, r)
		return nil
	}); err != nil {
		return err
	}
	return s.Close()
}

// Close releases every block owned by the stream.
func (s *Stream) Close() error {
	for _, b := range s.blocks {
		if err := s.bm.Release(b); err != nil {
			return errors.Trace(err)
		}
	}
	s.blocks = nil
	return nil
}
