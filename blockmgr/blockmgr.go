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

// Package blockmgr is the reference implementation of the buffered
// block manager the join core consumes through an interface (spec §6):
// it hands out pinned pages against a fixed byte budget and writes
// unpinned pages out to scratch disk. The join core depends only on this
// package's BlockManager interface, Block type and ErrNeedsSpill
// sentinel; the concrete manager is constructed by the caller (tests
// construct it with New). This reference implementation exists so the
// module is runnable end to end.
//
// It is grounded on the reference query engine's util/memory.Tracker /
// util/chunk.RowContainer pin-or-spill pattern: a client reserves bytes
// against a shared Tracker, and when the reservation would exceed the
// budget the client gets ErrNeedsSpill back rather than the manager
// picking a victim itself — victim selection is the join core's Spill
// policy (spec §4.4), not the block manager's job.
package blockmgr

import (
	"encoding/gob"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"

	"github.com/coredb/hashjoin/rowtypes"
	"github.com/coredb/hashjoin/util/disk"
	"github.com/coredb/hashjoin/util/memory"
)

// ErrNeedsSpill is returned by AppendRow/Pin when granting the request
// would exceed the manager's byte budget. It is not a fatal error at the
// block-manager boundary (spec §7.1): the caller is expected to free
// memory (via the Spill policy) and retry.
var ErrNeedsSpill = errors.New("blockmgr: needs spill")

// BlockManager hands out pinned/unpinned pages against a byte budget and
// owns the scratch-disk files backing unpinned pages (spec §6).
type BlockManager interface {
	// NewBlock allocates a fresh, empty block. An empty block is not
	// charged against the budget, so the reference implementation never
	// returns ErrNeedsSpill here; the charge happens in AppendRow.
	NewBlock(pin bool) (*Block, error)
	// AppendRow appends a row to a pinned block and charges its
	// incremental footprint against the budget. Returns ErrNeedsSpill,
	// with the row rolled back out of the block and its charge undone, if
	// the caller must unpin something before retrying the same row.
	AppendRow(b *Block, r rowtypes.Row) error
	// Pin loads a block's contents back into memory from scratch, if it
	// was previously unpinned. Returns ErrNeedsSpill if there isn't room.
	Pin(b *Block) error
	// Unpin flushes a block's contents to scratch disk and releases its
	// memory reservation. Safe to call on an already-unpinned block.
	Unpin(b *Block) error
	// Release discards a block permanently, freeing memory and disk.
	Release(b *Block) error
	// MemTracker exposes the manager's memory budget tracker.
	MemTracker() *memory.Tracker
	// DiskTracker exposes the manager's scratch-disk usage tracker.
	DiskTracker() *disk.Tracker
	// Close releases every block and removes any scratch files.
	Close() error
}

// Block is one page-sized unit of rows, either resident in memory
// (Pinned) or spilled to a scratch file.
type Block struct {
	id     int64
	mu     sync.Mutex
	pinned bool
	rows   []rowtypes.Row
	// bytes is the last-computed in-memory footprint, used to release
	// exactly what was reserved.
	bytes int64
	// path is set once the block has been written to scratch at least once.
	path string
}

// Rows returns the block's rows. The block must be pinned.
func (b *Block) Rows() []rowtypes.Row {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rows
}

// Append adds a row to a pinned block and returns the size delta charged.
func (b *Block) Append(r rowtypes.Row) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	before := b.bytes
	b.rows = append(b.rows, r)
	b.bytes = estimateSize(b.rows)
	return b.bytes - before
}

// popLast removes the most recently appended row, undoing Append. Used to
// roll back a row whose append would exceed the budget.
func (b *Block) popLast() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	before := b.bytes
	b.rows = b.rows[:len(b.rows)-1]
	b.bytes = estimateSize(b.rows)
	return b.bytes - before
}

// NumRows reports how many rows the block holds.
func (b *Block) NumRows() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows)
}

// Bytes reports the block's current in-memory footprint. Zero for an
// unpinned block, whose rows live on scratch disk instead.
func (b *Block) Bytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

// Pinned reports whether the block's rows currently live in memory.
func (b *Block) Pinned() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pinned
}

func estimateSize(rows []rowtypes.Row) int64 {
	var n int64
	for _, r := range rows {
		for _, d := range r {
			n += 9 + int64(len(d.S))
		}
	}
	return n
}

// pagedBlockManager is the default BlockManager: an in-process byte
// budget backed by real scratch files under a temp directory.
type pagedBlockManager struct {
	memTracker  *memory.Tracker
	diskTracker *disk.Tracker
	scratchDir  string
	nextID      int64
	mu          sync.Mutex
	blocks      map[int64]*Block
	closed      bool
}

// New creates a BlockManager with the given byte budget (<=0 means
// unlimited) and a fresh scratch directory under dir (os.TempDir() if
// dir is empty).
func New(budgetBytes int64, dir string) (BlockManager, error) {
	scratch, err := os.MkdirTemp(dir, "hashjoin-scratch-")
	if err != nil {
		return nil, errors.Trace(err)
	}
	m := &pagedBlockManager{
		memTracker:  memory.NewTracker("blockmgr", budgetBytes),
		diskTracker: disk.NewTracker("blockmgr"),
		scratchDir:  scratch,
		blocks:      make(map[int64]*Block),
	}
	return m, nil
}

func (m *pagedBlockManager) MemTracker() *memory.Tracker { return m.memTracker }
func (m *pagedBlockManager) DiskTracker() *disk.Tracker  { return m.diskTracker }

func (m *pagedBlockManager) NewBlock(pin bool) (*Block, error) {
	id := atomic.AddInt64(&m.nextID, 1)
	// An empty block costs nothing; the budget is charged incrementally
	// as rows are appended via AppendRow.
	b := &Block{id: id, pinned: pin}
	m.mu.Lock()
	m.blocks[id] = b
	m.mu.Unlock()
	return b, nil
}

// AppendRow implements BlockManager. If the append would push the shared
// budget over its limit, the row is rolled back and ErrNeedsSpill is
// returned so the row can be retried once the caller has freed memory.
func (m *pagedBlockManager) AppendRow(b *Block, r rowtypes.Row) error {
	if _, fpErr := failpoint.Eval("github.com/coredb/hashjoin/blockmgr/forceNeedsSpill"); fpErr == nil {
		return ErrNeedsSpill
	}
	if m.memTracker.CheckExceed() {
		return ErrNeedsSpill
	}
	delta := b.Append(r)
	m.memTracker.Consume(delta)
	if m.memTracker.CheckExceed() {
		undo := b.popLast()
		m.memTracker.Consume(undo)
		return ErrNeedsSpill
	}
	return nil
}

func (m *pagedBlockManager) Pin(b *Block) error {
	if _, fpErr := failpoint.Eval("github.com/coredb/hashjoin/blockmgr/forcePinNeedsSpill"); fpErr == nil {
		return ErrNeedsSpill
	}
	b.mu.Lock()
	if b.pinned {
		b.mu.Unlock()
		return nil
	}
	path := b.path
	b.mu.Unlock()

	rows, err := readRows(path)
	if err != nil {
		return errors.Trace(err)
	}
	size := estimateSize(rows)
	if m.memTracker.CheckExceed() {
		return ErrNeedsSpill
	}
	m.memTracker.Consume(size)
	if m.memTracker.CheckExceed() {
		m.memTracker.Consume(-size)
		return ErrNeedsSpill
	}

	b.mu.Lock()
	b.rows = rows
	b.bytes = size
	b.pinned = true
	b.mu.Unlock()
	return nil
}

func (m *pagedBlockManager) Unpin(b *Block) error {
	b.mu.Lock()
	if !b.pinned {
		b.mu.Unlock()
		return nil
	}
	rows := b.rows
	freed := b.bytes
	path := b.path
	if path == "" {
		path = fmt.Sprintf("%s/block-%d.gob", m.scratchDir, b.id)
	}
	b.mu.Unlock()

	written, err := writeRows(path, rows)
	if err != nil {
		return errors.Trace(err)
	}

	b.mu.Lock()
	b.rows = nil
	b.pinned = false
	b.path = path
	b.bytes = 0
	b.mu.Unlock()

	m.memTracker.Consume(-freed)
	m.diskTracker.Consume(written)
	return nil
}

func (m *pagedBlockManager) Release(b *Block) error {
	b.mu.Lock()
	pinned := b.pinned
	freed := b.bytes
	path := b.path
	b.mu.Unlock()

	if pinned {
		m.memTracker.Consume(-freed)
	} else if path != "" {
		if info, err := os.Stat(path); err == nil {
			m.diskTracker.Consume(-info.Size())
		}
		_ = os.Remove(path)
	}

	m.mu.Lock()
	delete(m.blocks, b.id)
	m.mu.Unlock()
	return nil
}

func (m *pagedBlockManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	blocks := make([]*Block, 0, len(m.blocks))
	for _, b := range m.blocks {
		blocks = append(blocks, b)
	}
	m.mu.Unlock()

	for _, b := range blocks {
		_ = m.Release(b)
	}
	return os.RemoveAll(m.scratchDir)
}

func writeRows(path string, rows []rowtypes.Row) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, errors.Trace(err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(rows); err != nil {
		return 0, errors.Trace(err)
	}
	info, err := f.Stat()
	if err != nil {
		return 0, errors.Trace(err)
	}
	return info.Size(), nil
}

func readRows(path string) ([]rowtypes.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer f.Close()
	var rows []rowtypes.Row
	if err := gob.NewDecoder(f).Decode(&rows); err != nil {
		return nil, errors.Trace(err)
	}
	return rows, nil
}
