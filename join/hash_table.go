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

package join

import "github.com/coredb/hashjoin/rowtypes"

// hashEntry is one build row resident in a partition's in-memory hash
// table, linked to other rows sharing its bucket. matched records
// whether any probe row has satisfied this entry's full join condition,
// consulted by outer/semi/anti dispatch (spec §4.7) and by the
// unmatched-build emitter (spec §4.6).
//
// This mirrors the reference engine's hash_table.go entry/entryStore
// pair, collapsed to a single linked node since the core does not need
// entryStore's arena-allocation trick to stay fast under -race.
type hashEntry struct {
	row     rowtypes.Row
	key     rowtypes.Row
	matched bool
	next    *hashEntry
}

// SetMatched marks the entry as having satisfied a probe row at least once.
func (e *hashEntry) SetMatched() { e.matched = true }

// Matched reports whether the entry has ever satisfied a probe row.
func (e *hashEntry) Matched() bool { return e.matched }

// Row returns the entry's build row.
func (e *hashEntry) Row() rowtypes.Row { return e.row }

// hashTable is the in-memory hash table a hash-resident partition probes
// against (spec §2 #5, §4.3): a bucket array keyed by the level-seeded
// hash, chained on collision. The reference engine's baseHashTable
// interface (unsafeHashTable / concurrentMapHashTable) picks between a
// plain map and a sharded map depending on concurrent build fan-in; the
// join core here builds one partition at a time, so a plain Go map is
// the right analogue of unsafeHashTable.
type hashTable struct {
	buckets map[uint32]*hashEntry
	count   int
}

func newHashTable(rowCountHint int) *hashTable {
	return &hashTable{buckets: make(map[uint32]*hashEntry, rowCountHint)}
}

// Put inserts a build row under its precomputed hash and key.
func (t *hashTable) Put(h uint32, row, key rowtypes.Row) {
	e := &hashEntry{row: row, key: key, next: t.buckets[h]}
	t.buckets[h] = e
	t.count++
}

// Get returns the chain of candidate entries sharing hash h. The caller
// still must compare keys (and evaluate any residual) since distinct
// keys can share a hash bucket.
func (t *hashTable) Get(h uint32) *hashEntry {
	return t.buckets[h]
}

// Len returns the number of build rows indexed.
func (t *hashTable) Len() int { return t.count }

// NumBuckets returns the number of distinct hash buckets currently
// occupied, the Go-map analogue of the reference join node's
// num_hash_buckets_ profiling counter.
func (t *hashTable) NumBuckets() int { return len(t.buckets) }

// Range visits every entry, in unspecified order, used by the
// unmatched-build emitter to find entries whose matched bit is unset.
func (t *hashTable) Range(fn func(*hashEntry)) {
	for _, head := range t.buckets {
		for e := head; e != nil; e = e.next {
			fn(e)
		}
	}
}
