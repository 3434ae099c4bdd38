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

import (
	"github.com/coredb/hashjoin/rowtypes"
	"github.com/coredb/hashjoin/tuplestream"
)

// RowSource is the build/probe child collaborator (spec §6): the
// surrounding query executor that feeds rows into the join one at a
// time. It stands in for the reference engine's Executor.Next, trimmed
// to the one method the join core actually calls.
type RowSource interface {
	// Next returns the next row, or ok=false at end of input.
	Next() (row rowtypes.Row, ok bool, err error)
}

// SliceSource is a RowSource over an in-memory slice, the shape tests
// and simple callers use to hand the operator its build/probe input.
type SliceSource struct {
	rows []rowtypes.Row
	pos  int
}

// NewSliceSource wraps rows as a RowSource.
func NewSliceSource(rows []rowtypes.Row) *SliceSource {
	return &SliceSource{rows: rows}
}

// Next implements RowSource.
func (s *SliceSource) Next() (rowtypes.Row, bool, error) {
	if s.pos >= len(s.rows) {
		return nil, false, nil
	}
	r := s.rows[s.pos]
	s.pos++
	return r, true, nil
}

// streamRowSource adapts a tuplestream.Stream that has already had rows
// written to it (a partition's spilled build_rows or probe_rows) back
// into a RowSource, used when repartitioning or reprobing a partition
// popped off the spill queue.
type streamRowSource struct {
	stream *tuplestream.Stream
	buf    []rowtypes.Row
	pos    int
	done   bool
}

func newStreamRowSource(s *tuplestream.Stream) (*streamRowSource, error) {
	if err := s.PrepareForRead(); err != nil {
		return nil, err
	}
	return &streamRowSource{stream: s}, nil
}

func (s *streamRowSource) Next() (rowtypes.Row, bool, error) {
	for s.pos >= len(s.buf) {
		if s.done {
			return nil, false, nil
		}
		batch, err := s.stream.GetNextBatch(256)
		if err != nil {
			return nil, false, err
		}
		if len(batch) == 0 {
			s.done = true
			return nil, false, nil
		}
		s.buf = batch
		s.pos = 0
	}
	r := s.buf[s.pos]
	s.pos++
	return r, true, nil
}
