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

// Package disk tracks scratch-disk usage. It has no ListInDisk
// counterpart in the retrieved reference sources, only the shape
// of the tracker used to report on one (util/memory.Tracker plus a
// disk-labelled leaf); the tree bookkeeping below is intentionally the
// same shape as memory.Tracker so the two compose the way the block
// manager expects.
package disk

import "sync/atomic"

// Tracker accounts for bytes written to scratch disk by spilled streams.
type Tracker struct {
	label         string
	bytesConsumed int64
	parent        *Tracker
}

// NewTracker creates a disk usage tracker.
func NewTracker(label string) *Tracker {
	return &Tracker{label: label}
}

// AttachTo makes t report its consumption into parent as well.
func (t *Tracker) AttachTo(parent *Tracker) {
	t.parent = parent
	if delta := t.BytesConsumed(); delta != 0 {
		parent.Consume(delta)
	}
}

// Consume adjusts disk usage by bytes (negative to release), propagating to
// the parent tracker.
func (t *Tracker) Consume(bytes int64) {
	if bytes == 0 {
		return
	}
	for tr := t; tr != nil; tr = tr.parent {
		atomic.AddInt64(&tr.bytesConsumed, bytes)
	}
}

// BytesConsumed returns current disk usage in bytes.
func (t *Tracker) BytesConsumed() int64 { return atomic.LoadInt64(&t.bytesConsumed) }

// Label returns the tracker's label.
func (t *Tracker) Label() string { return t.label }
