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

// Package memory tracks byte consumption for a tree of budget-sharing
// components. It is the accounting primitive the block manager builds
// its spill decisions on: the main idea comes from Apache Impala's
// mem-tracker (https://github.com/cloudera/Impala), the same lineage
// the reference query engine cites for its own tracker.
package memory

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Tracker tracks the memory usage of one component of a running join and,
// through AttachTo, rolls that usage up into its ancestors. Only
// BytesConsumed and Consume are safe to call concurrently;
// tree-shape mutation (AttachTo/Detach) is not safe to race against Consume
// on the same tracker.
type Tracker struct {
	mu struct {
		sync.Mutex
		children map[string][]*Tracker
	}
	actionMu struct {
		sync.Mutex
		actionOnExceed ActionOnExceed
	}
	parMu struct {
		sync.Mutex
		parent *Tracker
	}

	label         string
	bytesConsumed int64
	bytesLimit    int64
	maxConsumed   int64
}

// NewTracker creates a memory tracker. bytesLimit <= 0 means no limit.
func NewTracker(label string, bytesLimit int64) *Tracker {
	t := &Tracker{label: label, bytesLimit: bytesLimit}
	t.actionMu.actionOnExceed = &LogOnExceed{}
	return t
}

// SetBytesLimit sets the byte budget for this tracker. bytesLimit <= 0 means no limit.
func (t *Tracker) SetBytesLimit(bytesLimit int64) { atomic.StoreInt64(&t.bytesLimit, bytesLimit) }

// GetBytesLimit returns the current byte budget.
func (t *Tracker) GetBytesLimit() int64 { return atomic.LoadInt64(&t.bytesLimit) }

// CheckExceed reports whether consumption has reached the budget.
func (t *Tracker) CheckExceed() bool {
	limit := atomic.LoadInt64(&t.bytesLimit)
	return limit > 0 && atomic.LoadInt64(&t.bytesConsumed) >= limit
}

// SetActionOnExceed replaces the action invoked when the budget is exceeded.
func (t *Tracker) SetActionOnExceed(a ActionOnExceed) {
	t.actionMu.Lock()
	t.actionMu.actionOnExceed = a
	t.actionMu.Unlock()
}

// FallbackOldAndSetNewAction installs a as the primary action, chaining the
// previous action as its fallback (ordered by descending priority).
func (t *Tracker) FallbackOldAndSetNewAction(a ActionOnExceed) {
	t.actionMu.Lock()
	defer t.actionMu.Unlock()
	t.actionMu.actionOnExceed = reArrangeFallback(t.actionMu.actionOnExceed, a)
}

func reArrangeFallback(a, b ActionOnExceed) ActionOnExceed {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.GetPriority() < b.GetPriority() {
		a, b = b, a
		a.SetFallback(b)
	} else {
		a.SetFallback(reArrangeFallback(a.GetFallback(), b))
	}
	return a
}

// Label returns the tracker's label.
func (t *Tracker) Label() string { return t.label }

func (t *Tracker) getParent() *Tracker {
	t.parMu.Lock()
	defer t.parMu.Unlock()
	return t.parMu.parent
}

func (t *Tracker) setParent(p *Tracker) {
	t.parMu.Lock()
	t.parMu.parent = p
	t.parMu.Unlock()
}

// AttachTo attaches t as a child of parent, moving it out of any previous
// parent first, and folds its current consumption into the new ancestry.
func (t *Tracker) AttachTo(parent *Tracker) {
	if old := t.getParent(); old != nil {
		old.remove(t)
	}
	parent.mu.Lock()
	if parent.mu.children == nil {
		parent.mu.children = make(map[string][]*Tracker)
	}
	parent.mu.children[t.label] = append(parent.mu.children[t.label], t)
	parent.mu.Unlock()

	t.setParent(parent)
	parent.Consume(t.BytesConsumed())
}

// Detach removes t from its parent, if any.
func (t *Tracker) Detach() {
	parent := t.getParent()
	if parent == nil {
		return
	}
	parent.remove(t)
	t.setParent(nil)
}

func (t *Tracker) remove(child *Tracker) {
	t.mu.Lock()
	found := false
	if t.mu.children != nil {
		siblings := t.mu.children[child.label]
		for i, c := range siblings {
			if c == child {
				siblings = append(siblings[:i], siblings[i+1:]...)
				if len(siblings) > 0 {
					t.mu.children[child.label] = siblings
				} else {
					delete(t.mu.children, child.label)
				}
				found = true
				break
			}
		}
	}
	t.mu.Unlock()
	if found {
		child.setParent(nil)
		t.Consume(-child.BytesConsumed())
	}
}

// Consume adjusts this tracker's consumption (bytes may be negative to
// release) and propagates the delta to every ancestor. If any tracker in the
// chain is now at or over its budget, the action of the topmost such
// tracker fires (once per call; lower trackers' actions do not fire).
func (t *Tracker) Consume(bytes int64) {
	if bytes == 0 {
		return
	}
	var rootExceed *Tracker
	for tr := t; tr != nil; tr = tr.getParent() {
		consumed := atomic.AddInt64(&tr.bytesConsumed, bytes)
		limit := atomic.LoadInt64(&tr.bytesLimit)
		if limit > 0 && consumed >= limit {
			rootExceed = tr
		}
		for {
			maxNow := atomic.LoadInt64(&tr.maxConsumed)
			if consumed > maxNow {
				if !atomic.CompareAndSwapInt64(&tr.maxConsumed, maxNow, consumed) {
					continue
				}
			}
			break
		}
	}
	if rootExceed != nil {
		rootExceed.actionMu.Lock()
		action := rootExceed.actionMu.actionOnExceed
		rootExceed.actionMu.Unlock()
		if action != nil {
			action.Action(rootExceed)
		}
	}
}

// BytesConsumed returns current consumption.
func (t *Tracker) BytesConsumed() int64 { return atomic.LoadInt64(&t.bytesConsumed) }

// MaxConsumed returns the high-water mark of consumption observed.
func (t *Tracker) MaxConsumed() int64 { return atomic.LoadInt64(&t.maxConsumed) }

// String renders the tracker for diagnostics.
func (t *Tracker) String() string {
	return fmt.Sprintf("%s: consumed=%d, limit=%d", t.label, t.BytesConsumed(), t.GetBytesLimit())
}
