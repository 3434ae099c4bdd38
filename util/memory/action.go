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

package memory

import (
	"sync"
	"sync/atomic"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ActionOnExceed is invoked by a Tracker when its budget is exceeded.
// Implementations must be safe for concurrent use.
type ActionOnExceed interface {
	Action(t *Tracker)
	SetFallback(a ActionOnExceed)
	GetFallback() ActionOnExceed
	GetPriority() int64
	SetFinished()
	IsFinished() bool
}

// BaseOOMAction supplies the fallback-chain bookkeeping shared by every
// ActionOnExceed implementation.
type BaseOOMAction struct {
	fallback ActionOnExceed
	finished int32
}

// SetFallback installs the action to defer to once this one has fired.
func (b *BaseOOMAction) SetFallback(a ActionOnExceed) { b.fallback = a }

// SetFinished marks this action as spent; GetFallback skips finished actions.
func (b *BaseOOMAction) SetFinished() { atomic.StoreInt32(&b.finished, 1) }

// IsFinished reports whether SetFinished was called.
func (b *BaseOOMAction) IsFinished() bool { return atomic.LoadInt32(&b.finished) == 1 }

// GetFallback returns the next non-finished fallback action, pruning
// finished ones as it walks the chain.
func (b *BaseOOMAction) GetFallback() ActionOnExceed {
	for b.fallback != nil && b.fallback.IsFinished() {
		b.SetFallback(b.fallback.GetFallback())
	}
	return b.fallback
}

// Priority order for the built-in actions; a partition spill takes
// precedence over merely logging and giving up.
const (
	DefLogPriority = iota
	DefSpillPriority
)

// LogOnExceed logs a single warning the first time the budget is exceeded
// and does nothing on later calls. It never invokes its fallback.
type LogOnExceed struct {
	BaseOOMAction
	mu    sync.Mutex
	acted bool
}

// Action implements ActionOnExceed.
func (a *LogOnExceed) Action(t *Tracker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.acted {
		a.acted = true
		log.Warn("memory tracker exceeded budget",
			zap.String("label", t.Label()),
			zap.Int64("consumed", t.BytesConsumed()),
			zap.Int64("limit", t.GetBytesLimit()))
	}
}

// GetPriority implements ActionOnExceed.
func (*LogOnExceed) GetPriority() int64 { return DefLogPriority }
