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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrackerConsumeAndExceed(t *testing.T) {
	tr := NewTracker("root", 100)
	require.False(t, tr.CheckExceed())
	tr.Consume(50)
	require.Equal(t, int64(50), tr.BytesConsumed())
	require.False(t, tr.CheckExceed())
	tr.Consume(50)
	require.True(t, tr.CheckExceed())
	tr.Consume(-30)
	require.Equal(t, int64(70), tr.BytesConsumed())
	require.False(t, tr.CheckExceed())
}

func TestTrackerNoLimitNeverExceeds(t *testing.T) {
	tr := NewTracker("unbounded", 0)
	tr.Consume(1 << 40)
	require.False(t, tr.CheckExceed())
}

func TestTrackerAttachToPropagatesConsumption(t *testing.T) {
	parent := NewTracker("parent", 0)
	child := NewTracker("child", 0)
	child.Consume(10)
	child.AttachTo(parent)
	require.Equal(t, int64(10), parent.BytesConsumed())

	child.Consume(5)
	require.Equal(t, int64(15), parent.BytesConsumed())
	require.Equal(t, int64(15), child.BytesConsumed())
}

func TestTrackerDetachStopsPropagation(t *testing.T) {
	parent := NewTracker("parent", 0)
	child := NewTracker("child", 0)
	child.AttachTo(parent)
	child.Consume(20)
	require.Equal(t, int64(20), parent.BytesConsumed())

	child.Detach()
	require.Equal(t, int64(0), parent.BytesConsumed())
	child.Consume(5)
	require.Equal(t, int64(0), parent.BytesConsumed())
	require.Equal(t, int64(25), child.BytesConsumed())
}

func TestTrackerMaxConsumedIsHighWaterMark(t *testing.T) {
	tr := NewTracker("hwm", 0)
	tr.Consume(100)
	tr.Consume(-40)
	tr.Consume(10)
	require.Equal(t, int64(70), tr.BytesConsumed())
	require.Equal(t, int64(100), tr.MaxConsumed())
}

func TestTrackerExceedFiresAncestorAction(t *testing.T) {
	root := NewTracker("root", 10)
	fired := false
	root.SetActionOnExceed(actionFunc(func(*Tracker) { fired = true }))
	child := NewTracker("child", 0)
	child.AttachTo(root)

	child.Consume(20)
	require.True(t, fired)
}

// actionFunc adapts a plain function to the ActionOnExceed interface for
// tests that only care about whether the action fired.
type actionFunc func(*Tracker)

func (f actionFunc) Action(t *Tracker)           { f(t) }
func (f actionFunc) SetFallback(ActionOnExceed)  {}
func (f actionFunc) GetFallback() ActionOnExceed { return nil }
func (f actionFunc) GetPriority() int64          { return 0 }
func (f actionFunc) SetFinished()                {}
func (f actionFunc) IsFinished() bool            { return false }
