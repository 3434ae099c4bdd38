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

package blockmgr

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/stretchr/testify/require"

	"github.com/coredb/hashjoin/rowtypes"
)

func mustNewManager(t *testing.T, budget int64) BlockManager {
	t.Helper()
	m, err := New(budget, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

func TestAppendRowAccumulatesUnderBudget(t *testing.T) {
	m := mustNewManager(t, 1<<20)
	b, err := m.NewBlock(true)
	require.NoError(t, err)

	require.NoError(t, m.AppendRow(b, rowtypes.Row{rowtypes.NewInt64(1)}))
	require.NoError(t, m.AppendRow(b, rowtypes.Row{rowtypes.NewInt64(2)}))
	require.Equal(t, 2, b.NumRows())
	require.True(t, m.MemTracker().BytesConsumed() > 0)
}

func TestAppendRowNeedsSpillLeavesRowUnappended(t *testing.T) {
	m := mustNewManager(t, 20)
	b, err := m.NewBlock(true)
	require.NoError(t, err)

	// The first row or two should fit; eventually the tiny budget is
	// exhausted and AppendRow must roll back rather than commit.
	var lastErr error
	for i := 0; i < 10; i++ {
		lastErr = m.AppendRow(b, rowtypes.Row{rowtypes.NewInt64(int64(i))})
		if lastErr != nil {
			break
		}
	}
	require.Error(t, lastErr)
	require.Equal(t, ErrNeedsSpill, errors.Cause(lastErr))

	before := b.NumRows()
	beforeBytes := m.MemTracker().BytesConsumed()
	// Retrying the exact same failing append must not change block state.
	err = m.AppendRow(b, rowtypes.Row{rowtypes.NewInt64(999)})
	require.Error(t, err)
	require.Equal(t, before, b.NumRows())
	require.Equal(t, beforeBytes, m.MemTracker().BytesConsumed())
}

func TestUnpinThenPinRoundTrips(t *testing.T) {
	m := mustNewManager(t, 1<<20)
	b, err := m.NewBlock(true)
	require.NoError(t, err)
	require.NoError(t, m.AppendRow(b, rowtypes.Row{rowtypes.NewString("hello")}))
	require.NoError(t, m.AppendRow(b, rowtypes.Row{rowtypes.NewString("world")}))

	require.NoError(t, m.Unpin(b))
	require.False(t, b.Pinned())
	require.Equal(t, int64(0), m.MemTracker().BytesConsumed())
	require.True(t, m.DiskTracker().BytesConsumed() > 0)

	require.NoError(t, m.Pin(b))
	require.True(t, b.Pinned())
	require.Equal(t, 2, b.NumRows())
	rows := b.Rows()
	require.Equal(t, "hello", rows[0][0].S)
	require.Equal(t, "world", rows[1][0].S)
}

func TestAppendRowFailpointForcesNeedsSpill(t *testing.T) {
	require.NoError(t, failpoint.Enable("github.com/coredb/hashjoin/blockmgr/forceNeedsSpill", "return"))
	defer failpoint.Disable("github.com/coredb/hashjoin/blockmgr/forceNeedsSpill")

	m := mustNewManager(t, 1<<20)
	b, err := m.NewBlock(true)
	require.NoError(t, err)

	err = m.AppendRow(b, rowtypes.Row{rowtypes.NewInt64(1)})
	require.Equal(t, ErrNeedsSpill, errors.Cause(err))
	require.Equal(t, 0, b.NumRows())
}

func TestReleaseFreesMemoryAndDisk(t *testing.T) {
	m := mustNewManager(t, 1<<20)
	b, err := m.NewBlock(true)
	require.NoError(t, err)
	require.NoError(t, m.AppendRow(b, rowtypes.Row{rowtypes.NewInt64(1)}))
	require.NoError(t, m.Unpin(b))
	require.True(t, m.DiskTracker().BytesConsumed() > 0)

	require.NoError(t, m.Release(b))
	require.Equal(t, int64(0), m.DiskTracker().BytesConsumed())
}
