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
	"github.com/pingcap/errors"

	"github.com/coredb/hashjoin/blockmgr"
)

// Sentinel errors for the taxonomy in spec §7. blockmgr.ErrNeedsSpill is
// handled entirely inside this package and never escapes an Operator
// method; everything below is a possible return from Open/GetNext.
var (
	// ErrOutOfMemory is returned when the spill policy finds no
	// candidate partition to unpin (every partition is already spilled
	// or empty) and the byte budget is still exceeded.
	ErrOutOfMemory = errors.New("hashjoin: out of memory and no partition left to spill")

	// ErrRepartitionLimitExceeded is returned when a partition still
	// does not fit in memory after being repartitioned at
	// Config.MaxPartitionDepth, indicating a build key with pathological
	// skew that no amount of further partitioning will fix.
	ErrRepartitionLimitExceeded = errors.New("hashjoin: repartition limit exceeded, build key is too skewed")

	// ErrClosed is returned by GetNext on an Operator that has already
	// been closed.
	ErrClosed = errors.New("hashjoin: operator is closed")
)

// isNeedsSpill reports whether err is (possibly wrapped) blockmgr.ErrNeedsSpill.
func isNeedsSpill(err error) bool {
	return errors.Cause(err) == blockmgr.ErrNeedsSpill
}
