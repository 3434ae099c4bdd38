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

// emitUnmatchedBuild is the unmatched-build emitter (spec §2 #8, §4.6):
// once a hash-resident partition's probe side is exhausted, every entry
// whose matched bit is still unset is emitted, NULL-extended on the
// probe side for right/full outer, or emitted bare for right anti.
func (o *Operator) emitUnmatchedBuild(p *partition) error {
	p.hashTbl.Range(func(e *hashEntry) {
		if e.Matched() {
			return
		}
		switch o.op {
		case RightOuter, FullOuter:
			o.emit(rowtypes.NullRow(o.probeWidth).Concat(e.row))
		case RightAnti:
			o.emit(e.row)
		}
	})
	return nil
}
