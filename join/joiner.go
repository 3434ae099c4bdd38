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

// Operation names one of the eight join operations spec §4.7 defines
// semantics for.
type Operation int

// Supported join operations.
const (
	Inner Operation = iota
	LeftOuter
	RightOuter
	FullOuter
	LeftSemi
	RightSemi
	LeftAnti
	RightAnti
)

func (op Operation) String() string {
	switch op {
	case Inner:
		return "inner"
	case LeftOuter:
		return "left outer"
	case RightOuter:
		return "right outer"
	case FullOuter:
		return "full outer"
	case LeftSemi:
		return "left semi"
	case RightSemi:
		return "right semi"
	case LeftAnti:
		return "left anti"
	case RightAnti:
		return "right anti"
	default:
		return "unknown"
	}
}

// needsUnmatchedBuild reports whether entries never matched by any probe
// row must be emitted once the probe side of a partition is exhausted
// (spec §4.6, driven by the "unmatched build rows" column of §4.7).
func (op Operation) needsUnmatchedBuild() bool {
	switch op {
	case RightOuter, FullOuter, RightAnti:
		return true
	default:
		return false
	}
}

// joiner evaluates one operation's semantics over a probe row and its
// hash-matched candidate build entries. It is selected once per Operator
// (spec's design note allows either a generic branch-per-call
// implementation or a per-operation specialization chosen once at open
// time; this is the latter, grounded on the reference engine's older
// joinResultGenerator interface in executor/join_result_generators.go,
// one struct per join type instead of one interface with a switch
// inside every call).
type joiner interface {
	// probe evaluates one probe row against its candidate chain
	// (already hash-matched, not yet key- or residual-checked) and emits
	// zero or more output rows through emit.
	probe(probeRow rowtypes.Row, candidates *hashEntry, hc *hashContext, emit func(rowtypes.Row)) error
	// buildWidth returns how many columns a build row has, needed to
	// synthesize a NULL-extended build side for outer joins.
	buildWidth() int
}

func newJoiner(op Operation, extractor rowtypes.KeyExtractor, buildWidth int) joiner {
	base := baseJoiner{extractor: extractor, width: buildWidth}
	switch op {
	case Inner:
		return innerJoiner{base}
	case LeftOuter:
		return leftOuterJoiner{base}
	case RightOuter:
		return rightOuterJoiner{base}
	case FullOuter:
		return fullOuterJoiner{base}
	case LeftSemi:
		return leftSemiJoiner{base}
	case RightSemi:
		return rightSemiJoiner{base}
	case LeftAnti:
		return leftAntiJoiner{base}
	case RightAnti:
		return rightAntiJoiner{base}
	default:
		return innerJoiner{base}
	}
}

type baseJoiner struct {
	extractor rowtypes.KeyExtractor
	width     int
}

func (b baseJoiner) buildWidth() int { return b.width }

// match walks the candidate chain, evaluating key equality then the
// residual predicate, and calls fn for each candidate that passes.
// probeKey is passed in so it is evaluated once per probe row rather
// than once per candidate.
func (b baseJoiner) match(probeRow, probeKey rowtypes.Row, candidates *hashEntry, fn func(*hashEntry, rowtypes.Row) error) (bool, error) {
	matched := false
	for e := candidates; e != nil; e = e.next {
		if !rowtypes.KeyEqual(e.key, probeKey) {
			continue
		}
		joined := probeRow.Concat(e.row)
		ok, err := b.extractor.EvalResidual(joined)
		if err != nil {
			return matched, err
		}
		if !ok {
			continue
		}
		matched = true
		if err := fn(e, joined); err != nil {
			return matched, err
		}
	}
	return matched, nil
}

type innerJoiner struct{ baseJoiner }

func (j innerJoiner) probe(probeRow rowtypes.Row, candidates *hashEntry, hc *hashContext, emit func(rowtypes.Row)) error {
	probeKey, err := j.extractor.EvalProbeKey(probeRow)
	if err != nil {
		return err
	}
	_, err = j.match(probeRow, probeKey, candidates, func(e *hashEntry, joined rowtypes.Row) error {
		emit(joined)
		return nil
	})
	return err
}

type leftOuterJoiner struct{ baseJoiner }

func (j leftOuterJoiner) probe(probeRow rowtypes.Row, candidates *hashEntry, hc *hashContext, emit func(rowtypes.Row)) error {
	probeKey, err := j.extractor.EvalProbeKey(probeRow)
	if err != nil {
		return err
	}
	matched, err := j.match(probeRow, probeKey, candidates, func(e *hashEntry, joined rowtypes.Row) error {
		emit(joined)
		return nil
	})
	if err != nil {
		return err
	}
	if !matched {
		emit(probeRow.Concat(rowtypes.NullRow(j.width)))
	}
	return nil
}

type rightOuterJoiner struct{ baseJoiner }

func (j rightOuterJoiner) probe(probeRow rowtypes.Row, candidates *hashEntry, hc *hashContext, emit func(rowtypes.Row)) error {
	probeKey, err := j.extractor.EvalProbeKey(probeRow)
	if err != nil {
		return err
	}
	_, err = j.match(probeRow, probeKey, candidates, func(e *hashEntry, joined rowtypes.Row) error {
		e.SetMatched()
		emit(joined)
		return nil
	})
	return err
}

type fullOuterJoiner struct{ baseJoiner }

func (j fullOuterJoiner) probe(probeRow rowtypes.Row, candidates *hashEntry, hc *hashContext, emit func(rowtypes.Row)) error {
	probeKey, err := j.extractor.EvalProbeKey(probeRow)
	if err != nil {
		return err
	}
	matched, err := j.match(probeRow, probeKey, candidates, func(e *hashEntry, joined rowtypes.Row) error {
		e.SetMatched()
		emit(joined)
		return nil
	})
	if err != nil {
		return err
	}
	if !matched {
		emit(probeRow.Concat(rowtypes.NullRow(j.width)))
	}
	return nil
}

type leftSemiJoiner struct{ baseJoiner }

func (j leftSemiJoiner) probe(probeRow rowtypes.Row, candidates *hashEntry, hc *hashContext, emit func(rowtypes.Row)) error {
	probeKey, err := j.extractor.EvalProbeKey(probeRow)
	if err != nil {
		return err
	}
	emitted := false
	_, err = j.match(probeRow, probeKey, candidates, func(e *hashEntry, joined rowtypes.Row) error {
		if !emitted {
			emitted = true
			emit(probeRow)
		}
		return nil
	})
	return err
}

type rightSemiJoiner struct{ baseJoiner }

func (j rightSemiJoiner) probe(probeRow rowtypes.Row, candidates *hashEntry, hc *hashContext, emit func(rowtypes.Row)) error {
	probeKey, err := j.extractor.EvalProbeKey(probeRow)
	if err != nil {
		return err
	}
	_, err = j.match(probeRow, probeKey, candidates, func(e *hashEntry, joined rowtypes.Row) error {
		if !e.Matched() {
			e.SetMatched()
			emit(e.row)
		}
		return nil
	})
	return err
}

type leftAntiJoiner struct{ baseJoiner }

func (j leftAntiJoiner) probe(probeRow rowtypes.Row, candidates *hashEntry, hc *hashContext, emit func(rowtypes.Row)) error {
	probeKey, err := j.extractor.EvalProbeKey(probeRow)
	if err != nil {
		return err
	}
	matched, err := j.match(probeRow, probeKey, candidates, func(e *hashEntry, joined rowtypes.Row) error {
		return nil
	})
	if err != nil {
		return err
	}
	if !matched {
		emit(probeRow)
	}
	return nil
}

type rightAntiJoiner struct{ baseJoiner }

func (j rightAntiJoiner) probe(probeRow rowtypes.Row, candidates *hashEntry, hc *hashContext, emit func(rowtypes.Row)) error {
	probeKey, err := j.extractor.EvalProbeKey(probeRow)
	if err != nil {
		return err
	}
	_, err = j.match(probeRow, probeKey, candidates, func(e *hashEntry, joined rowtypes.Row) error {
		e.SetMatched()
		return nil
	})
	return err
}
