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

package rowtypes

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDatumEqualNullNeverEqual(t *testing.T) {
	require.False(t, Null.Equal(Null))
	require.False(t, Null.Equal(NewInt64(0)))
	require.False(t, NewInt64(1).Equal(Null))
}

func TestDatumEqualByKindAndValue(t *testing.T) {
	require.True(t, NewInt64(7).Equal(NewInt64(7)))
	require.False(t, NewInt64(7).Equal(NewInt64(8)))
	require.True(t, NewString("a").Equal(NewString("a")))
	require.False(t, NewInt64(1).Equal(NewString("1")))
}

func TestRowConcat(t *testing.T) {
	a := Row{NewInt64(1), NewString("x")}
	b := Row{NewInt64(2)}
	got := a.Concat(b)
	require.Equal(t, Row{NewInt64(1), NewString("x"), NewInt64(2)}, got)
	// Concat must not mutate its receiver.
	require.Equal(t, Row{NewInt64(1), NewString("x")}, a)
}

func TestNullRow(t *testing.T) {
	r := NullRow(3)
	require.Len(t, r, 3)
	for _, d := range r {
		require.True(t, d.IsNull())
	}
}

func TestKeyEqual(t *testing.T) {
	require.True(t, KeyEqual(Row{NewInt64(1)}, Row{NewInt64(1)}))
	require.False(t, KeyEqual(Row{NewInt64(1)}, Row{NewInt64(2)}))
	require.False(t, KeyEqual(Row{Null}, Row{Null}))
	require.False(t, KeyEqual(Row{NewInt64(1)}, Row{NewInt64(1), NewInt64(2)}))
}

func TestKeyHasNull(t *testing.T) {
	require.True(t, KeyHasNull(Row{NewInt64(1), Null}))
	require.False(t, KeyHasNull(Row{NewInt64(1), NewInt64(2)}))
}

func TestKeyColumnsExtractor(t *testing.T) {
	e := &KeyColumnsExtractor{
		BuildKeyCols: []int{1},
		ProbeKeyCols: []int{0},
		Residual: func(joined Row) (bool, error) {
			return joined[0].I < joined[2].I, nil
		},
	}
	buildRow := Row{NewString("b"), NewInt64(5)}
	probeRow := Row{NewInt64(3)}

	bk, err := e.EvalBuildKey(buildRow)
	require.NoError(t, err)
	require.Equal(t, Row{NewInt64(5)}, bk)

	pk, err := e.EvalProbeKey(probeRow)
	require.NoError(t, err)
	require.Equal(t, Row{NewInt64(3)}, pk)

	ok, err := e.EvalResidual(probeRow.Concat(buildRow))
	require.NoError(t, err)
	require.True(t, ok)
}
