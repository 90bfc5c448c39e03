package filewriter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDeflateFilter(t *testing.T) {
	f, err := NewDeflateFilter(0, false)
	require.NoError(t, err)
	require.Nil(t, f)

	f, err = NewDeflateFilter(4, true)
	require.NoError(t, err)
	require.Equal(t, &DeflateFilter{Rate: 4, Shuffle: true}, f)

	f, err = NewDeflateFilter(9, false)
	require.NoError(t, err)
	require.Equal(t, &DeflateFilter{Rate: 9}, f)

	for _, rate := range []int{-1, 10, 12} {
		_, err = NewDeflateFilter(rate, false)
		require.ErrorContains(t, err, "out of range 0-9")
	}
}

func TestVirtualFieldLayout_Add(t *testing.T) {
	l := NewVirtualFieldLayout([]uint64{30, 4, 4}, Uint16)
	view := NewTargetFieldView("a.nxs", "/entry/data/data", []uint64{14, 4, 4}, Uint16)

	require.NoError(t, l.Add(view, 0, 0, 14))
	require.Error(t, l.Add(view, 20, 0, 14), "gap must be rejected")
	require.Error(t, l.Add(view, 14, 0, 0), "empty mapping must be rejected")
	require.NoError(t, l.Add(view, 14, 0, 14))
	require.Error(t, l.Add(view, 28, 0, 14), "overflow must be rejected")
	require.NoError(t, l.Add(view, 28, 0, 2))

	require.Equal(t, uint64(30), l.Covered())
	require.NoError(t, l.Validate())
}

func TestVirtualFieldLayout_Locate(t *testing.T) {
	l := NewVirtualFieldLayout([]uint64{6}, Int32)
	require.NoError(t, l.Add(NewTargetFieldView("a", "/d", []uint64{2}, Int32), 0, 0, 2))
	require.NoError(t, l.Add(NewTargetFieldView("b", "/d", []uint64{4}, Int32), 2, 1, 3))

	m, idx, ok := l.Locate(0)
	require.True(t, ok)
	require.Equal(t, "a", m.View.File)
	require.Equal(t, uint64(0), idx)

	m, idx, ok = l.Locate(4)
	require.True(t, ok)
	require.Equal(t, "b", m.View.File)
	require.Equal(t, uint64(3), idx)

	_, _, ok = l.Locate(5)
	require.False(t, ok)
}

func TestSplitJoinPath(t *testing.T) {
	parent, name := SplitPath("/entry/instrument/detector/data")
	require.Equal(t, "/entry/instrument/detector", parent)
	require.Equal(t, "data", name)

	parent, name = SplitPath("data")
	require.Equal(t, "/", parent)
	require.Equal(t, "data", name)

	require.Equal(t, "/entry/data", JoinPath("entry", "data"))
	require.Equal(t, "/", JoinPath())
}
