package filename

import (
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scigolib/nxstools/internal/utils"
)

func TestGenerate_BoundedCount(t *testing.T) {
	tests := []struct {
		start, stop int
		want        int
	}{
		{0, 5, 6},
		{3, 3, 1},
		{4, 3, 0},
		{10, 12, 3},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d-%d", tt.start, tt.stop), func(t *testing.T) {
			s, err := Parse(fmt.Sprintf("name_%%05d.ext:%d:%d", tt.start, tt.stop))
			require.NoError(t, err)
			require.True(t, s.IsTemplate())
			require.Equal(t, tt.want, s.Template.Len())

			names := slices.Collect(s.Names())
			require.Len(t, names, tt.want)
			for k, name := range names {
				require.Equal(t, fmt.Sprintf("name_%05d.ext", tt.start+k), name)
			}
		})
	}
}

func TestGenerate_Restartable(t *testing.T) {
	s, err := Parse("img_%03d.tif:1:3")
	require.NoError(t, err)

	first := slices.Collect(s.Names())
	second := slices.Collect(s.Names())
	require.Equal(t, []string{"img_001.tif", "img_002.tif", "img_003.tif"}, first)
	require.Equal(t, first, second)
}

func TestGenerate_Unbounded(t *testing.T) {
	s, err := Parse("img_%d.cbf:7:")
	require.NoError(t, err)
	require.False(t, s.Template.Bounded())
	require.Equal(t, -1, s.Template.Len())

	var got []string
	for name := range s.Names() {
		got = append(got, name)
		if len(got) == 4 {
			break
		}
	}
	require.Equal(t, []string{"img_7.cbf", "img_8.cbf", "img_9.cbf", "img_10.cbf"}, got)
}

func TestGenerate_Step(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"img_%02d.tif:0:9:3", []string{"img_00.tif", "img_03.tif", "img_06.tif", "img_09.tif"}},
		{"img_%02d.tif:1:8:3", []string{"img_01.tif", "img_04.tif", "img_07.tif"}},
		{"img_%02d.tif:2:2:5", []string{"img_02.tif"}},
		{"img_%02d.tif:3:2:2", nil},
		{"run:%d.tif:4:6:1", []string{"run:4.tif", "run:5.tif", "run:6.tif"}},
		{"burst_%d.h5://entry/data:0:4:2", []string{
			"burst_0.h5://entry/data", "burst_2.h5://entry/data", "burst_4.h5://entry/data",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			s, err := Parse(tt.in)
			require.NoError(t, err)
			require.True(t, s.IsTemplate())
			require.Equal(t, len(tt.want), s.Template.Len())
			require.Equal(t, tt.want, slices.Collect(s.Names()))
		})
	}

	s, err := Parse("img_%d.cbf:1::4")
	require.NoError(t, err)
	require.False(t, s.Template.Bounded())
	var got []string
	for name := range s.Names() {
		got = append(got, name)
		if len(got) == 3 {
			break
		}
	}
	require.Equal(t, []string{"img_1.cbf", "img_5.cbf", "img_9.cbf"}, got)
}

func TestParse_InnerPath(t *testing.T) {
	s, err := Parse("burst_%05d.h5://entry/data/data:0:1")
	require.NoError(t, err)
	require.Equal(t, "burst_%05d.h5", s.Template.Pattern)
	require.Equal(t, "/entry/data/data", s.Template.InnerPath)
	require.Equal(t, []string{
		"burst_00000.h5://entry/data/data",
		"burst_00001.h5://entry/data/data",
	}, slices.Collect(s.Names()))

	file, inner := SplitInner("burst_00001.h5://entry/data/data")
	require.Equal(t, "burst_00001.h5", file)
	require.Equal(t, "/entry/data/data", inner)

	file, inner = SplitInner("plain.tif")
	require.Equal(t, "plain.tif", file)
	require.Empty(t, inner)
}

func TestParse_Literals(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"single.tif", []string{"single.tif"}},
		{"a.tif:b.tif:c.tif", []string{"a.tif", "b.tif", "c.tif"}},
		{"scan.h5://entry/data", []string{"scan.h5://entry/data"}},
		{"a.h5://entry/data:b.tif", []string{"a.h5://entry/data", "b.tif"}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			s, err := Parse(tt.in)
			require.NoError(t, err)
			require.False(t, s.IsTemplate())
			require.Equal(t, tt.want, slices.Collect(s.Names()))
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{
		"",
		"img_%05d.tif:x:5",
		"img_%05d.tif:5:3",
		"img.tif:0:5",
		"img_%d_%d.tif:0:5",
		"img_%05d.tif:0:9:0",
		"img.tif:0:5:1",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			require.ErrorIs(t, err, utils.ErrInvalidSpec)
		})
	}
}

func TestParseList(t *testing.T) {
	specs, err := ParseList("img_%05d.tif:0:2, extra.tif,,", "")
	require.NoError(t, err)
	require.Len(t, specs, 2)
	require.True(t, specs[0].IsTemplate())
	require.Equal(t, []string{"extra.tif"}, specs[1].Literals)

	specs, err = ParseList("a.tif;b_%02d.tif:1:2", ";")
	require.NoError(t, err)
	require.Len(t, specs, 2)
	require.Equal(t, []string{"b_01.tif", "b_02.tif"}, slices.Collect(specs[1].Names()))

	_, err = ParseList("good.tif,bad_%d.tif:9:1", ",")
	require.ErrorIs(t, err, utils.ErrInvalidSpec)
}
