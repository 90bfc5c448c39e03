package filewriter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFlushPacer_Geometric(t *testing.T) {
	clock := time.Unix(0, 0)
	p := NewFlushPacer()
	p.now = func() time.Time { return clock }

	require.False(t, p.Due())

	writes := 0
	for i := 0; i < 1000; i++ {
		p.Touch()
		if p.Due() {
			p.Done()
			writes++
		}
	}
	require.Less(t, writes, 80)
	require.Greater(t, writes, 8)

	p.Touch()
	if !p.Due() {
		clock = clock.Add(p.MaxDelay)
		require.True(t, p.Due())
	}
	p.Done()
	require.False(t, p.Pending())
}

func TestFlushPacer_FirstChangeIsDue(t *testing.T) {
	p := NewFlushPacer()
	p.Touch()
	require.True(t, p.Due())
	require.True(t, p.Pending())
}
