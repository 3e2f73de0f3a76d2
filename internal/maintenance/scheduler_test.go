package maintenance

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsJobs(t *testing.T) {
	var runs atomic.Int32
	s, err := Start([]Job{
		{Name: "sweep", Every: 20 * time.Millisecond, Run: func() int { return int(runs.Add(1)) }},
		{Name: "disabled", Every: 0, Run: func() int { return 0 }},
	}, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, []string{"sweep"}, s.Jobs())
	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Shutdown())

	after := runs.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after shutdown")
}
