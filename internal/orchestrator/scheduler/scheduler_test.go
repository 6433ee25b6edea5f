package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"crmcore/internal/config"
	"crmcore/internal/orchestrator/jobs"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSender struct {
	mu    sync.Mutex
	sends map[string]int
}

func (c *countingSender) Send(_ context.Context, queue string, _ []byte) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends[queue]++
	return int64(c.sends[queue]), nil
}

func (c *countingSender) count(queue string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends[queue]
}

func catalog(schedule string) []jobs.Job {
	return []jobs.Job{
		{Name: jobs.NamePackageRenew, JobID: "package_renew_id", Schedule: schedule},
		{Name: jobs.NameTrialUserActivation, JobID: "trial_user_activation_id", Schedule: schedule},
		{Name: jobs.NameNegativeUsersList, JobID: "negative_users_list_id", Schedule: schedule},
	}
}

func TestParseSchedule(t *testing.T) {
	_, err := ParseSchedule("*/15 * * * *")
	assert.NoError(t, err)
	_, err = ParseSchedule("@every 30s")
	assert.NoError(t, err)
	_, err = ParseSchedule("not-a-cron")
	assert.Error(t, err)
}

func TestNew_SkipsFlaggedJobs(t *testing.T) {
	s, err := New(&countingSender{sends: map[string]int{}}, "ticks", catalog("0 * * * *"),
		config.Flags{jobs.NameTrialUserActivation: false}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, s.Entries())
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	_, err := New(&countingSender{sends: map[string]int{}}, "ticks", catalog("61 * * * *"), nil, zerolog.Nop())
	assert.ErrorContains(t, err, "invalid schedule")
}

func TestRun_EnqueuesTicksOnCadence(t *testing.T) {
	sender := &countingSender{sends: map[string]int{}}
	s, err := New(sender, "ticks", catalog("@every 1s")[:1], nil, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return sender.count("ticks") >= 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
