package event

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-lambda/wdog/common"
)

func TestCronScheduler_RegisterInvalid(t *testing.T) {
	c := NewCronScheduler(&mockDispatcher{})
	defer c.cleanup()

	err := c.Register([]common.CronTrigger{{Schedule: "not a schedule"}})
	assert.Error(t, err)
	assert.Zero(t, c.Count())
}

func TestCronScheduler_Invoke(t *testing.T) {
	d := &mockDispatcher{status: http.StatusInternalServerError}
	c := NewCronScheduler(d)
	defer c.cleanup()

	c.Invoke(common.CronTrigger{Schedule: "@hourly", Args: map[string]any{"job": "report"}})

	calls := d.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{"job": "report"}, calls[0].args)
	assert.Equal(t, "@hourly", calls[0].header.Get("X-Cron-Schedule"))
}

func TestCronScheduler_Fires(t *testing.T) {
	d := &mockDispatcher{}
	c := NewCronScheduler(d)
	defer c.cleanup()

	require.NoError(t, c.Register([]common.CronTrigger{
		{Schedule: "@every 1s", Args: []any{1}},
		{Schedule: "@daily"},
	}))
	assert.Equal(t, 2, c.Count())

	require.Eventually(t, func() bool {
		return len(d.snapshot()) > 0
	}, 3*time.Second, 50*time.Millisecond)
}
