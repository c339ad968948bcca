package event

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/open-lambda/wdog/common"
)

// Dispatcher runs a synthetic invocation; RunServer is the real one.
type Dispatcher interface {
	Dispatch(args any, contentType, body string, header http.Header) (status int, respBody []byte)
}

// CronScheduler invokes the module on the schedules from wdog.yaml.
type CronScheduler struct {
	cron       *cron.Cron
	mapLock    sync.Mutex // protects jobs
	jobs       []cron.EntryID
	dispatcher Dispatcher
}

func NewCronScheduler(d Dispatcher) *CronScheduler {
	c := &CronScheduler{
		cron:       cron.New(),
		dispatcher: d,
	}
	c.cron.Start()
	return c
}

func (c *CronScheduler) Register(triggers []common.CronTrigger) error {
	if len(triggers) == 0 {
		return nil
	}

	c.mapLock.Lock()
	defer c.mapLock.Unlock()

	for _, trigger := range triggers {
		trigger := trigger
		entryID, err := c.cron.AddFunc(trigger.Schedule, func() {
			c.Invoke(trigger)
		})
		if err != nil {
			return fmt.Errorf("[CronScheduler] Failed to add cron job %q: %v", trigger.Schedule, err)
		}
		c.jobs = append(c.jobs, entryID)
		slog.Info("Registered cron trigger", "schedule", trigger.Schedule)
	}

	return nil
}

// Count reports how many schedules are active.
func (c *CronScheduler) Count() int {
	c.mapLock.Lock()
	defer c.mapLock.Unlock()
	return len(c.jobs)
}

func (c *CronScheduler) Invoke(trigger common.CronTrigger) {
	t := common.T0("cron-invocation")
	defer t.T1()

	header := http.Header{}
	header.Set("X-Cron-Schedule", trigger.Schedule)
	status, body := c.dispatcher.Dispatch(trigger.Args, "", "", header)

	if status != http.StatusOK {
		slog.Warn("[CronScheduler] invocation failed", "schedule", trigger.Schedule, "status", status, "response", string(body))
	} else {
		slog.Info("[CronScheduler] invocation succeeded", "schedule", trigger.Schedule, "response", string(body))
	}
}

func (c *CronScheduler) cleanup() {
	c.mapLock.Lock()
	for _, id := range c.jobs {
		c.cron.Remove(id)
	}
	c.jobs = nil
	c.mapLock.Unlock()

	// wait for running jobs
	<-c.cron.Stop().Done()
}
