package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
)

// Crontab runs the engine's periodic jobs by name.
type Crontab struct {
	inner *cron.Cron
	ids   map[string]cron.EntryID
	mutex sync.Mutex
}

func NewCrontab() *Crontab {
	return &Crontab{
		inner: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ids:   make(map[string]cron.EntryID),
	}
}

// IDs lists the jobs still scheduled.
func (c *Crontab) IDs() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	validIDs := make([]string, 0, len(c.ids))
	for sid, eid := range c.ids {
		if e := c.inner.Entry(eid); e.ID != eid {
			delete(c.ids, sid)
			continue
		}
		validIDs = append(validIDs, sid)
	}
	return validIDs
}

func (c *Crontab) Start() {
	c.inner.Start()
}

// Stop waits for running jobs to return.
func (c *Crontab) Stop() {
	<-c.inner.Stop().Done()
}

// DelByID 删除任务
func (c *Crontab) DelByID(id string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	eid, ok := c.ids[id]
	if !ok {
		return
	}
	c.inner.Remove(eid)
	delete(c.ids, id)
}

// AddByID 添加任务
func (c *Crontab) AddByID(id string, spec string, cmd cron.Job) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, ok := c.ids[id]; ok {
		return errors.Errorf("crontab id %s exists", id)
	}
	eid, err := c.inner.AddJob(spec, cmd)
	if err != nil {
		return errors.Wrapf(err, "schedule %s", id)
	}
	c.ids[id] = eid
	return nil
}

// Every schedules f under id at a fixed interval.
func (c *Crontab) Every(id string, interval time.Duration, f func()) error {
	if interval <= 0 {
		return nil
	}
	return c.AddByID(id, fmt.Sprintf("@every %s", interval), namedJob{name: id, run: f})
}

type namedJob struct {
	name string
	run  func()
}

func (j namedJob) Run() {
	if logger.DebugEnabled(logger.DebugGopher) {
		logger.Debugf("cron: %s", j.name)
	}
	j.run()
}
