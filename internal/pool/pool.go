// Package pool manages the set of running workers: scale to a target,
// drain before teardown, or terminate hard. Node lifecycle itself (spawning
// a process, booting a VM) lives behind the Launcher interface; the
// controller only decides when to call it.
package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Status string

const (
	StatusStarting    Status = "starting"
	StatusReady       Status = "ready"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
)

type WorkerRecord struct {
	WorkerID   string
	LaunchTime time.Time
	Status     Status
}

// Events lets a launcher report worker lifecycle back to the controller.
// Both callbacks are optional for launchers that cannot observe them.
type Events struct {
	Ready  func(workerID string)
	Exited func(workerID string)
}

type Launcher interface {
	// Launch starts one worker and returns its id.
	Launch(ctx context.Context, events Events) (string, error)
	// Drain signals a worker to finish its current job and exit.
	Drain(workerID string) error
	// Terminate hard-stops a worker; abandoned leases redeliver.
	Terminate(workerID string) error
}

// ScaleReport describes the outcome of one Scale call. Launch failures end
// up in Failures instead of aborting the call: partial success is success.
type ScaleReport struct {
	Launched []string
	Drained  []string
	Failures error
}

type Controller struct {
	launcher      Launcher
	log           *zap.Logger
	bootGrace     time.Duration
	launchRetries int

	mu         sync.Mutex
	records    map[string]*WorkerRecord
	earlyReady map[string]bool // ready signals that beat record creation
}

func NewController(l Launcher, bootGrace time.Duration, log *zap.Logger) *Controller {
	if bootGrace <= 0 {
		bootGrace = 30 * time.Second
	}
	return &Controller{
		launcher:      l,
		log:           log,
		bootGrace:     bootGrace,
		launchRetries: 2,
		records:       make(map[string]*WorkerRecord),
		earlyReady:    make(map[string]bool),
	}
}

// Scale converges the number of starting-or-ready workers to target.
// Individual launch failures are retried a bounded number of times and
// reported; they never block the remaining launches.
func (c *Controller) Scale(ctx context.Context, target int) *ScaleReport {
	report := &ScaleReport{}
	active := c.activeIDs()

	for i := len(active); i < target; i++ {
		id, err := c.launchOne(ctx)
		if err != nil {
			report.Failures = multierr.Append(report.Failures,
				errors.Wrap(err, "launch worker"))
			continue
		}
		report.Launched = append(report.Launched, id)
	}

	if excess := len(active) - target; excess > 0 {
		// Drain the youngest first; the oldest workers have warm caches.
		for _, id := range active[len(active)-excess:] {
			if err := c.drainOne(id); err != nil {
				report.Failures = multierr.Append(report.Failures,
					errors.Wrapf(err, "drain worker %s", id))
				continue
			}
			report.Drained = append(report.Drained, id)
		}
	}

	c.log.Info("scale complete",
		zap.Int("target", target),
		zap.Int("launched", len(report.Launched)),
		zap.Int("drained", len(report.Drained)),
		zap.Int("failures", len(multierr.Errors(report.Failures))))
	return report
}

func (c *Controller) launchOne(ctx context.Context) (string, error) {
	events := Events{Ready: c.markReady, Exited: c.markTerminated}

	var lastErr error
	for attempt := 0; attempt <= c.launchRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		id, err := c.launcher.Launch(ctx, events)
		if err != nil {
			lastErr = err
			continue
		}

		c.mu.Lock()
		rec := &WorkerRecord{
			WorkerID:   id,
			LaunchTime: time.Now(),
			Status:     StatusStarting,
		}
		if c.earlyReady[id] {
			rec.Status = StatusReady
			delete(c.earlyReady, id)
		}
		c.records[id] = rec
		c.mu.Unlock()

		// Boot grace: a worker we cannot observe polling still counts as
		// ready once it has had time to come up.
		time.AfterFunc(c.bootGrace, func() { c.markReady(id) })
		return id, nil
	}
	return "", lastErr
}

func (c *Controller) drainOne(id string) error {
	if err := c.launcher.Drain(id); err != nil {
		return err
	}
	c.setStatus(id, StatusTerminating)
	return nil
}

// Adopt registers already-running workers (found from a previous
// invocation) as ready records.
func (c *Controller) Adopt(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if _, ok := c.records[id]; ok {
			continue
		}
		c.records[id] = &WorkerRecord{WorkerID: id, Status: StatusReady}
	}
}

// DrainAll signals every active worker to finish up. In-flight leases are
// honored; nothing is interrupted.
func (c *Controller) DrainAll(ctx context.Context) error {
	var errs error
	for _, id := range c.activeIDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.drainOne(id); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "drain worker %s", id))
		}
	}
	return errs
}

// TerminateAll hard-stops every worker immediately. Jobs they held simply
// redeliver after lease expiry.
func (c *Controller) TerminateAll(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.records))
	for id, rec := range c.records {
		if rec.Status != StatusTerminated {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	var errs error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.launcher.Terminate(id); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "terminate worker %s", id))
			continue
		}
		c.setStatus(id, StatusTerminated)
	}
	return errs
}

// Records returns a snapshot of all worker records, oldest first.
func (c *Controller) Records() []WorkerRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WorkerRecord, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LaunchTime.Before(out[j].LaunchTime) })
	return out
}

// ReadyCount reports how many workers are currently ready.
func (c *Controller) ReadyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, rec := range c.records {
		if rec.Status == StatusReady {
			n++
		}
	}
	return n
}

func (c *Controller) activeIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	type entry struct {
		id string
		t  time.Time
	}
	var active []entry
	for id, rec := range c.records {
		if rec.Status == StatusStarting || rec.Status == StatusReady {
			active = append(active, entry{id, rec.LaunchTime})
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].t.Before(active[j].t) })
	ids := make([]string, len(active))
	for i, e := range active {
		ids[i] = e.id
	}
	return ids
}

func (c *Controller) markReady(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		c.earlyReady[id] = true
		return
	}
	if rec.Status == StatusStarting {
		rec.Status = StatusReady
	}
}

func (c *Controller) markTerminated(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[id]; ok {
		rec.Status = StatusTerminated
	}
}

func (c *Controller) setStatus(id string, s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[id]; ok {
		rec.Status = s
	}
}
