// Package worker implements the job execution loop. Each execution slot
// independently cycles Idle -> Claimed -> Fetching -> Running -> Publishing
// -> Completed, or drops out at Failed and lets the lease expire so the
// message is redelivered. All per-attempt state lives in a disposable
// working directory; a crashed worker needs no recovery logic of its own.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/modelq/internal/domain"
	"github.com/SirClappington/modelq/internal/metrics"
	"github.com/SirClappington/modelq/internal/queue"
	"github.com/SirClappington/modelq/internal/store"
)

type Config struct {
	ID          string
	Slots       int
	PollWait    time.Duration // long-poll bound per receive
	LeaseTTL    time.Duration // heartbeat extensions use this window
	MaxAttempts int           // poison threshold
	JobTimeout  time.Duration // hard per-job limit, 0 = none
	WorkDir     string        // root for per-attempt working directories
}

type Worker struct {
	cfg   Config
	queue queue.Queue
	store store.Store
	hook  Hook
	log   *zap.Logger

	draining atomic.Bool
	onReady  atomic.Pointer[func()]
	readyHit atomic.Bool
}

func New(cfg Config, q queue.Queue, st store.Store, hook Hook, log *zap.Logger) *Worker {
	if cfg.Slots < 1 {
		cfg.Slots = 1
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = 5 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	return &Worker{cfg: cfg, queue: q, store: st, hook: hook, log: log}
}

// OnReady registers a callback fired once, on the first successful poll.
// The pool controller uses it to move the worker from starting to ready.
func (w *Worker) OnReady(fn func()) { w.onReady.Store(&fn) }

// Drain asks the worker to stop after its current jobs. It never interrupts
// a running or publishing slot.
func (w *Worker) Drain() { w.draining.Store(true) }

// Run blocks until every slot has exited. Cancelling ctx is a hard stop:
// in-flight leases are abandoned and their jobs redeliver after expiry.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Slots; i++ {
		i := i
		g.Go(func() error {
			w.runSlot(ctx, i)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) runSlot(ctx context.Context, slot int) {
	log := w.log.With(zap.String("worker_id", w.cfg.ID), zap.Int("slot", slot))
	for {
		if ctx.Err() != nil || w.draining.Load() {
			return
		}

		msg, err := w.queue.Receive(ctx, w.cfg.PollWait)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn("poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		w.fireReady()
		if msg == nil {
			continue
		}
		w.process(ctx, msg, log)
	}
}

func (w *Worker) fireReady() {
	if w.readyHit.CompareAndSwap(false, true) {
		if fn := w.onReady.Load(); fn != nil {
			(*fn)()
		}
	}
}

func (w *Worker) process(ctx context.Context, msg *queue.Message, log *zap.Logger) {
	start := time.Now()
	metrics.ActiveSlots.Inc()
	defer func() {
		metrics.ActiveSlots.Dec()
		metrics.JobDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	desc, err := domain.DecodeDescriptor(msg.Body)
	if err != nil {
		// Malformed payloads can never succeed; dead-letter immediately
		// so they don't cycle through the pool forever.
		log.Error("undecodable message", zap.Error(err))
		if err := w.queue.MoveToDead(ctx, msg.Handle); err != nil {
			log.Warn("dead-letter failed", zap.Error(err))
		}
		metrics.JobsCompletedTotal.WithLabelValues("dead_lettered").Inc()
		return
	}

	log = log.With(zap.String("job_id", desc.JobID), zap.Int("attempt", msg.Attempt))

	if msg.Attempt >= w.cfg.MaxAttempts {
		w.poison(ctx, desc, msg, log)
		return
	}

	// Heartbeat: keep the lease alive while this slot is healthy. Stopping
	// the extender is what lets a failed attempt expire and redeliver.
	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go w.extendLease(hbCtx, msg.Handle)

	workdir, err := os.MkdirTemp(w.cfg.WorkDir, desc.JobID+"-")
	if err != nil {
		log.Error("workdir create failed", zap.Error(err))
		metrics.JobsCompletedTotal.WithLabelValues("failed").Inc()
		return
	}
	defer os.RemoveAll(workdir)

	// Fetching
	inputs, err := w.fetchInputs(ctx, desc, workdir)
	if err != nil {
		log.Warn("input fetch failed", zap.Error(err))
		metrics.JobsCompletedTotal.WithLabelValues("failed").Inc()
		return
	}

	// Running
	var stdout, stderr bytes.Buffer
	execErr := w.runCommands(ctx, desc, workdir, &stdout, &stderr)
	w.publishLogs(ctx, desc, &stdout, &stderr, log)
	if execErr != nil {
		log.Warn("job failed", zap.Error(execErr))
		metrics.JobsCompletedTotal.WithLabelValues("failed").Inc()
		return
	}

	// Publishing
	if err := w.publishOutputs(ctx, desc, workdir, inputs); err != nil {
		// Partial outputs are fine: the retry overwrites them key by key.
		log.Warn("output publish failed", zap.Error(err))
		metrics.JobsCompletedTotal.WithLabelValues("failed").Inc()
		return
	}

	// Deleting the message is the single commit point.
	if err := w.queue.Delete(ctx, msg.Handle); err != nil {
		log.Warn("message delete failed, job will redeliver", zap.Error(err))
		return
	}
	metrics.JobsCompletedTotal.WithLabelValues("completed").Inc()
	log.Info("job completed", zap.Duration("took", time.Since(start)))
}

func (w *Worker) extendLease(ctx context.Context, handle string) {
	interval := w.cfg.LeaseTTL / 3
	if interval < time.Second {
		interval = time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := w.queue.Extend(ctx, handle, w.cfg.LeaseTTL); err != nil {
				w.log.Warn("lease extend failed", zap.String("handle", handle), zap.Error(err))
			}
		}
	}
}

// fetchInputs stages every input ref into the working directory and returns
// the local file names it created.
func (w *Worker) fetchInputs(ctx context.Context, desc *domain.JobDescriptor, workdir string) (map[string]bool, error) {
	inputs := make(map[string]bool, len(desc.InputRefs))
	for _, ref := range desc.InputRefs {
		name := path.Base(ref)
		if inputs[name] {
			// Two refs with one base name would overwrite each other.
			return nil, fmt.Errorf("fetch %s: duplicate input name %q", ref, name)
		}
		rc, err := w.store.Get(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", ref, err)
		}
		dest := filepath.Join(workdir, name)
		f, err := os.Create(dest)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("fetch %s: %w", ref, err)
		}
		_, err = io.Copy(f, rc)
		rc.Close()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", ref, err)
		}
		inputs[name] = true
	}
	return inputs, nil
}

// runCommands runs pre, main and post commands in order under the per-job
// timeout. A hard timeout is indistinguishable from a non-zero exit.
func (w *Worker) runCommands(ctx context.Context, desc *domain.JobDescriptor, workdir string, stdout, stderr io.Writer) error {
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}

	for _, command := range []string{desc.PreCommand, desc.Command, desc.PostCommand} {
		if command == "" {
			continue
		}
		code, err := w.hook.Run(ctx, workdir, command, stdout, stderr)
		if err != nil {
			return &domain.ExecutionError{JobID: desc.JobID, ExitCode: code, Err: err}
		}
		if code != 0 {
			return &domain.ExecutionError{JobID: desc.JobID, ExitCode: code}
		}
	}
	return nil
}

// publishLogs stores captured stdout/stderr regardless of outcome.
// Best effort: a log upload failure never changes the job's fate.
func (w *Worker) publishLogs(ctx context.Context, desc *domain.JobDescriptor, stdout, stderr *bytes.Buffer, log *zap.Logger) {
	for stream, buf := range map[string]*bytes.Buffer{"stdout": stdout, "stderr": stderr} {
		if buf.Len() == 0 {
			continue
		}
		if err := w.store.Put(ctx, domain.LogKey(desc.JobID, stream), bytes.NewReader(buf.Bytes())); err != nil {
			log.Warn("log upload failed", zap.String("stream", stream), zap.Error(err))
		}
	}
}

// publishOutputs uploads the files the hook produced under output_prefix.
// Inputs are skipped; store_patterns, when present, select what to keep.
func (w *Worker) publishOutputs(ctx context.Context, desc *domain.JobDescriptor, workdir string, inputs map[string]bool) error {
	patterns := make([]*regexp.Regexp, 0, len(desc.StorePatterns))
	for _, p := range desc.StorePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("store pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return filepath.WalkDir(workdir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(workdir, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if inputs[name] {
			return nil
		}
		if len(patterns) > 0 && !matchAny(patterns, name) {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("publish %s: %w", name, err)
		}
		defer f.Close()
		if err := w.store.Put(ctx, desc.OutputPrefix+name, f); err != nil {
			return fmt.Errorf("publish %s: %w", name, err)
		}
		return nil
	})
}

func matchAny(patterns []*regexp.Regexp, name string) bool {
	for _, re := range patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// poison dead-letters a message past the attempt threshold: write the
// failed marker first, then move the message. If the marker write fails
// the lease simply expires and the next delivery tries again.
func (w *Worker) poison(ctx context.Context, desc *domain.JobDescriptor, msg *queue.Message, log *zap.Logger) {
	marker := fmt.Sprintf("attempts=%d exceeded threshold=%d\n", msg.Attempt, w.cfg.MaxAttempts)
	if err := w.store.Put(ctx, domain.FailedMarker(desc.JobID), bytes.NewReader([]byte(marker))); err != nil {
		log.Warn("failed marker write failed", zap.Error(err))
		return
	}
	if err := w.queue.MoveToDead(ctx, msg.Handle); err != nil {
		log.Warn("dead-letter failed", zap.Error(err))
		return
	}
	metrics.JobsCompletedTotal.WithLabelValues("dead_lettered").Inc()
	log.Error("job dead-lettered", zap.Int("attempts", msg.Attempt))
}
