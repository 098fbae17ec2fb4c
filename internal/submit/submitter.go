// Package submit stages local input files into the artifact store and
// enqueues one job descriptor per input. Staging strictly precedes the
// enqueue so a queued job never references missing inputs.
package submit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/modelq/internal/domain"
	"github.com/SirClappington/modelq/internal/metrics"
	"github.com/SirClappington/modelq/internal/queue"
	"github.com/SirClappington/modelq/internal/store"
)

const stageConcurrency = 4

type Submitter struct {
	store store.Store
	queue queue.Queue
	log   *zap.Logger

	// Command is a template; every "{}" is replaced by the input file name.
	Command       string
	StorePatterns []string
	PreCommand    string
	PostCommand   string

	// SweepMinAge spares inputs written more recently than this from the
	// orphan sweep: another submitter may be between staging and enqueue.
	SweepMinAge time.Duration
}

func New(st store.Store, q queue.Queue, command string, log *zap.Logger) *Submitter {
	return &Submitter{store: st, queue: q, Command: command, log: log, SweepMinAge: 10 * time.Minute}
}

// Submit creates one job per local input file and returns the ids of every
// job that made it onto the queue. Per-file failures are aggregated; a
// partial result is still a result.
func (s *Submitter) Submit(ctx context.Context, localPaths []string) ([]string, error) {
	var (
		mu   sync.Mutex
		ids  []string
		errs error
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(stageConcurrency)

	for _, p := range localPaths {
		p := p
		g.Go(func() error {
			id, err := s.submitOne(ctx, p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, err)
				return nil // keep staging the rest
			}
			ids = append(ids, id)
			return nil
		})
	}
	_ = g.Wait()
	return ids, errs
}

func (s *Submitter) submitOne(ctx context.Context, localPath string) (string, error) {
	jobID := uuid.NewString()
	name := filepath.Base(localPath)
	key := domain.InputKey(jobID, name)

	f, err := os.Open(localPath)
	if err != nil {
		return "", &domain.UploadError{Key: key, Err: err}
	}
	err = s.store.Put(ctx, key, f)
	f.Close()
	if err != nil {
		return "", &domain.UploadError{Key: key, Err: err}
	}

	desc := &domain.JobDescriptor{
		JobID:         jobID,
		InputRefs:     []string{key},
		OutputPrefix:  domain.OutputPrefix(jobID),
		Command:       strings.ReplaceAll(s.Command, "{}", name),
		StorePatterns: s.StorePatterns,
		PreCommand:    s.PreCommand,
		PostCommand:   s.PostCommand,
	}
	body, err := desc.Encode()
	if err != nil {
		return "", &domain.EnqueueError{JobID: jobID, Err: err}
	}
	if _, err := s.queue.Enqueue(ctx, body); err != nil {
		// Inputs are already staged; they become sweepable orphans.
		return "", &domain.EnqueueError{JobID: jobID, Err: err}
	}

	metrics.JobsSubmittedTotal.Inc()
	s.log.Info("job queued",
		zap.String("job_id", jobID),
		zap.String("input", localPath),
		zap.String("command", desc.Command))
	return jobID, nil
}

// SweepOrphans deletes input artifacts of jobs that are neither live on the
// queue nor finished (no outputs, no failed marker). These are leftovers
// from submissions where staging succeeded but the enqueue did not.
func (s *Submitter) SweepOrphans(ctx context.Context, live map[string]struct{}) (int, error) {
	keys, err := s.store.List(ctx, "jobs/")
	if err != nil {
		return 0, err
	}

	inputs := make(map[string][]string)
	finished := make(map[string]struct{})
	for _, k := range keys {
		parts := strings.SplitN(k, "/", 3)
		if len(parts) < 3 {
			continue
		}
		jobID := parts[1]
		switch {
		case strings.HasPrefix(parts[2], "in/"):
			inputs[jobID] = append(inputs[jobID], k)
		case strings.HasPrefix(parts[2], "out/"), parts[2] == "failed":
			finished[jobID] = struct{}{}
		}
	}

	swept := 0
	for jobID, keys := range inputs {
		if _, ok := live[jobID]; ok {
			continue
		}
		if _, ok := finished[jobID]; ok {
			continue
		}
		if s.tooFresh(ctx, keys) {
			continue
		}
		for _, k := range keys {
			if err := s.store.Delete(ctx, k); err != nil {
				return swept, err
			}
			swept++
		}
		s.log.Info("swept orphaned inputs", zap.String("job_id", jobID))
	}
	return swept, nil
}

// tooFresh reports whether any of the keys was written within SweepMinAge.
// Unknown ages count as fresh; deleting is the wrong default.
func (s *Submitter) tooFresh(ctx context.Context, keys []string) bool {
	if s.SweepMinAge <= 0 {
		return false
	}
	mt, ok := s.store.(store.ModTimer)
	if !ok {
		return true
	}
	cutoff := time.Now().Add(-s.SweepMinAge)
	for _, k := range keys {
		t, err := mt.ModTime(ctx, k)
		if err != nil || t.After(cutoff) {
			return true
		}
	}
	return false
}
