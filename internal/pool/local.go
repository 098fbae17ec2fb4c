package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/SirClappington/modelq/internal/worker"
)

// LocalLauncher runs workers as goroutines inside the current process
// (embedded single-host mode and tests). The factory builds a fully wired
// worker for the given id.
type LocalLauncher struct {
	Factory func(id string) *worker.Worker

	mu    sync.Mutex
	procs map[string]*localProc
}

type localProc struct {
	w      *worker.Worker
	cancel context.CancelFunc
	done   chan struct{}
}

func NewLocalLauncher(factory func(id string) *worker.Worker) *LocalLauncher {
	return &LocalLauncher{Factory: factory, procs: make(map[string]*localProc)}
}

func (l *LocalLauncher) Launch(ctx context.Context, events Events) (string, error) {
	id := uuid.NewString()
	w := l.Factory(id)
	if events.Ready != nil {
		w.OnReady(func() { events.Ready(id) })
	}

	runCtx, cancel := context.WithCancel(context.Background())
	proc := &localProc{w: w, cancel: cancel, done: make(chan struct{})}

	l.mu.Lock()
	l.procs[id] = proc
	l.mu.Unlock()

	go func() {
		defer close(proc.done)
		_ = w.Run(runCtx)
		if events.Exited != nil {
			events.Exited(id)
		}
	}()
	return id, nil
}

func (l *LocalLauncher) Drain(workerID string) error {
	proc, err := l.proc(workerID)
	if err != nil {
		return err
	}
	proc.w.Drain()
	return nil
}

func (l *LocalLauncher) Terminate(workerID string) error {
	proc, err := l.proc(workerID)
	if err != nil {
		return err
	}
	proc.cancel()
	return nil
}

// Wait blocks until the given worker's goroutines have exited.
func (l *LocalLauncher) Wait(workerID string) {
	proc, err := l.proc(workerID)
	if err != nil {
		return
	}
	<-proc.done
}

func (l *LocalLauncher) proc(id string) (*localProc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	proc, ok := l.procs[id]
	if !ok {
		return nil, fmt.Errorf("unknown worker %s", id)
	}
	return proc, nil
}
