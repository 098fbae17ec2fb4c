package pool

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ExecLauncher spawns workers as independent OS processes running the
// worker binary. Pids are persisted under PidDir so a later CLI invocation
// can find and drain or terminate workers it did not start itself.
type ExecLauncher struct {
	Binary string
	Args   []string
	Env    []string // extra KEY=VALUE pairs on top of the parent env
	PidDir string

	mu   sync.Mutex
	pids map[string]int
}

func NewExecLauncher(binary string, args, env []string, pidDir string) (*ExecLauncher, error) {
	if err := os.MkdirAll(pidDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create pid dir")
	}
	return &ExecLauncher{Binary: binary, Args: args, Env: env, PidDir: pidDir, pids: make(map[string]int)}, nil
}

func (l *ExecLauncher) Launch(_ context.Context, events Events) (string, error) {
	id := uuid.NewString()

	cmd := exec.Command(l.Binary, l.Args...)
	cmd.Env = append(os.Environ(), append(l.Env, "MODELQ_WORKER_ID="+id)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return "", err
	}

	pid := cmd.Process.Pid
	if err := os.WriteFile(l.pidFile(id), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		_ = cmd.Process.Kill()
		return "", errors.Wrap(err, "write pid file")
	}

	l.mu.Lock()
	l.pids[id] = pid
	l.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		os.Remove(l.pidFile(id))
		if events.Exited != nil {
			events.Exited(id)
		}
	}()
	return id, nil
}

// Drain sends SIGTERM; the worker daemon treats it as a drain request and
// exits after its in-flight jobs finish.
func (l *ExecLauncher) Drain(workerID string) error {
	return l.signal(workerID, syscall.SIGTERM)
}

func (l *ExecLauncher) Terminate(workerID string) error {
	if err := l.signal(workerID, syscall.SIGKILL); err != nil {
		return err
	}
	os.Remove(l.pidFile(workerID))
	return nil
}

// Existing returns ids of workers whose pid files point at live processes.
func (l *ExecLauncher) Existing() []string {
	matches, err := filepath.Glob(filepath.Join(l.PidDir, "*.pid"))
	if err != nil {
		return nil
	}
	var ids []string
	for _, p := range matches {
		id := strings.TrimSuffix(filepath.Base(p), ".pid")
		pid, err := l.readPid(id)
		if err != nil {
			continue
		}
		if syscall.Kill(pid, 0) != nil {
			os.Remove(p) // stale
			continue
		}
		l.mu.Lock()
		l.pids[id] = pid
		l.mu.Unlock()
		ids = append(ids, id)
	}
	return ids
}

func (l *ExecLauncher) signal(id string, sig syscall.Signal) error {
	l.mu.Lock()
	pid, ok := l.pids[id]
	l.mu.Unlock()
	if !ok {
		var err error
		if pid, err = l.readPid(id); err != nil {
			return errors.Wrapf(err, "worker %s", id)
		}
	}
	return syscall.Kill(pid, sig)
}

func (l *ExecLauncher) readPid(id string) (int, error) {
	b, err := os.ReadFile(l.pidFile(id))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

func (l *ExecLauncher) pidFile(id string) string {
	return filepath.Join(l.PidDir, id+".pid")
}
