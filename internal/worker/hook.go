package worker

import (
	"context"
	"io"
	"os/exec"
	"runtime"
)

// Hook is the pluggable execution payload: given a populated working
// directory and an opaque command, run the job body and report an exit
// status. The command's meaning is owned entirely by the hook; the state
// machine only cares whether the status is zero.
type Hook interface {
	Run(ctx context.Context, workdir, command string, stdout, stderr io.Writer) (int, error)
}

// ExecHook runs commands through the system shell with the working
// directory as cwd, capturing stdout and stderr.
type ExecHook struct{}

func (ExecHook) Run(ctx context.Context, workdir, command string, stdout, stderr io.Writer) (int, error) {
	var shell string
	var args []string
	switch runtime.GOOS {
	case "windows":
		shell, args = "powershell", []string{"-Command", command}
	default:
		shell, args = "/bin/sh", []string{"-c", command}
	}

	cmd := exec.CommandContext(ctx, shell, args...)
	cmd.Dir = workdir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	// Killed by timeout or failed to start.
	return -1, err
}
