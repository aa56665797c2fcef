package acceptance

import (
	"bufio"
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// LineFunc receives one output line; stream is "stdout" or "stderr".
type LineFunc func(stream, line string)

// CommandRunner executes one acceptance command in a directory. A nil
// onLine discards output. Implementations return a non-nil error for
// non-zero exits.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string, onLine LineFunc) error
}

// killDelay is how long a cancelled child gets between SIGTERM and
// SIGKILL.
const killDelay = 5 * time.Second

// ShellRunner runs commands through `sh -c`, draining both std streams.
type ShellRunner struct{}

// Run implements CommandRunner.
func (ShellRunner) Run(ctx context.Context, dir, command string, onLine LineFunc) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = killDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	drain := func(stream string, r interface{ Read([]byte) (int, error) }) {
		defer wg.Done()
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for sc.Scan() {
			if onLine != nil {
				onLine(stream, sc.Text())
			}
		}
	}
	wg.Add(2)
	go drain("stdout", stdout)
	go drain("stderr", stderr)
	wg.Wait()

	return cmd.Wait()
}
