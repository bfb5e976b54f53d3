package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// SpawnSpec describes one agent invocation.
type SpawnSpec struct {
	TaskID      string
	Project     string
	Path        string
	Title       string
	Agent       string // agent CLI binary
	Model       string
	Workdir     string
	Env         []string // appended to the inherited environment
	OutcomeFile string   // where the agent reports a blocked outcome
}

// LineSink receives framed output lines from a child process.
// stream is "stdout" or "stderr".
type LineSink func(stream, line string)

// Process is a handle on one running agent, whatever backend runs it.
type Process interface {
	// PID returns the OS process id, or 0 for remote backends.
	PID() int
	// Terminate asks the process to stop politely.
	Terminate() error
	// Kill stops the process immediately.
	Kill() error
	// Wait blocks until exit and returns the exit code. It must not
	// return before all output lines have reached the sink.
	Wait() (int, error)
}

// Spawner starts agent processes. The local backend is the default;
// docker and kubernetes backends run the same contract in a sandbox.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec, sink LineSink) (Process, error)
}

// LocalSpawner runs the agent CLI directly on the host in the task's
// resolved working directory.
type LocalSpawner struct{}

func (LocalSpawner) Spawn(ctx context.Context, spec SpawnSpec, sink LineSink) (Process, error) {
	if spec.Agent == "" {
		return nil, fmt.Errorf("spawn %s: no agent configured", spec.TaskID)
	}

	args := []string{spec.Path}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}

	cmd := exec.Command(spec.Agent, args...)
	cmd.Dir = spec.Workdir
	cmd.Env = append(os.Environ(), spec.Env...)
	// Own process group so a soft signal reaches the agent's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.TaskID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.TaskID, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.TaskID, err)
	}

	p := &localProcess{cmd: cmd}
	p.pumps.Add(2)
	go p.pump("stdout", stdout, sink)
	go p.pump("stderr", stderr, sink)
	return p, nil
}

type localProcess struct {
	cmd   *exec.Cmd
	pumps sync.WaitGroup
}

func (p *localProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *localProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	// Signal the whole group.
	return syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM)
}

func (p *localProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
}

func (p *localProcess) Wait() (int, error) {
	p.pumps.Wait()
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// pump frames one stream line by line, preserving emission order.
func (p *localProcess) pump(stream string, r io.Reader, sink LineSink) {
	defer p.pumps.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if sink != nil {
			sink(stream, scanner.Text())
		}
	}
}
