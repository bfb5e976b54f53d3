package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/docker/docker/pkg/stdcopy"

	"brainrunner/internal/sandbox"
)

// DockerSpawner runs the agent inside a container, binding the task's
// resolved working directory to /workspace. The agent binary must be on
// the image's PATH.
type DockerSpawner struct {
	Client *sandbox.Client
	Image  string
	Logger *slog.Logger
}

func NewDockerSpawner(logger *slog.Logger, client *sandbox.Client, image string) *DockerSpawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerSpawner{Client: client, Image: image, Logger: logger}
}

func (s *DockerSpawner) Spawn(ctx context.Context, spec SpawnSpec, sink LineSink) (Process, error) {
	if s.Image == "" {
		return nil, fmt.Errorf("spawn %s: no sandbox image configured", spec.TaskID)
	}
	if err := s.Client.EnsureImage(ctx, s.Image); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.TaskID, err)
	}

	cmd := []string{spec.Agent, spec.Path}
	if spec.Model != "" {
		cmd = append(cmd, "--model", spec.Model)
	}

	id, err := s.Client.StartAgent(ctx, sandbox.RunSpec{
		Image:   s.Image,
		Cmd:     cmd,
		Env:     spec.Env,
		Workdir: spec.Workdir,
		Name:    fmt.Sprintf("brain-agent-%s", spec.TaskID),
	})
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.TaskID, err)
	}
	s.Logger.Info("agent container started", "task", spec.TaskID, "container", id[:12])

	// Detach the stream lifetime from the launch context so logs survive
	// until the container exits.
	logCtx, stopLogs := context.WithCancel(context.Background())
	p := &dockerProcess{
		client:      s.Client,
		containerID: id,
		stopLogs:    stopLogs,
	}

	logs, err := s.Client.FollowLogs(logCtx, id)
	if err != nil {
		stopLogs()
		_ = s.Client.Remove(context.Background(), id)
		return nil, fmt.Errorf("spawn %s: %w", spec.TaskID, err)
	}

	p.pumps.Add(1)
	go func() {
		defer p.pumps.Done()
		defer logs.Close()
		outW := newLineWriter("stdout", sink)
		errW := newLineWriter("stderr", sink)
		_, _ = stdcopy.StdCopy(outW, errW, logs)
		outW.Flush()
		errW.Flush()
	}()

	return p, nil
}

type dockerProcess struct {
	client      *sandbox.Client
	containerID string
	stopLogs    context.CancelFunc
	pumps       sync.WaitGroup
}

func (p *dockerProcess) PID() int { return 0 }

func (p *dockerProcess) Terminate() error {
	return p.client.Stop(context.Background(), p.containerID, 10)
}

func (p *dockerProcess) Kill() error {
	return p.client.Kill(context.Background(), p.containerID)
}

func (p *dockerProcess) Wait() (int, error) {
	code, err := p.client.WaitExit(context.Background(), p.containerID)
	p.stopLogs()
	p.pumps.Wait()
	_ = p.client.Remove(context.Background(), p.containerID)
	return code, err
}

// lineWriter frames a byte stream into lines for a LineSink.
type lineWriter struct {
	stream string
	sink   LineSink
	buf    []byte
}

func newLineWriter(stream string, sink LineSink) *lineWriter {
	return &lineWriter{stream: stream, sink: sink}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := string(w.buf[:i])
		w.buf = w.buf[i+1:]
		if w.sink != nil {
			w.sink(w.stream, trimCR(line))
		}
	}
	return len(p), nil
}

// Flush emits a trailing unterminated line, if any.
func (w *lineWriter) Flush() {
	if len(w.buf) > 0 && w.sink != nil {
		w.sink(w.stream, trimCR(string(w.buf)))
		w.buf = nil
	}
}

func trimCR(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\r' {
		return s[:len(s)-1]
	}
	return s
}

// scanLines streams r line by line into sink. Used by remote backends
// whose log APIs hand back a plain reader.
func scanLines(r io.Reader, stream string, sink LineSink) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if sink != nil {
			sink(stream, scanner.Text())
		}
	}
}
