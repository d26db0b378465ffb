package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Session is one running transmitter session process.
type Session interface {
	// Send writes a frame to the session
	Send(f Frame) error
	// Frames yields decoded frames; it is closed when the output ends
	Frames() <-chan Frame
	// Done is closed once the process has exited
	Done() <-chan struct{}
	// Err is the exit error, valid after Done
	Err() error
	// Terminate asks the session to exit
	Terminate() error
	// Kill stops the session forcibly
	Kill() error
}

// Spawner starts sessions for a transmitter id.
type Spawner interface {
	Spawn(ctx context.Context, transmitterID string) (Session, error)
}

// Unpairer removes the paired-device association a session leaves behind.
type Unpairer interface {
	Unpair(ctx context.Context, transmitterID string) error
}

// idPlaceholder in command arguments is replaced with the transmitter id.
const idPlaceholder = "{id}"

// TransmitterIDEnv is set in the session environment.
const TransmitterIDEnv = "CGMRIG_TRANSMITTER_ID"

func expandArgs(args []string, id string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, idPlaceholder, id)
	}
	return out
}

// ExecSpawner runs the session as a child process speaking newline-delimited
// JSON on stdin and stdout. Stderr lines are logged.
type ExecSpawner struct {
	Command string
	Args    []string
	Logger  *slog.Logger
}

func (s *ExecSpawner) Spawn(ctx context.Context, transmitterID string) (Session, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session", "transmitter", transmitterID)

	cmd := exec.Command(s.Command, expandArgs(s.Args, transmitterID)...)
	cmd.Env = append(os.Environ(), TransmitterIDEnv+"="+transmitterID)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("session stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("session stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("session stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start session %s: %w", s.Command, err)
	}
	logger.Info("session started", "pid", cmd.Process.Pid)

	es := &execSession{
		cmd:    cmd,
		stdin:  stdin,
		frames: make(chan Frame, 16),
		done:   make(chan struct{}),
		logger: logger,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		es.readFrames(stdout)
	}()
	go func() {
		defer wg.Done()
		es.logStderr(stderr)
	}()
	go func() {
		// pipes must be drained before Wait
		wg.Wait()
		es.err = cmd.Wait()
		close(es.done)
	}()

	return es, nil
}

type execSession struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	wmu    sync.Mutex
	frames chan Frame
	done   chan struct{}
	err    error
	logger *slog.Logger
}

func (s *execSession) readFrames(r io.Reader) {
	defer close(s.frames)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var f Frame
		if err := json.Unmarshal([]byte(line), &f); err != nil {
			s.logger.Warn("skipping malformed frame", "error", err, "line", line)
			continue
		}
		s.frames <- f
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("session output ended", "error", err)
	}
}

func (s *execSession) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Debug(scanner.Text())
	}
}

func (s *execSession) Send(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	data = append(data, '\n')

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.stdin.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (s *execSession) Frames() <-chan Frame  { return s.frames }
func (s *execSession) Done() <-chan struct{} { return s.done }
func (s *execSession) Err() error            { return s.err }

func (s *execSession) Terminate() error {
	s.wmu.Lock()
	s.stdin.Close()
	s.wmu.Unlock()
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

func (s *execSession) Kill() error {
	if err := s.cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

// ExecUnpairer runs a command to drop the stale pairing. An empty command
// does nothing.
type ExecUnpairer struct {
	Command string
	Args    []string
	Timeout time.Duration
}

func (u *ExecUnpairer) Unpair(ctx context.Context, transmitterID string) error {
	if u.Command == "" {
		return nil
	}
	timeout := u.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, u.Command, expandArgs(u.Args, transmitterID)...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("unpair %s: %w (%s)", transmitterID, err, strings.TrimSpace(string(out)))
	}
	return nil
}
