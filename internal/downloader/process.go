package downloader

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrProcessNotStarted     = errors.New("process not started")
	ErrProcessAlreadyStarted = errors.New("process already started")
)

// process wraps an engine invocation. Stdout and stderr share a single pipe
// so lines arrive in the order the engine wrote them.
type process struct {
	cmd     *exec.Cmd
	output  *os.File
	started time.Time

	done     chan struct{}
	running  atomic.Bool
	exitCode atomic.Int32

	mu      sync.RWMutex
	exitErr error

	waitOnce sync.Once
}

func newProcess(cmd *exec.Cmd) *process {
	p := &process{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	p.exitCode.Store(-1)
	return p
}

func (p *process) start() error {
	if p.cmd.Process != nil {
		return ErrProcessAlreadyStarted
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create output pipe: %w", err)
	}
	p.cmd.Stdout = pw
	p.cmd.Stderr = pw

	if err := p.cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return fmt.Errorf("start %s: %w", p.cmd.Path, err)
	}
	// the child holds its own copy; ours must go so EOF arrives when the tree exits
	_ = pw.Close()

	p.output = pr
	p.started = time.Now()
	p.running.Store(true)
	go p.waitLoop()
	return nil
}

func (p *process) waitLoop() {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()

		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()

		exitCode := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
			}
		}

		p.exitCode.Store(int32(exitCode))
		p.running.Store(false)
		close(p.done)
	})
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// ExitCode is -1 until the process exits, and also when it was killed by a signal.
func (p *process) ExitCode() int {
	return int(p.exitCode.Load())
}

func (p *process) ExitError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

func (p *process) Done() <-chan struct{} {
	return p.done
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// interrupt asks the whole process group to stop.
func (p *process) interrupt() error {
	if p.cmd.Process == nil {
		return ErrProcessNotStarted
	}
	return signalTree(p.pid(), false)
}

// stop terminates the process tree: a graceful signal first, then a forced
// kill if the engine has not exited within grace.
func (p *process) stop(grace time.Duration) error {
	if p.cmd.Process == nil {
		return ErrProcessNotStarted
	}
	if p.exited() {
		// children may outlive the leader and still hold the pipe
		_ = signalTree(p.pid(), true)
		return nil
	}

	termErr := signalTree(p.pid(), false)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		_ = signalTree(p.pid(), true)
		return nil
	case <-timer.C:
	}

	if err := signalTree(p.pid(), true); err != nil {
		return errors.Join(termErr, fmt.Errorf("kill process tree: %w", err))
	}
	timer.Reset(grace)
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("process %d did not exit after kill", p.pid())
	}
}

func (p *process) closeOutput() {
	if p.output != nil {
		_ = p.output.Close()
	}
}

// readLines forwards trimmed, non-empty lines until EOF or until stop is
// closed. The channel is closed when reading ends.
func (p *process) readLines(stop <-chan struct{}) <-chan string {
	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(p.output)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		scanner.Split(scanLinesOrCR)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-stop:
				return
			}
		}
	}()
	return lines
}

// scanLinesOrCR splits on \n or \r. aria2c and ffmpeg redraw their progress
// line with carriage returns.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
