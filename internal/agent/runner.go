package agent

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	. "github.com/clawdis/warelay/internal/logging"
)

const (
	// stderrTailLines is how many trailing stderr lines are kept for
	// crash reports.
	stderrTailLines = 40

	// termGrace is how long a terminated agent gets to exit cleanly
	// before SIGKILL.
	termGrace = 5 * time.Second

	// maxLineBytes bounds a single stdout line; agents can emit long
	// unwrapped paragraphs.
	maxLineBytes = 1 << 20
)

// ErrEmptyCommand is returned when the reply command resolves to an
// empty argv.
var ErrEmptyCommand = errors.New("agent: empty command")

// Invocation is one agent turn: a spawned subprocess fed a single
// prompt on stdin, its stdout streamed as fragments until exit.
//
// The caller must drain Fragments until it is closed; the final
// fragment is always FragEnd carrying the process outcome.
type Invocation struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	fragments chan Fragment
	stderr    *tailBuffer

	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	waitErr error
}

// Start launches argv and writes prompt to its stdin. An empty prompt
// closes stdin immediately, for agents that take everything via argv.
func Start(argv []string, prompt string) (*Invocation, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, ErrEmptyCommand
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("agent: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agent: start %s: %w", argv[0], err)
	}

	L_debug("agent: started", "command", argv[0], "pid", cmd.Process.Pid)

	inv := &Invocation{
		cmd:       cmd,
		stdin:     stdin,
		fragments: make(chan Fragment, 16),
		stderr:    newTailBuffer(stderrTailLines),
		done:      make(chan struct{}),
	}

	go inv.feedStdin(prompt)

	var wg sync.WaitGroup
	wg.Add(1)
	go inv.captureStderr(stderr, &wg)
	go inv.run(stdout, &wg)

	return inv, nil
}

// Fragments returns the turn's output stream. It is closed after the
// FragEnd fragment once the process has exited.
func (inv *Invocation) Fragments() <-chan Fragment {
	return inv.fragments
}

// Done is closed when the process has exited and the stream is closed.
func (inv *Invocation) Done() <-chan struct{} {
	return inv.done
}

// Err returns the process outcome. Only valid after Done is closed.
func (inv *Invocation) Err() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.waitErr
}

// StderrTail returns the last captured stderr lines, for crash logs.
func (inv *Invocation) StderrTail() []string {
	return inv.stderr.Lines()
}

// Stop terminates the agent: SIGTERM, then SIGKILL after a grace
// period. Safe to call multiple times and after exit.
func (inv *Invocation) Stop() {
	inv.stopOnce.Do(func() {
		select {
		case <-inv.done:
			return
		default:
		}

		L_debug("agent: stopping", "pid", inv.cmd.Process.Pid)
		if err := inv.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			L_trace("agent: signal failed", "error", err)
		}

		go func() {
			select {
			case <-inv.done:
			case <-time.After(termGrace):
				L_warn("agent: did not exit after SIGTERM, killing", "pid", inv.cmd.Process.Pid)
				_ = inv.cmd.Process.Kill()
			}
		}()
	})
}

// feedStdin writes the prompt and closes the pipe so line-oriented
// agents see EOF after the turn's input.
func (inv *Invocation) feedStdin(prompt string) {
	defer inv.stdin.Close()

	if prompt == "" {
		return
	}
	if _, err := io.WriteString(inv.stdin, prompt); err != nil {
		L_trace("agent: stdin write failed", "error", err)
		return
	}
	if !strings.HasSuffix(prompt, "\n") {
		_, _ = io.WriteString(inv.stdin, "\n")
	}
}

// run parses stdout line-wise into fragments, waits for exit, and
// closes the stream with FragEnd.
func (inv *Invocation) run(stdout io.ReadCloser, wg *sync.WaitGroup) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		inv.fragments <- Classify(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		L_trace("agent: stdout read error", "error", err)
	}

	// Join stderr capture before Wait closes the pipes.
	wg.Wait()

	err := inv.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = fmt.Errorf("agent exited with code %d", exitErr.ExitCode())
		}
		if tail := inv.stderr.Lines(); len(tail) > 0 {
			L_debug("agent: stderr tail", "lines", strings.Join(tail, "\n"))
		}
	}

	inv.mu.Lock()
	inv.waitErr = err
	inv.mu.Unlock()

	inv.fragments <- Fragment{Kind: FragEnd, Err: err}
	close(inv.fragments)
	close(inv.done)

	L_debug("agent: finished", "pid", inv.cmd.Process.Pid, "error", err)
}

// captureStderr drains stderr into the tail buffer.
func (inv *Invocation) captureStderr(r io.ReadCloser, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		inv.stderr.Add(line)
		L_trace("agent: stderr", "line", line)
	}
}
