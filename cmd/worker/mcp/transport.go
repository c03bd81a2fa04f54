package mcp

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"
)

// transport is the byte pipe to a tool-server child. The production
// implementation wraps an os/exec subprocess; tests substitute an
// in-memory pipe pair so no process is spawned.
type transport interface {
	// Start launches the child and wires the pipes. It must be called
	// exactly once, before Reader or Writer.
	Start() error
	// Writer is the child's stdin.
	Writer() io.Writer
	// Reader is the child's stdout.
	Reader() io.Reader
	// Signal delivers sig to the child.
	Signal(sig os.Signal) error
	// Kill force-terminates the child.
	Kill() error
	// Wait blocks until the child exits and releases its resources.
	// It may only be called once.
	Wait() error
	// Done is closed once the child has exited.
	Done() <-chan struct{}
}

// execTransport runs the tool server as a subprocess with line pipes
// attached to stdin/stdout. Stderr is inherited so crash output lands
// in the worker's own stream.
type execTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	done   chan struct{}
	waitCh chan error
}

func newExecTransport(command string, args []string, env map[string]string) *execTransport {
	cmd := exec.Command(command, args...)
	cmd.Env = mergeEnv(os.Environ(), env)
	cmd.Stderr = os.Stderr
	return &execTransport{
		cmd:    cmd,
		done:   make(chan struct{}),
		waitCh: make(chan error, 1),
	}
}

func (t *execTransport) Start() error {
	stdin, err := t.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := t.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if err := t.cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn tool server: %w", err)
	}
	t.stdin = stdin
	t.stdout = stdout

	go func() {
		t.waitCh <- t.cmd.Wait()
		close(t.done)
	}()
	return nil
}

func (t *execTransport) Writer() io.Writer { return t.stdin }
func (t *execTransport) Reader() io.Reader { return t.stdout }

func (t *execTransport) Signal(sig os.Signal) error {
	if t.cmd.Process == nil {
		return fmt.Errorf("tool server not started")
	}
	return t.cmd.Process.Signal(sig)
}

func (t *execTransport) Kill() error {
	if t.cmd.Process == nil {
		return nil
	}
	err := t.cmd.Process.Signal(syscall.SIGKILL)
	if err == os.ErrProcessDone {
		return nil
	}
	return err
}

func (t *execTransport) Wait() error {
	return <-t.waitCh
}

func (t *execTransport) Done() <-chan struct{} { return t.done }

// mergeEnv overlays the registration's env map onto the parent
// environment. Overlay keys win; the result is sorted for stable
// logging.
func mergeEnv(parent []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return parent
	}
	merged := make(map[string]string, len(parent)+len(overlay))
	for _, kv := range parent {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				merged[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for k, v := range overlay {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
