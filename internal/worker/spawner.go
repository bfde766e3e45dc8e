package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/yasumu/tanxium/internal/guest"
)

// Process is a running guest. Stdout carries the worker protocol; Stderr
// carries diagnostics and mirrored console output.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Interrupt asks the guest to stop (SIGTERM for OS processes).
	Interrupt() error
	Kill() error
	// Wait blocks until the guest has exited. It must be called only after
	// Stdout has been drained.
	Wait() error
}

// Spawner starts guests.
type Spawner interface {
	Spawn(ctx context.Context) (Process, error)
}

// ProcessSpawner runs each guest as a child process, normally
// "tanxium worker serve".
type ProcessSpawner struct {
	Path string
	Args []string
	// Env is appended to the current environment.
	Env []string
}

// Spawn starts the configured command with piped stdio.
func (s *ProcessSpawner) Spawn(ctx context.Context) (Process, error) {
	if s.Path == "" {
		return nil, errors.New("worker command not configured")
	}
	// Not CommandContext: termination is managed by the worker supervisor.
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}
	return &osProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type osProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *osProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *osProcess) Stdout() io.Reader     { return p.stdout }
func (p *osProcess) Stderr() io.Reader     { return p.stderr }
func (p *osProcess) Interrupt() error      { return p.cmd.Process.Signal(syscall.SIGTERM) }
func (p *osProcess) Kill() error           { return p.cmd.Process.Kill() }
func (p *osProcess) Wait() error           { return p.cmd.Wait() }

// InProcessSpawner runs each guest loop on a goroutine connected through
// in-memory pipes. Interrupt and Kill cancel the guest, which also
// interrupts a running script.
type InProcessSpawner struct {
	Options guest.Options
}

var errKilled = errors.New("in-process worker killed")

// Spawn starts a guest loop.
func (s *InProcessSpawner) Spawn(ctx context.Context) (Process, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	opts := s.Options
	opts.Sandbox.Stderr = errW

	gctx, cancel := context.WithCancel(context.Background())
	p := &inProcess{
		stdin:  inW,
		stdout: outR,
		stderr: errR,
		inR:    inR,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		p.err = guest.Serve(gctx, inR, outW, opts)
		outW.Close()
		errW.Close()
		inR.Close()
		close(p.done)
	}()
	return p, nil
}

type inProcess struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	stderr *io.PipeReader
	inR    *io.PipeReader
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (p *inProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *inProcess) Stdout() io.Reader     { return p.stdout }
func (p *inProcess) Stderr() io.Reader     { return p.stderr }

func (p *inProcess) Interrupt() error {
	p.cancel()
	return nil
}

func (p *inProcess) Kill() error {
	p.cancel()
	p.inR.CloseWithError(errKilled)
	return nil
}

func (p *inProcess) Wait() error {
	<-p.done
	return p.err
}
