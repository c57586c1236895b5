package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/tevino/abool"
)

const (
	defaultKillTimeout = 20 * time.Second
	maxStderrLine      = 1024 * 1024
)

var ErrNoStdin = errors.New("process was started without stdin")

type ExecOpts struct {
	Stdin       bool
	Stdout      bool
	ExtraFiles  []*os.File
	KillTimeout time.Duration
}

// Process is a running ffmpeg (or any other) child process.
type Process struct {
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stdout      io.ReadCloser
	killTimeout time.Duration
	logger      zerolog.Logger

	done     chan struct{}
	exited   *abool.AtomicBool
	exitCode int
	err      error
	killOnce sync.Once
	stdinMu  sync.Mutex
}

// Start spawns ffmpeg relaying opts.Inputs to opts.Output.
func Start(ctx context.Context, bin string, opts Opts, logger zerolog.Logger, extraFiles ...*os.File) (*Process, error) {
	return Exec(ctx, bin, Args(opts), ExecOpts{
		Stdin:      readsStdin(opts),
		ExtraFiles: extraFiles,
	}, logger)
}

func Exec(ctx context.Context, bin string, args []string, eo ExecOpts, logger zerolog.Logger) (*Process, error) {
	cmd := exec.Command(bin, args...)
	cmd.ExtraFiles = eo.ExtraFiles
	p := &Process{
		cmd:         cmd,
		killTimeout: eo.KillTimeout,
		logger:      logger,
		done:        make(chan struct{}),
		exited:      abool.New(),
	}
	if p.killTimeout <= 0 {
		p.killTimeout = defaultKillTimeout
	}
	if eo.Stdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, errors.Wrap(err, "failed to open stdin")
		}
		p.stdin = stdin
	}
	// Wait must not close the read end of stdout before the consumer
	// has drained it, so StdoutPipe is not used.
	var stdoutW *os.File
	if eo.Stdout {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, errors.Wrap(err, "failed to open stdout")
		}
		cmd.Stdout = w
		p.stdout, stdoutW = r, w
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open stderr")
	}
	logger.Info().Str("cmd", bin+" "+strings.Join(args, " ")).Msg("starting process")
	if err := cmd.Start(); err != nil {
		if stdoutW != nil {
			stdoutW.Close()
			p.stdout.Close()
		}
		return nil, errors.Wrapf(err, "failed to start %s", bin)
	}
	if stdoutW != nil {
		stdoutW.Close()
	}
	go p.wait(stderr)
	go func() {
		select {
		case <-ctx.Done():
			p.Kill()
		case <-p.done:
		}
	}()
	return p, nil
}

func (p *Process) wait(stderr io.Reader) {
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 4096), maxStderrLine)
	sc.Split(scanLines)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			p.logger.Info().Str("stderr", line).Msg("ffmpeg")
		}
	}
	if err := sc.Err(); err != nil {
		p.logger.Warn().Err(err).Msg("stopped logging stderr")
	}
	// keep draining so a chatty child never blocks on a full pipe
	_, _ = io.Copy(ioutil.Discard, stderr)
	err := p.cmd.Wait()
	p.exitCode = p.cmd.ProcessState.ExitCode()
	if _, ok := err.(*exec.ExitError); !ok {
		p.err = err
	}
	p.exited.Set()
	p.logger.Info().Int("code", p.exitCode).Msg("process exited")
	close(p.done)
}

// scanLines splits on \n and on the bare \r ffmpeg ends progress lines with.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
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

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Write forwards b to the process stdin, blocking while the pipe is full.
func (p *Process) Write(b []byte) (int, error) {
	if p.stdin == nil {
		return 0, ErrNoStdin
	}
	return p.stdin.Write(b)
}

func (p *Process) Stdout() io.ReadCloser {
	return p.stdout
}

// CloseStdin signals end of input without interrupting the process.
func (p *Process) CloseStdin() error {
	if p.stdin == nil {
		return nil
	}
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if err := p.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// Kill interrupts the process and closes its stdin. It escalates to SIGKILL
// when the process is still alive after the kill timeout. Safe to call many times.
func (p *Process) Kill() {
	p.killOnce.Do(func() {
		if err := p.CloseStdin(); err != nil {
			p.logger.Warn().Err(err).Msg("failed to close stdin")
		}
		if p.exited.IsSet() {
			return
		}
		if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Warn().Err(err).Msg("failed to interrupt process")
		}
		go func() {
			t := time.NewTimer(p.killTimeout)
			defer t.Stop()
			select {
			case <-p.done:
			case <-t.C:
				p.logger.Warn().Dur("timeout", p.killTimeout).Msg("process did not exit after interrupt; killing")
				_ = p.cmd.Process.Kill()
			}
		}()
	})
}

func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) IsLiving() bool {
	return p.exited.IsNotSet()
}

// ExitCode is -1 while running or when the process died by a signal.
func (p *Process) ExitCode() int {
	if p.exited.IsNotSet() {
		return -1
	}
	return p.exitCode
}

// Wait blocks until the process exits and returns an error for non-zero exits.
func (p *Process) Wait() error {
	<-p.done
	if p.err != nil {
		return p.err
	}
	if p.exitCode != 0 {
		return errors.Errorf("process exited with code %d", p.exitCode)
	}
	return nil
}
