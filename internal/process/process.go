// Package process launches a child in its own process group, streams its
// stdout and stderr as lines through a single callback goroutine and reaps
// the whole group when the child exits.
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// MaxLineBytes caps a single output line; the remainder of a longer line is dropped.
const MaxLineBytes = 256 * 1024

// DrainTimeout bounds how long the waiter waits for the output pipes to reach
// EOF after the child exited. A descendant that escaped the process group can
// keep them open indefinitely.
var DrainTimeout = 2 * time.Second

// Handle is a running (or finished) child process.
type Handle struct {
	name      string
	pid       int
	startedAt time.Time
	procStart int64
	lines     atomic.Int64
	done      chan struct{}

	mu        sync.Mutex
	exit      *Exit
	stoppedAt time.Time
}

// Start spawns spec and returns once the child is running. onLine is called
// for every non-blank output line, from one goroutine, in the order lines were
// read. After the child exits and all lines were delivered, Done is closed.
func Start(spec Spec, onLine func(Line)) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		return nil, err
	}
	// the child holds its own copies
	closeAll(outW, errW)

	h := &Handle{
		name:      spec.Name,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	h.procStart = procStartUnix(h.pid)

	lines := make(chan Line, 64)
	var readers sync.WaitGroup
	readers.Add(2)
	go readLines(outR, Stdout, lines, &readers)
	go readLines(errR, Stderr, lines, &readers)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for l := range lines {
			h.lines.Add(1)
			if onLine != nil {
				onLine(l)
			}
		}
	}()

	go func() {
		waitErr := cmd.Wait()
		// the leader is gone; take the rest of its group with it
		_ = signalGroup(h.pid, syscall.SIGKILL)

		drained := make(chan struct{})
		go func() {
			readers.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(DrainTimeout):
			closeAll(outR, errR)
			<-drained
		}
		closeAll(outR, errR)
		close(lines)
		<-pumpDone

		ex := exitFrom(cmd.ProcessState, waitErr)
		h.mu.Lock()
		h.exit = &ex
		h.stoppedAt = time.Now()
		h.mu.Unlock()
		close(h.done)
	}()
	return h, nil
}

func readLines(r io.Reader, stream Stream, out chan<- Line, wg *sync.WaitGroup) {
	defer wg.Done()
	br := bufio.NewReaderSize(r, 64*1024)
	var buf []byte
	for {
		frag, isPrefix, err := br.ReadLine()
		if room := MaxLineBytes - len(buf); room > 0 {
			if len(frag) > room {
				frag = frag[:room]
			}
			buf = append(buf, frag...)
		}
		if isPrefix && err == nil {
			continue
		}
		if len(buf) > 0 && strings.TrimSpace(string(buf)) != "" {
			out <- Line{Text: string(buf), Stream: stream, Time: time.Now()}
		}
		buf = buf[:0]
		if err != nil {
			return
		}
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func exitFrom(ps *os.ProcessState, err error) Exit {
	if ps == nil {
		return Exit{Code: -1, Err: err}
	}
	if sig, ok := signalName(ps); ok {
		return Exit{Code: -1, Signal: sig, Err: err}
	}
	return Exit{Code: ps.ExitCode(), Err: err}
}

func (h *Handle) PID() int { return h.pid }

// Done is closed after the child exited and every line was delivered.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exit returns the exit status once Done is closed.
func (h *Handle) Exit() (Exit, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exit == nil {
		return Exit{}, false
	}
	return *h.exit, true
}

// Wait blocks until the child exited or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Exit, error) {
	select {
	case <-h.done:
		ex, _ := h.Exit()
		return ex, nil
	case <-ctx.Done():
		return Exit{}, ctx.Err()
	}
}

func (h *Handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Signal delivers sig to the child's process group, falling back to every
// known descendant when group signalling fails.
func (h *Handle) Signal(sig syscall.Signal) error {
	if h.exited() || !h.sameProcess() {
		return nil
	}
	if err := signalGroup(h.pid, sig); err == nil {
		return nil
	}
	return signalTree(h.pid, sig)
}

// Terminate asks the process tree to exit.
func (h *Handle) Terminate() error { return h.Signal(syscall.SIGTERM) }

// Kill forcibly ends the process tree. Descendants that moved to another
// process group are collected before the group is killed.
func (h *Handle) Kill() error {
	if h.exited() || !h.sameProcess() {
		return nil
	}
	stray := descendants(h.pid)
	err := signalGroup(h.pid, syscall.SIGKILL)
	for _, pid := range stray {
		_ = signalPID(pid, syscall.SIGKILL)
	}
	if err != nil {
		return signalPID(h.pid, syscall.SIGKILL)
	}
	return nil
}

// sameProcess guards against signalling a process that reused our PID.
func (h *Handle) sameProcess() bool {
	if h.procStart == 0 {
		return true
	}
	now := procStartUnix(h.pid)
	return now == 0 || now == h.procStart
}

// Status returns a snapshot of the handle.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Status{
		Name:      h.name,
		PID:       h.pid,
		Running:   h.exit == nil,
		StartedAt: h.startedAt,
		StoppedAt: h.stoppedAt,
		ProcStart: h.procStart,
		Lines:     h.lines.Load(),
	}
	if h.exit != nil {
		ex := *h.exit
		st.Exit = &ex
	}
	return st
}
