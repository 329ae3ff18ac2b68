package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/memosense/plugin/ai/timeout"
)

// Transport carries requests to a model host and responses back.
// Responses is closed when the host side goes away.
type Transport interface {
	Send(ctx context.Context, req *Request) error
	Responses() <-chan *Response
	Close() error
}

// TransportFactory creates the transport for a channel on first initialization.
type TransportFactory func(ctx context.Context) (Transport, error)

const (
	transportBuffer = 64

	// maxLineSize bounds a single NDJSON message. Batch responses carry many vectors.
	maxLineSize = 64 * 1024 * 1024
)

// LocalTransport runs a Host in its own goroutine and exchanges messages over channels.
type LocalTransport struct {
	requests  chan *Request
	responses chan *Response
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewLocalTransport starts host in a goroutine.
func NewLocalTransport(host *Host) *LocalTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &LocalTransport{
		requests:  make(chan *Request, transportBuffer),
		responses: make(chan *Response, transportBuffer),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		defer close(t.responses)
		if err := host.Serve(ctx, t.requests, t.responses); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("model host stopped", slog.Any("error", err))
		}
	}()

	return t
}

// LocalTransportFactory returns a factory building a fresh host per channel.
func LocalTransportFactory(newHost func() *Host) TransportFactory {
	return func(context.Context) (Transport, error) {
		return NewLocalTransport(newHost()), nil
	}
}

func (t *LocalTransport) Send(ctx context.Context, req *Request) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	select {
	case t.requests <- req:
		return nil
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *LocalTransport) Responses() <-chan *Response {
	return t.responses
}

func (t *LocalTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		<-t.done
	})
	return nil
}

// PipeTransport speaks newline-delimited JSON over a reader/writer pair,
// typically the stdio of a worker subprocess.
type PipeTransport struct {
	w         io.WriteCloser
	mu        sync.Mutex
	enc       *json.Encoder
	responses chan *Response
	closer    func() error
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewPipeTransport reads responses from r and writes requests to w.
// closer, if set, runs after w is closed.
func NewPipeTransport(r io.Reader, w io.WriteCloser, closer func() error) *PipeTransport {
	t := &PipeTransport{
		w:         w,
		enc:       json.NewEncoder(w),
		responses: make(chan *Response, transportBuffer),
		closer:    closer,
		closed:    make(chan struct{}),
	}
	go t.readLoop(r)
	return t
}

func (t *PipeTransport) readLoop(r io.Reader) {
	defer close(t.responses)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := &Response{}
		if err := json.Unmarshal(line, resp); err != nil {
			slog.Warn("dropping malformed worker response", slog.Any("error", err))
			continue
		}
		select {
		case t.responses <- resp:
		case <-t.closed:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("worker pipe read failed", slog.Any("error", err))
	}
}

func (t *PipeTransport) Send(ctx context.Context, req *Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enc.Encode(req); err != nil {
		return errors.Wrapf(err, "failed to write %s request", req.Type)
	}
	return nil
}

func (t *PipeTransport) Responses() <-chan *Response {
	return t.responses
}

func (t *PipeTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		err := t.w.Close()
		t.mu.Unlock()
		if t.closer != nil {
			if cerr := t.closer(); cerr != nil && err == nil {
				err = cerr
			}
		}
		t.closeErr = err
	})
	return t.closeErr
}

// StartProcess launches binary with args as a worker subprocess speaking the
// protocol on its stdio.
func StartProcess(binary string, args ...string) (*PipeTransport, error) {
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, errors.Wrap(err, "failed to resolve worker binary")
		}
		binary = exe
	}

	cmd := exec.Command(binary, args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open worker stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open worker stdout")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start worker %s", binary)
	}
	slog.Info("model worker process started", slog.String("binary", binary), slog.Int("pid", cmd.Process.Pid))

	wait := func() error {
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case err := <-done:
			return err
		case <-time.After(timeout.WorkerExitTimeout):
			_ = cmd.Process.Kill()
			return <-done
		}
	}
	return NewPipeTransport(stdout, stdin, wait), nil
}

// ProcessTransportFactory returns a factory that starts a worker subprocess.
func ProcessTransportFactory(binary string, args ...string) TransportFactory {
	return func(context.Context) (Transport, error) {
		t, err := StartProcess(binary, args...)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}
