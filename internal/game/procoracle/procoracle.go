// Package procoracle drives an external game engine process over a JSON-lines
// pipe. Each request is one line on the child's stdin; each response is one
// line on its stdout.
//
//	-> {"id":7,"op":"step","action":"north"}
//	<- {"id":7,"obs":{...},"reward":0,"done":false,"info":{...},"screen":"..."}
//
// Echoing id is optional.
package procoracle

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"time"

	"skyhack.ai/internal/game/action"
	"skyhack.ai/internal/game/frame"
	"skyhack.ai/internal/game/oracle"
)

const (
	OpReset  = "reset"
	OpStep   = "step"
	OpRender = "render"
)

// Request is one line written to the engine. ID increases by one per request;
// an engine that echoes it lets the client discard stale responses.
type Request struct {
	ID     uint64 `json:"id"`
	Op     string `json:"op"`
	Action string `json:"action,omitempty"`
}

// Response is one line read from the engine.
type Response struct {
	ID     uint64         `json:"id,omitempty"`
	Obs    map[string]any `json:"obs,omitempty"`
	Reward float64        `json:"reward"`
	Done   bool           `json:"done"`
	Info   map[string]any `json:"info,omitempty"`
	Screen string         `json:"screen,omitempty"`
	Error  string         `json:"error,omitempty"`
}

var ErrClosed = errors.New("procoracle: engine closed")

const (
	// maxNoiseLines bounds how many non-protocol lines are skipped while
	// waiting for one response.
	maxNoiseLines = 256
	// DefaultNoiseWait is how long a response may trail a non-protocol line
	// before the request fails.
	DefaultNoiseWait = 250 * time.Millisecond
)

type line struct {
	b   []byte
	err error
}

// Client speaks the protocol over any reader/writer pair. A reader goroutine
// splits the response stream into lines, so each line is decoded on its own
// and the engine's stdout never backs up. Lines that are not JSON objects
// (engine banners, warnings) are logged and skipped; if no response follows
// within NoiseWait the request fails and the session's recovery reset takes
// over.
type Client struct {
	Logger    *log.Logger
	NoiseWait time.Duration

	mu    sync.Mutex
	enc   *json.Encoder
	seq   uint64
	lines chan line
	done  chan struct{}
	once  sync.Once
	c     io.Closer
}

var _ oracle.Oracle = (*Client)(nil)

func NewClient(r io.Reader, w io.Writer, c io.Closer) *Client {
	cl := &Client{
		NoiseWait: DefaultNoiseWait,
		enc:       json.NewEncoder(w),
		lines:     make(chan line, 64),
		done:      make(chan struct{}),
		c:         c,
	}
	go cl.readLoop(bufio.NewReaderSize(r, 256*1024))
	return cl
}

func (c *Client) readLoop(r *bufio.Reader) {
	defer close(c.lines)
	for {
		b, err := r.ReadBytes('\n')
		if b = bytes.TrimSpace(b); len(b) > 0 {
			select {
			case c.lines <- line{b: b}:
			case <-c.done:
				return
			}
		}
		if err != nil {
			select {
			case c.lines <- line{err: err}:
			case <-c.done:
			}
			return
		}
	}
}

func (c *Client) roundTrip(req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc == nil {
		return Response{}, ErrClosed
	}
	c.seq++
	req.ID = c.seq
	if err := c.enc.Encode(req); err != nil {
		return Response{}, fmt.Errorf("procoracle: write %s: %w", req.Op, err)
	}
	resp, err := c.readResponse(req)
	if err != nil {
		return Response{}, err
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("procoracle: engine %s: %s", req.Op, resp.Error)
	}
	return resp, nil
}

// readResponse returns the response to req. Callers hold c.mu.
func (c *Client) readResponse(req Request) (Response, error) {
	var wait <-chan time.Time
	for skipped := 0; ; {
		var l line
		var ok bool
		select {
		case l, ok = <-c.lines:
		case <-wait:
			return Response{}, fmt.Errorf("procoracle: read %s: engine answered with a non-protocol line", req.Op)
		}
		if !ok {
			return Response{}, ErrClosed
		}
		if l.err != nil {
			if errors.Is(l.err, io.EOF) {
				return Response{}, ErrClosed
			}
			return Response{}, fmt.Errorf("procoracle: read %s: %w", req.Op, l.err)
		}

		var resp Response
		uerr := errors.New("not a JSON object")
		if l.b[0] == '{' {
			uerr = json.Unmarshal(l.b, &resp)
		}
		if uerr == nil {
			if resp.ID != 0 && resp.ID != req.ID {
				c.printf("engine: dropping stale response id=%d while waiting for id=%d", resp.ID, req.ID)
				continue
			}
			return resp, nil
		}

		skipped++
		c.printf("engine: skipping non-protocol line during %s: %q (%v)", req.Op, truncateLine(l.b), uerr)
		if skipped >= maxNoiseLines {
			return Response{}, fmt.Errorf("procoracle: read %s: no response after %d non-protocol lines", req.Op, skipped)
		}
		if c.NoiseWait > 0 {
			wait = time.After(c.NoiseWait)
		}
	}
}

func (c *Client) printf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

func truncateLine(b []byte) string {
	if len(b) > 120 {
		return string(b[:120]) + "..."
	}
	return string(b)
}

func (c *Client) Reset() (oracle.Observation, error) {
	resp, err := c.roundTrip(Request{Op: OpReset})
	if err != nil {
		return nil, err
	}
	return oracle.Observation(resp.Obs), nil
}

func (c *Client) Step(a action.Action) (oracle.StepResult, error) {
	if !a.Valid() {
		return oracle.StepResult{}, fmt.Errorf("procoracle: invalid action %d", a)
	}
	resp, err := c.roundTrip(Request{Op: OpStep, Action: a.String()})
	if err != nil {
		return oracle.StepResult{}, err
	}
	return oracle.StepResult{
		Observation: oracle.Observation(resp.Obs),
		Reward:      resp.Reward,
		Done:        resp.Done,
		Info:        oracle.Info(resp.Info),
	}, nil
}

func (c *Client) Render() (frame.Frame, error) {
	resp, err := c.roundTrip(Request{Op: OpRender})
	if err != nil {
		return frame.Frame{}, err
	}
	return frame.FromText(resp.Screen), nil
}

// Close closes the request stream. A round trip blocked on the engine returns
// ErrClosed once the engine closes its output.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		if c.c != nil {
			err = c.c.Close()
		}
	})
	c.mu.Lock()
	c.enc = nil
	c.mu.Unlock()
	return err
}

// Process is a Client attached to a spawned engine command.
type Process struct {
	*Client
	cmd *exec.Cmd
	log *log.Logger

	// stderrDone closes once the stderr copier has drained the pipe.
	stderrDone chan struct{}
}

// Start launches name with args and attaches to its stdio. The child's stderr
// is copied to logger line by line.
func Start(logger *log.Logger, name string, args ...string) (*Process, error) {
	cmd := exec.Command(name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("procoracle: start %s: %w", name, err)
	}
	p := &Process{Client: NewClient(stdout, stdin, stdin), cmd: cmd, log: logger, stderrDone: make(chan struct{})}
	p.Client.Logger = logger
	go func() {
		defer close(p.stderrDone)
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			if p.log != nil {
				p.log.Printf("engine: %s", sc.Text())
			}
		}
	}()
	return p, nil
}

// Close closes the engine's stdin and waits for it to exit. Stderr is read to
// EOF first; Wait closes the pipe and would drop the engine's last lines.
func (p *Process) Close() error {
	_ = p.Client.Close()
	<-p.stderrDone
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
