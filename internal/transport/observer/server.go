// Package observer streams every applied command to read-only WebSocket
// watchers.
package observer

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"skyhack.ai/internal/protocol"
)

type Options struct {
	// LoopbackOnly rejects non-loopback remotes.
	LoopbackOnly bool
	// QueueSize is the per-watcher backlog before frames are dropped.
	QueueSize int
	// ReadTimeout is how long a watcher may stay silent, pongs included,
	// before it is considered gone. Default 60s.
	ReadTimeout time.Duration
	// PingInterval must be shorter than ReadTimeout. Default 9/10 of it.
	PingInterval time.Duration
}

// StateFunc reports the current turn and episode for the HELLO message.
type StateFunc func() (turn uint64, episode int)

type Server struct {
	log   *log.Logger
	opts  Options
	state StateFunc

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	dropped  atomic.Uint64

	mu   sync.Mutex
	subs map[uint64]chan []byte
}

func NewServer(logger *log.Logger, opts Options, state StateFunc) *Server {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.ReadTimeout {
		opts.PingInterval = opts.ReadTimeout * 9 / 10
	}
	return &Server{
		log:   logger,
		opts:  opts,
		state: state,
		subs:  map[uint64]chan []byte{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// PublishFrame fans msg out to every watcher. A watcher whose queue is full
// misses the frame.
func (s *Server) PublishFrame(msg protocol.FrameMsg) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- b:
		default:
			s.dropped.Add(1)
		}
	}
}

// Observers is the number of connected watchers.
func (s *Server) Observers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) Dropped() uint64 { return s.dropped.Load() }

func (s *Server) join() (uint64, chan []byte) {
	id := s.nextID.Add(1)
	ch := make(chan []byte, s.opts.QueueSize)
	s.mu.Lock()
	s.subs[id] = ch
	s.mu.Unlock()
	return id, ch
}

func (s *Server) leave(id uint64) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.opts.LoopbackOnly && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		id, out := s.join()
		defer s.leave(id)

		hello := protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version}
		if s.state != nil {
			hello.Turn, hello.Episode = s.state()
		}
		b, _ := json.Marshal(hello)
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
		if s.log != nil {
			s.log.Printf("observer %d connected from %s", id, r.RemoteAddr)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine; it also owns the keepalive pings.
		writeErr := make(chan error, 1)
		go func() {
			ping := time.NewTicker(s.opts.PingInterval)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case <-ping.C:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
						writeErr <- err
						cancel()
						return
					}
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop: watchers only answer pings, but reading notices the close.
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		if s.log != nil {
			s.log.Printf("observer %d disconnected", id)
		}
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
