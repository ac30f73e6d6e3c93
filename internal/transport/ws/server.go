// Package ws is the interactive play stream: a client sends HELLO, then
// COMMAND messages, and gets one RESULT or ERROR back per command.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"skyhack.ai/internal/protocol"
	"skyhack.ai/internal/service"
)

type Server struct {
	svc *service.Service
	log *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(svc *service.Service, logger *log.Logger) *Server {
	return &Server{
		svc: svc,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		name := s.handshake(conn)
		if name == "" {
			return
		}
		if s.log != nil {
			s.log.Printf("player %q connected from %s", name, r.RemoteAddr)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Results are produced by the reader loop and written here so a slow
		// client never holds up the next command read.
		out := make(chan []byte, 8)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeCommand {
				continue
			}
			var cmd protocol.CommandMsg
			if err := json.Unmarshal(msg, &cmd); err != nil {
				continue
			}
			if cmd.ProtocolVersion != protocol.Version {
				s.send(ctx, out, protocol.ErrorMsg{
					Type:  protocol.TypeError,
					ID:    cmd.ID,
					Error: protocol.NewError(protocol.ErrBadRequest, "bad protocol_version"),
				})
				continue
			}
			s.send(ctx, out, s.apply(cmd))
		}

		cancel()
		if s.log != nil {
			s.log.Printf("player %q disconnected", name)
		}
	}
}

func (s *Server) apply(cmd protocol.CommandMsg) any {
	res, err := s.svc.Handle(cmd.Command)
	if err != nil {
		return protocol.ErrorMsg{Type: protocol.TypeError, ID: cmd.ID, Error: service.ErrorResponse(err)}
	}
	return protocol.ResultMsg{Type: protocol.TypeResult, ID: cmd.ID, Result: res.Response()}
}

func (s *Server) send(ctx context.Context, out chan<- []byte, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case out <- b:
	case <-ctx.Done():
	}
}

func (s *Server) handshake(conn *websocket.Conn) string {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return ""
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return ""
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return ""
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return ""
	}
	if hello.ClientName == "" {
		hello.ClientName = "player"
	}

	sess := s.svc.Snapshot()
	welcome := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      hello.ClientName,
		Turn:            sess.TurnCount,
		Episode:         sess.Episode,
	}
	if err := writeJSON(conn, welcome); err != nil {
		return ""
	}
	return hello.ClientName
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
