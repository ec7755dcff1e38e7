package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"campaignsync/internal/apperr"
	"campaignsync/internal/protocol"
	"campaignsync/internal/realtime"
)

const (
	writeWait       = 10 * time.Second
	maxMessageBytes = 64 << 10
)

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// handleWebsocket verifies the caller before upgrading, so a bad token is a
// plain 401 and never a socket.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.Verify(r.Context(), requestToken(r))
	if err != nil {
		writeAppError(w, err)
		return
	}

	up := s.upgrader()
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	conn, err := s.hub.Connect(identity)
	if err != nil {
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, apperr.MessageOf(err)))
		_ = ws.Close()
		return
	}

	ctx := context.WithoutCancel(r.Context())
	go s.writePump(ws, conn)
	s.readPump(ctx, ws, conn)
	s.hub.Disconnect(ctx, conn, realtime.DropClosed)
}

// readPump decodes inbound frames and hands them to the hub until the socket
// fails or the connection is dropped.
func (s *Server) readPump(ctx context.Context, ws *websocket.Conn, conn *realtime.Connection) {
	timeout := s.hub.HeartbeatTimeout()
	limiter := rate.NewLimiter(s.messageLimit, s.cfg.MessageBurst)

	ws.SetReadLimit(maxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	ws.SetPongHandler(func(string) error {
		s.hub.Heartbeat(conn)
		return ws.SetReadDeadline(time.Now().Add(timeout))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !conn.Closed() {
				s.logger.Debug("websocket read", slog.String("conn", conn.ID), slog.String("error", err.Error()))
			}
			return
		}
		if conn.Closed() {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(timeout))

		frame, msg, err := protocol.Decode(raw)
		if err == nil && !limiter.Allow() {
			err = apperr.New(apperr.CodeRateLimited, "too many messages")
		}
		if err != nil {
			s.hub.Reject(ctx, conn, frame.RequestID, frame.Type, err)
			continue
		}
		s.hub.Handle(ctx, conn, frame, msg)
	}
}

// writePump is the only writer on ws. It sends queued frames and pings, and
// closes the socket once the connection is done.
func (s *Server) writePump(ws *websocket.Conn, conn *realtime.Connection) {
	ping := time.NewTicker(s.hub.HeartbeatTimeout() / 3)
	defer func() {
		ping.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case frame := <-conn.Send():
			if err := s.writeFrame(ws, frame); err != nil {
				s.closeFromWriter(conn, err)
				return
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.closeFromWriter(conn, err)
				return
			}
		case <-conn.Done():
			s.flush(ws, conn)
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode(conn.Reason()), string(conn.Reason())))
			return
		}
	}
}

// flush writes frames that were queued before the connection closed. A
// connection dropped for a full queue gets nothing more.
func (s *Server) flush(ws *websocket.Conn, conn *realtime.Connection) {
	if conn.Reason() == realtime.DropQueueFull {
		return
	}
	for {
		select {
		case frame := <-conn.Send():
			if err := s.writeFrame(ws, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) writeFrame(ws *websocket.Conn, frame protocol.Frame) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(frame)
}

func (s *Server) closeFromWriter(conn *realtime.Connection, err error) {
	if !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug("websocket write", slog.String("conn", conn.ID), slog.String("error", err.Error()))
	}
	conn.Close()
}

func closeCode(reason realtime.DropReason) int {
	switch reason {
	case realtime.DropQueueFull:
		return websocket.CloseTryAgainLater
	case realtime.DropShutdown:
		return websocket.CloseGoingAway
	case realtime.DropHeartbeat:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseNormalClosure
	}
}
