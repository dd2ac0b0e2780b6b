package relay

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	socketio "github.com/googollee/go-socket.io"
	"github.com/kiliankoe/quizsync/internal/protocol"
	"github.com/kiliankoe/quizsync/internal/transport"
)

// Socket.IO event names. Outbound messages reuse the protocol message types
// as event names.
const (
	EventHost  = "session:host"
	EventJoin  = "session:join"
	EventSend  = "state:send"
	EventLeave = "session:leave"
)

// Mount attaches the Socket.IO server to r.
func (srv *Server) Mount(r *gin.Engine) *socketio.Server {
	io := socketio.NewServer(nil)

	io.OnConnect("/", func(s socketio.Conn) error {
		s.SetContext(srv.newLink())
		srv.log.Info().Str("sid", s.ID()).Msg("socket connected")
		return nil
	})

	start := func(host bool) func(s socketio.Conn, req protocol.Start) map[string]any {
		return func(s socketio.Conn, req protocol.Start) map[string]any {
			l, ok := s.Context().(*link)
			if !ok {
				return srv.err(s, transport.ErrRejected)
			}
			deliver := func(t string, payload any) { s.Emit(t, payload) }
			w, err := l.start(context.Background(), host, req, deliver)
			if err != nil {
				srv.log.Info().Err(err).Str("sid", s.ID()).Str("key", req.Key).Msg("session request refused")
				return srv.err(s, err)
			}
			srv.log.Info().Str("sid", s.ID()).Str("key", w.Key).Str("peer", w.Self).Bool("host", host).Msg("socket session started")
			return map[string]any{"key": w.Key, "self": w.Self, "host": w.Host}
		}
	}
	io.OnEvent("/", EventHost, start(true))
	io.OnEvent("/", EventJoin, start(false))

	io.OnEvent("/", EventSend, func(s socketio.Conn, d protocol.Data) {
		l, ok := s.Context().(*link)
		if !ok {
			return
		}
		if err := l.send(d); err != nil {
			srv.log.Debug().Err(err).Str("sid", s.ID()).Str("object", d.Object).Msg("send refused")
			srv.err(s, err)
		}
	})

	io.OnEvent("/", EventLeave, func(s socketio.Conn) map[string]any {
		if l, ok := s.Context().(*link); ok {
			l.leave()
		}
		return map[string]any{"ok": true}
	})

	io.OnError("/", func(s socketio.Conn, e error) {
		srv.log.Error().Err(e).Msg("socket error")
	})
	io.OnDisconnect("/", func(s socketio.Conn, reason string) {
		if l, ok := s.Context().(*link); ok {
			l.close()
		}
		srv.log.Info().Str("sid", s.ID()).Str("reason", reason).Msg("socket disconnected")
	})

	go io.Serve()

	r.GET("/socket.io/*any", gin.WrapH(io))
	r.POST("/socket.io/*any", gin.WrapH(io))

	// Basic CORS preflight for Socket.IO POST
	r.OPTIONS("/socket.io/*any", func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		c.Status(http.StatusNoContent)
	})

	return io
}

func (srv *Server) err(s socketio.Conn, err error) map[string]any {
	code := transport.ErrorCode(err)
	s.Emit(protocol.MsgError, protocol.Error{Code: code, Message: err.Error()})
	return map[string]any{"error": code, "message": err.Error()}
}
