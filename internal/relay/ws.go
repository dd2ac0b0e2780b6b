package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kiliankoe/quizsync/internal/protocol"
	"github.com/kiliankoe/quizsync/internal/transport"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsConn struct {
	srv  *Server
	conn *websocket.Conn
	link *link
	send chan []byte
	done chan struct{}
}

func (srv *Server) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		srv.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	wc := &wsConn{
		srv:  srv,
		conn: conn,
		link: srv.newLink(),
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}
	srv.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("websocket connected")
	go wc.writePump()
	wc.readPump()
}

// deliver queues an outbound message. It gives up once the connection is gone.
func (wc *wsConn) deliver(t string, payload any) {
	b, err := protocol.Encode(t, payload)
	if err != nil {
		wc.srv.log.Error().Err(err).Str("type", t).Msg("encode failed")
		return
	}
	select {
	case wc.send <- b:
	case <-wc.done:
	}
}

func (wc *wsConn) fail(err error) {
	wc.deliver(protocol.MsgError, protocol.Error{Code: transport.ErrorCode(err), Message: err.Error()})
}

func (wc *wsConn) readPump() {
	defer func() {
		wc.link.close()
		close(wc.done)
		_ = wc.conn.Close()
		wc.srv.log.Debug().Str("remote", wc.conn.RemoteAddr().String()).Msg("websocket disconnected")
	}()

	wc.conn.SetReadLimit(maxMessageSize)
	_ = wc.conn.SetReadDeadline(time.Now().Add(pongWait))
	wc.conn.SetPongHandler(func(string) error {
		return wc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, b, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wc.srv.log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		// Any traffic proves the client is alive.
		_ = wc.conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := protocol.DecodeEnvelope(b)
		if err != nil {
			wc.srv.log.Debug().Err(err).Msg("dropping undecodable message")
			continue
		}
		switch env.T {
		case protocol.MsgHost, protocol.MsgJoin:
			req, err := protocol.DecodePayload[protocol.Start](env)
			if err != nil {
				wc.fail(err)
				continue
			}
			w, err := wc.link.start(context.Background(), env.T == protocol.MsgHost, req, wc.deliver)
			if err != nil {
				wc.srv.log.Info().Err(err).Str("key", req.Key).Str("op", env.T).Msg("session request refused")
				wc.fail(err)
				continue
			}
			wc.srv.log.Info().Str("key", w.Key).Str("peer", w.Self).Str("op", env.T).Msg("websocket session started")
		case protocol.MsgSend:
			d, err := protocol.DecodePayload[protocol.Data](env)
			if err != nil {
				wc.fail(err)
				continue
			}
			if err := wc.link.send(d); err != nil {
				wc.srv.log.Debug().Err(err).Str("key", wc.link.key()).Str("object", d.Object).Msg("send refused")
				wc.fail(err)
			}
		case protocol.MsgLeave:
			wc.link.leave()
		default:
			wc.srv.log.Debug().Str("type", env.T).Msg("unknown message type")
		}
	}
}

func (wc *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = wc.conn.Close()
	}()

	for {
		select {
		case b := <-wc.send:
			_ = wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				wc.srv.log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-wc.done:
			_ = wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = wc.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
