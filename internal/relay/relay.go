// Package relay puts a memory.Hub on the network. Clients reach it either
// through the raw websocket endpoint spoken by wsclient or through socket.io.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kiliankoe/quizsync/internal/config"
	"github.com/kiliankoe/quizsync/internal/protocol"
	"github.com/kiliankoe/quizsync/internal/transport"
	"github.com/kiliankoe/quizsync/internal/transport/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type Server struct {
	Hub *memory.Hub
	cfg config.Config
	log zerolog.Logger
}

func New(hub *memory.Hub, cfg config.Config) *Server {
	return &Server{Hub: hub, cfg: cfg, log: log.Logger.With().Str("component", "relay").Logger()}
}

// WithLogger replaces the server's logger.
func (srv *Server) WithLogger(l zerolog.Logger) *Server {
	srv.log = l
	return srv
}

// Routes registers the health check, the session listing and the websocket
// endpoint on r.
func (srv *Server) Routes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "time": time.Now().UTC()})
	})
	r.GET("/api/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": srv.Hub.Sessions()})
	})
	r.GET("/api/sessions/:key", func(c *gin.Context) {
		key := c.Param("key")
		for _, s := range srv.Hub.Sessions() {
			if s.Key == key {
				c.JSON(http.StatusOK, s)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": transport.CodeNotFound})
	})
	r.GET("/ws", srv.serveWS)
}

// deliverFunc hands one outbound message to a client connection.
type deliverFunc func(t string, payload any)

// link is one client's membership in the hub. Both endpoints drive it.
type link struct {
	srv     *Server
	limiter *rate.Limiter
	// ctx ends with the client connection, not with the session.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	handle transport.Handle
}

func (srv *Server) newLink() *link {
	ctx, cancel := context.WithCancel(context.Background())
	return &link{
		srv:     srv,
		limiter: rate.NewLimiter(rate.Limit(srv.cfg.SendRate), srv.cfg.SendBurst),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// start hosts or joins a session and begins forwarding its events through
// deliver, after the welcome.
func (l *link) start(ctx context.Context, host bool, req protocol.Start, deliver deliverFunc) (protocol.Welcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle != nil {
		return protocol.Welcome{}, transport.ErrRejected
	}
	var (
		h   transport.Handle
		err error
	)
	if host {
		h, err = l.srv.Hub.StartAsHost(ctx, req.Key, req.Capacity)
	} else {
		h, err = l.srv.Hub.StartAsClient(ctx, req.Key, req.Capacity)
	}
	if err != nil {
		return protocol.Welcome{}, err
	}
	l.handle = h
	w := protocol.Welcome{Key: h.Key(), Self: string(h.Self()), Host: string(h.Host())}
	deliver(protocol.MsgWelcome, w)
	go l.forward(h, deliver)
	return w, nil
}

func (l *link) forward(h transport.Handle, deliver deliverFunc) {
	for ev := range h.Events() {
		switch ev.Kind {
		case transport.ParticipantConnected:
			deliver(protocol.MsgPeerConnected, protocol.Peer{ID: string(ev.Peer)})
		case transport.ParticipantDisconnected:
			deliver(protocol.MsgPeerDisconnected, protocol.Peer{ID: string(ev.Peer)})
		case transport.DataReceived:
			payload, compressed := protocol.Pack(ev.Payload)
			deliver(protocol.MsgData, protocol.Data{
				From:       string(ev.From),
				Object:     string(ev.Object),
				Version:    ev.Version,
				Payload:    payload,
				Compressed: compressed,
			})
		case transport.Closed:
			deliver(protocol.MsgClosed, protocol.Error{Code: transport.ErrorCode(ev.Err), Message: errorMessage(ev.Err)})
		}
	}
	l.mu.Lock()
	if l.handle == h {
		l.handle = nil
	}
	l.mu.Unlock()
}

// send relays one state update to the other peers of the session. Sends over
// the rate budget wait for the limiter instead of being dropped.
func (l *link) send(d protocol.Data) error {
	if err := l.limiter.Wait(l.ctx); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrClosed, err)
	}
	l.mu.Lock()
	h := l.handle
	l.mu.Unlock()
	if h == nil {
		return transport.ErrClosed
	}
	payload, err := protocol.Unpack(d.Payload, d.Compressed)
	if err != nil {
		return err
	}
	return h.Send(transport.ObjectID(d.Object), d.Version, payload)
}

func (l *link) leave() {
	l.mu.Lock()
	h := l.handle
	l.handle = nil
	l.mu.Unlock()
	if h != nil {
		_ = h.Shutdown()
	}
}

// close leaves the session and stops any send waiting for the limiter.
func (l *link) close() {
	l.cancel()
	l.leave()
}

func (l *link) key() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle == nil {
		return ""
	}
	return l.handle.Key()
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
