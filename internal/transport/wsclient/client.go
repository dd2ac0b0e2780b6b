// Package wsclient implements transport.Service on top of the relay's
// websocket endpoint.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kiliankoe/quizsync/internal/protocol"
	"github.com/kiliankoe/quizsync/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ErrHandshake is returned when the relay answers a start request with
// something other than a welcome or an error.
var ErrHandshake = errors.New("unexpected relay handshake")

type Client struct {
	url    string
	dialer *websocket.Dialer
	log    zerolog.Logger
}

func New(url string) *Client {
	return &Client{url: url, dialer: websocket.DefaultDialer, log: log.Logger.With().Str("component", "wsclient").Logger()}
}

// WithLogger replaces the client's logger.
func (c *Client) WithLogger(l zerolog.Logger) *Client {
	c.log = l
	return c
}

func (c *Client) StartAsHost(ctx context.Context, key string, capacity int) (transport.Handle, error) {
	return c.start(ctx, protocol.MsgHost, key, capacity)
}

func (c *Client) StartAsClient(ctx context.Context, key string, capacity int) (transport.Handle, error) {
	return c.start(ctx, protocol.MsgJoin, key, capacity)
}

func (c *Client) start(ctx context.Context, op, key string, capacity int) (transport.Handle, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	// Unblocks the handshake read below if ctx ends first.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	w, err := handshake(conn, op, key, capacity)
	if !stop() {
		_ = conn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	h := &handle{
		conn:   conn,
		key:    w.Key,
		self:   transport.PeerID(w.Self),
		host:   transport.PeerID(w.Host),
		events: make(chan transport.Event, 256),
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		log:    c.log.With().Str("key", w.Key).Str("self", w.Self).Logger(),
	}
	go h.readLoop()
	go h.writeLoop()
	h.log.Debug().Str("op", op).Msg("relay session started")
	return h, nil
}

func handshake(conn *websocket.Conn, op, key string, capacity int) (protocol.Welcome, error) {
	b, err := protocol.Encode(op, protocol.Start{Key: key, Capacity: capacity})
	if err != nil {
		return protocol.Welcome{}, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return protocol.Welcome{}, fmt.Errorf("write %s: %w", op, err)
	}
	_, b, err = conn.ReadMessage()
	if err != nil {
		return protocol.Welcome{}, fmt.Errorf("read welcome: %w", err)
	}
	env, err := protocol.DecodeEnvelope(b)
	if err != nil {
		return protocol.Welcome{}, err
	}
	switch env.T {
	case protocol.MsgWelcome:
		return protocol.DecodePayload[protocol.Welcome](env)
	case protocol.MsgError:
		e, err := protocol.DecodePayload[protocol.Error](env)
		if err != nil {
			return protocol.Welcome{}, err
		}
		return protocol.Welcome{}, fmt.Errorf("%w: %s", transport.FromCode(e.Code), e.Message)
	default:
		return protocol.Welcome{}, fmt.Errorf("%w: %q", ErrHandshake, env.T)
	}
}

type handle struct {
	conn   *websocket.Conn
	key    string
	self   transport.PeerID
	host   transport.PeerID
	events chan transport.Event
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	log    zerolog.Logger
}

func (h *handle) Key() string                    { return h.key }
func (h *handle) Self() transport.PeerID         { return h.self }
func (h *handle) Host() transport.PeerID         { return h.host }
func (h *handle) Events() <-chan transport.Event { return h.events }

func (h *handle) Send(object transport.ObjectID, version uint64, payload []byte) error {
	packed, compressed := protocol.Pack(payload)
	b, err := protocol.Encode(protocol.MsgSend, protocol.Data{
		Object:     string(object),
		Version:    version,
		Payload:    packed,
		Compressed: compressed,
	})
	if err != nil {
		return err
	}
	select {
	case <-h.done:
		return transport.ErrClosed
	default:
	}
	select {
	case h.send <- b:
		return nil
	case <-h.done:
		return transport.ErrClosed
	}
}

// Shutdown leaves the session. No Closed event follows a local shutdown.
func (h *handle) Shutdown() error {
	h.once.Do(func() { close(h.done) })
	return nil
}

func (h *handle) emit(ev transport.Event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.done:
		return false
	}
}

func (h *handle) readLoop() {
	defer close(h.events)
	_ = h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(string) error {
		return h.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, b, err := h.conn.ReadMessage()
		if err != nil {
			select {
			case <-h.done:
			default:
				h.log.Warn().Err(err).Msg("relay connection lost")
				h.emit(transport.Event{Kind: transport.Closed, Err: fmt.Errorf("%w: %w", transport.ErrClosed, err)})
			}
			return
		}
		env, err := protocol.DecodeEnvelope(b)
		if err != nil {
			h.log.Debug().Err(err).Msg("dropping undecodable relay message")
			continue
		}
		switch env.T {
		case protocol.MsgPeerConnected, protocol.MsgPeerDisconnected:
			p, err := protocol.DecodePayload[protocol.Peer](env)
			if err != nil {
				continue
			}
			kind := transport.ParticipantConnected
			if env.T == protocol.MsgPeerDisconnected {
				kind = transport.ParticipantDisconnected
			}
			if !h.emit(transport.Event{Kind: kind, Peer: transport.PeerID(p.ID)}) {
				return
			}
		case protocol.MsgData:
			d, err := protocol.DecodePayload[protocol.Data](env)
			if err != nil {
				continue
			}
			payload, err := protocol.Unpack(d.Payload, d.Compressed)
			if err != nil {
				h.log.Warn().Err(err).Str("object", d.Object).Msg("dropping corrupt payload")
				continue
			}
			ev := transport.Event{
				Kind:    transport.DataReceived,
				From:    transport.PeerID(d.From),
				Object:  transport.ObjectID(d.Object),
				Version: d.Version,
				Payload: payload,
			}
			if !h.emit(ev) {
				return
			}
		case protocol.MsgClosed:
			e, _ := protocol.DecodePayload[protocol.Error](env)
			h.emit(transport.Event{Kind: transport.Closed, Err: transport.FromCode(e.Code)})
			_ = h.Shutdown()
			return
		case protocol.MsgError:
			e, _ := protocol.DecodePayload[protocol.Error](env)
			h.log.Warn().Str("code", e.Code).Str("message", e.Message).Msg("relay refused a request")
		}
	}
}

func (h *handle) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = h.conn.Close()
	}()
	for {
		select {
		case b := <-h.send:
			_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				h.log.Debug().Err(err).Msg("relay write failed")
				return
			}
		case <-ticker.C:
			_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-h.done:
			_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if b, err := protocol.Encode(protocol.MsgLeave, struct{}{}); err == nil {
				_ = h.conn.WriteMessage(websocket.TextMessage, b)
			}
			_ = h.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
