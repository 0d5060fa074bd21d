// Package gateway exposes the event bus over a WebSocket endpoint so
// external tooling can watch the daemon live.
package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valmat-dev/inboxd/internal/bus"
	"go.uber.org/zap"
)

const (
	writeTimeout  = 10 * time.Second
	clientBacklog = 256
	pingInterval  = 30 * time.Second
)

// Gateway serves /events, relaying every bus event as a JSON frame.
type Gateway struct {
	bus      *bus.Bus
	log      *zap.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// New returns a gateway bound to addr.
func New(b *bus.Bus, addr string, log *zap.Logger) *Gateway {
	g := &Gateway{
		bus: b,
		log: log.Named("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/events", g.handleEvents)
	g.server = &http.Server{Addr: addr, Handler: mux}
	return g
}

// Start begins listening. The returned error only covers binding;
// serve errors are logged.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", g.server.Addr)
	if err != nil {
		return err
	}
	g.log.Info("listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.log.Error("serve", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down, closing all client connections.
func (g *Gateway) Stop(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}

// frame is the wire form of one bus event.
type frame struct {
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	// Optional ?filter= narrows to one namespace, e.g. filter=message.
	namespace := r.URL.Query().Get("filter")

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	events, unsubscribe := g.bus.Subscribe(namespace, clientBacklog)
	defer unsubscribe()

	g.log.Debug("client connected",
		zap.String("remote", conn.RemoteAddr().String()),
		zap.String("filter", namespace))

	// Reader goroutine only notices disconnects; clients do not send.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev := <-events:
			raw, err := json.Marshal(frame{
				Kind:      ev.Kind,
				Timestamp: ev.Timestamp.UnixMilli(),
				Payload:   ev.Payload,
			})
			if err != nil {
				g.log.Warn("encode event", zap.String("kind", ev.Kind), zap.Error(err))
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		}
	}
}
