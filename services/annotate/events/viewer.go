// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	viewerPingInterval = 20 * time.Second
	viewerClientBuffer = 64
)

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type viewerClient struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *viewerClient) sendJSON(msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// Viewer streams emitter events to websocket clients.
//
// Description:
//
//	The viewer holds one emitter subscription and rebroadcasts each event
//	to every connected client. Clients that cannot keep up lose messages;
//	the emitter side never waits for them.
//
// Thread Safety: safe for concurrent use.
type Viewer struct {
	emitter  *Emitter
	logger   *slog.Logger
	upgrader websocket.Upgrader
	buffer   int

	mu      sync.Mutex
	clients map[*viewerClient]struct{}
	last    map[string]Event
	extra   map[string]http.Handler
}

// NewViewer creates a viewer over emitter.
func NewViewer(emitter *Emitter, logger *slog.Logger) *Viewer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Viewer{
		emitter: emitter,
		logger:  logger,
		buffer:  DefaultBuffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*viewerClient]struct{}),
		last:    make(map[string]Event),
		extra:   make(map[string]http.Handler),
	}
}

// Handle mounts h for GET requests on path, for example a metrics
// endpoint. Routes must be added before Router or Serve is called.
func (v *Viewer) Handle(path string, h http.Handler) {
	v.mu.Lock()
	v.extra[path] = h
	v.mu.Unlock()
}

// SetBuffer sets the event buffer of the viewer's subscription. Call it
// before Run.
func (v *Viewer) SetBuffer(n int) {
	if n > 0 {
		v.buffer = n
	}
}

// Run forwards events until ctx ends or the emitter closes.
func (v *Viewer) Run(ctx context.Context) {
	sub := v.emitter.Subscribe(v.buffer)
	defer v.emitter.Unsubscribe(sub.ID)
	for {
		select {
		case <-ctx.Done():
			v.closeClients()
			return
		case ev, ok := <-sub.C:
			if !ok {
				v.closeClients()
				return
			}
			v.broadcast(ev)
		}
	}
}

func (v *Viewer) broadcast(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	msg := wsMessage{Type: string(ev.Kind), Payload: payload}

	v.mu.Lock()
	defer v.mu.Unlock()
	if ev.SessionID != "" {
		v.last[ev.SessionID] = ev
	}
	for c := range v.clients {
		c.sendJSON(msg)
	}
}

func (v *Viewer) register(c *viewerClient) {
	v.mu.Lock()
	v.clients[c] = struct{}{}
	snapshot := make([]Event, 0, len(v.last))
	for _, ev := range v.last {
		snapshot = append(snapshot, ev)
	}
	v.mu.Unlock()

	payload, _ := json.Marshal(snapshot)
	c.sendJSON(wsMessage{Type: "snapshot", Payload: payload})
}

func (v *Viewer) unregister(c *viewerClient) {
	v.mu.Lock()
	if _, ok := v.clients[c]; ok {
		delete(v.clients, c)
		close(c.send)
	}
	v.mu.Unlock()
}

func (v *Viewer) closeClients() {
	v.mu.Lock()
	for c := range v.clients {
		delete(v.clients, c)
		close(c.send)
	}
	v.mu.Unlock()
}

// Clients returns the number of connected clients.
func (v *Viewer) Clients() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.clients)
}

// Router returns the HTTP routes of the viewer.
//
//	GET /healthz  liveness
//	GET /stats    subscriber and event counters
//	GET /ws       event stream
func (v *Viewer) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"clients":     v.Clients(),
			"subscribers": v.emitter.Subscribers(),
			"emitted":     v.emitter.Emitted(),
		})
	})
	r.GET("/ws", v.serveWS)
	v.mu.Lock()
	for path, h := range v.extra {
		r.GET(path, gin.WrapH(h))
	}
	v.mu.Unlock()
	return r
}

func (v *Viewer) serveWS(c *gin.Context) {
	conn, err := v.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		v.logger.Warn("viewer websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &viewerClient{conn: conn, send: make(chan []byte, viewerClientBuffer)}
	v.register(client)

	go func() {
		defer conn.Close()
		_ = writeWithHeartbeat(conn, client.send)
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			v.unregister(client)
			return
		}
	}
}

// Serve runs the viewer on addr until ctx ends.
func (v *Viewer) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: v.Router(), ReadHeaderTimeout: 5 * time.Second}
	go v.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	v.logger.Info("live viewer listening", slog.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func writeWithHeartbeat(conn *websocket.Conn, send <-chan []byte) error {
	ticker := time.NewTicker(viewerPingInterval)
	defer ticker.Stop()
	lastWrite := time.Now()
	ping, _ := json.Marshal(wsMessage{Type: "ping"})

	for {
		select {
		case msg, ok := <-send:
			if !ok {
				return conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return err
			}
			lastWrite = time.Now()
		case <-ticker.C:
			if time.Since(lastWrite) < viewerPingInterval {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return err
			}
			lastWrite = time.Now()
		}
	}
}
