package keel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// TelemetryServer streams SleepStats snapshots to attached websocket
// clients. Purely observational; Publish writes to every client on the
// calling goroutine, so the caller waits for those writes to finish.
type TelemetryServer struct {
	addr     string
	logger   Logger
	upgrader websocket.Upgrader
	server   *http.Server

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex
}

func NewTelemetryServer(addr string, logger Logger) *TelemetryServer {
	return &TelemetryServer{
		addr:   addr,
		logger: ensureLogger(logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local debug tooling connects from anywhere
			},
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// Start begins serving /ws on the configured address. Non-blocking.
func (t *TelemetryServer) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", t.handleWebSocket)
	t.server = &http.Server{Addr: t.addr, Handler: mux}
	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Errorf("telemetry server: %v", err)
		}
	}()
	t.logger.Infof("telemetry listening on %s", t.addr)
}

func (t *TelemetryServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warnf("telemetry upgrade failed: %v", err)
		return
	}
	t.mu.Lock()
	t.clients[conn] = &sync.Mutex{}
	t.mu.Unlock()
	t.logger.Infof("telemetry client attached (%s)", conn.RemoteAddr())

	// drain control frames; detach on error
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				t.detach(conn)
				return
			}
		}
	}()
}

func (t *TelemetryServer) detach(conn *websocket.Conn) {
	t.mu.Lock()
	if _, ok := t.clients[conn]; ok {
		delete(t.clients, conn)
		conn.Close()
		t.logger.Infof("telemetry client detached (%s)", conn.RemoteAddr())
	}
	t.mu.Unlock()
}

// Publish sends the snapshot to every client, dropping those whose writes
// fail.
func (t *TelemetryServer) Publish(stats SleepStats) {
	t.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(t.clients))
	locks := make([]*sync.Mutex, 0, len(t.clients))
	for conn, lock := range t.clients {
		conns = append(conns, conn)
		locks = append(locks, lock)
	}
	t.mu.RUnlock()

	for i, conn := range conns {
		locks[i].Lock()
		err := conn.WriteJSON(stats)
		locks[i].Unlock()
		if err != nil {
			t.detach(conn)
		}
	}
}

// ClientCount reports the number of attached clients.
func (t *TelemetryServer) ClientCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}

// Close shuts the listener down and drops every client.
func (t *TelemetryServer) Close() error {
	t.mu.Lock()
	for conn := range t.clients {
		conn.Close()
		delete(t.clients, conn)
	}
	t.mu.Unlock()
	if t.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return t.server.Shutdown(ctx)
}
