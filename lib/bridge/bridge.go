// Package bridge serves WebSocket upgrades and shuttles bytes between
// the browser and an instance's display socket (VNC over a UNIX socket,
// or a TCP host:port). One bridge exists per instance; a second
// concurrent attach attempt while one is active is refused rather than
// queued.
package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Target is the upstream endpoint a bridge connects to.
type Target struct {
	Network string // "unix" or "tcp"
	Address string
}

// EventKind enumerates the bridge lifecycle events the Lifecycle
// Coordinator consumes.
type EventKind string

const (
	EventAttached     EventKind = "attached"
	EventDetached     EventKind = "detached"
	EventBridgeExited EventKind = "bridge_exited"
)

// Event reports a bridge lifecycle transition for one instance.
type Event struct {
	InstanceID string
	Kind       EventKind
	At         time.Time
}

// dialRetries and dialRetryInterval bound how long HandleUpgrade waits
// for a freshly booted instance's display socket to come up.
const (
	dialRetries       = 10
	dialRetryInterval = 100 * time.Millisecond
)

// runningBridge is one instance's dedicated listening HTTP server.
type runningBridge struct {
	server *http.Server
	ln     net.Listener
}

// Manager tracks which instances currently have an active bridge
// connection, owns each instance's dedicated listening port, and
// publishes lifecycle events.
type Manager struct {
	mu      sync.Mutex
	active  map[string]bool
	servers map[string]*runningBridge
	events  chan<- Event
}

// NewManager creates a Manager that publishes lifecycle events onto
// events. events should be buffered or drained promptly; Manager never
// blocks on a send, and an event that finds the channel full is dropped.
func NewManager(events chan<- Event) *Manager {
	return &Manager{
		active:  make(map[string]bool),
		servers: make(map[string]*runningBridge),
		events:  events,
	}
}

// Start binds instanceID's dedicated bridge port and serves WebSocket
// upgrades against target until Stop is called or the listener fails.
func (m *Manager) Start(instanceID string, port uint16, target Target) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return fmt.Errorf("bridge listen on port %d: %w", port, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		m.HandleUpgrade(r.Context(), w, r, instanceID, target)
	})
	server := &http.Server{Handler: mux}

	m.mu.Lock()
	m.servers[instanceID] = &runningBridge{server: server, ln: ln}
	m.mu.Unlock()

	go func() {
		err := server.Serve(ln)
		if err != nil && err != http.ErrServerClosed {
			m.publish(instanceID, EventBridgeExited)
		}
		m.mu.Lock()
		delete(m.servers, instanceID)
		m.mu.Unlock()
	}()

	return nil
}

// Stop gracefully shuts down instanceID's bridge listener, if any.
func (m *Manager) Stop(instanceID string) error {
	m.mu.Lock()
	rb, ok := m.servers[instanceID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return rb.server.Shutdown(ctx)
}

func (m *Manager) tryAcquire(instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[instanceID] {
		return false
	}
	m.active[instanceID] = true
	return true
}

func (m *Manager) release(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, instanceID)
}

func (m *Manager) publish(instanceID string, kind EventKind) {
	if m.events == nil {
		return
	}
	select {
	case m.events <- Event{InstanceID: instanceID, Kind: kind, At: time.Now().UTC()}:
	default:
	}
}

// HandleUpgrade accepts a WebSocket upgrade for instanceID and bridges
// it to target until either side closes. It blocks for the lifetime of
// the connection. ErrAlreadyAttached is returned immediately, before
// upgrading, if a bridge for this instance is already active.
func (m *Manager) HandleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request, instanceID string, target Target) error {
	if !m.tryAcquire(instanceID) {
		http.Error(w, `{"code":"already_attached","message":"instance already has an active display connection"}`, http.StatusConflict)
		return ErrAlreadyAttached
	}
	defer m.release(instanceID)

	upstream, err := dialWithRetry(target)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"code":"upstream_unavailable","message":%q}`, err.Error()), http.StatusBadGateway)
		return fmt.Errorf("bridge dial %s %s: %w", target.Network, target.Address, err)
	}
	defer upstream.Close()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("bridge upgrade: %w", err)
	}
	defer ws.Close()

	m.publish(instanceID, EventAttached)
	defer func() {
		if rec := recover(); rec != nil {
			m.publish(instanceID, EventBridgeExited)
			return
		}
		m.publish(instanceID, EventDetached)
	}()

	shuttle(ctx, ws, upstream)
	return nil
}

// shuttle copies bytes in both directions until either side closes,
// then returns once both copy goroutines have exited.
func shuttle(ctx context.Context, ws *websocket.Conn, upstream net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		io.Copy(&wsWriter{ws: ws}, upstream)
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		io.Copy(upstream, &wsReader{ws: ws})
	}()

	remaining := 2
	select {
	case <-done:
		remaining--
	case <-ctx.Done():
	}
	ws.Close()
	upstream.Close()
	for ; remaining > 0; remaining-- {
		<-done
	}
}

func dialWithRetry(target Target) (net.Conn, error) {
	var lastErr error
	for i := 0; i < dialRetries; i++ {
		conn, err := net.DialTimeout(target.Network, target.Address, dialRetryInterval)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(dialRetryInterval)
	}
	return nil, lastErr
}

// wsReader adapts a *websocket.Conn's message stream to io.Reader,
// treating binary and text frames identically as a byte stream.
type wsReader struct {
	ws     *websocket.Conn
	pending io.Reader
}

func (r *wsReader) Read(p []byte) (int, error) {
	if r.pending != nil {
		n, err := r.pending.Read(p)
		if err != io.EOF {
			return n, err
		}
		r.pending = nil
	}

	msgType, data, err := r.ws.ReadMessage()
	if err != nil {
		return 0, err
	}
	if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
		return 0, fmt.Errorf("unexpected websocket message type: %d", msgType)
	}
	r.pending = bytes.NewReader(data)
	return r.pending.Read(p)
}

// wsWriter adapts a *websocket.Conn to io.Writer, sending each write as
// one binary frame.
type wsWriter struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (w *wsWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
