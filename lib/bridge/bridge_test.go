package bridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoUnixServer accepts one connection on sock and echoes every byte
// read back to the writer.
func echoUnixServer(t *testing.T, sock string) {
	t.Helper()
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				conn.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
}

func TestHandleUpgradeEchoesBytes(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "display.sock")
	echoUnixServer(t, sock)
	time.Sleep(20 * time.Millisecond)

	events := make(chan Event, 8)
	m := NewManager(events)

	mux := http.NewServeMux()
	mux.HandleFunc("/attach", func(w http.ResponseWriter, r *http.Request) {
		m.HandleUpgrade(context.Background(), w, r, "deadbe", Target{Network: "unix", Address: sock})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/attach"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("hello")))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	select {
	case ev := <-events:
		assert.Equal(t, EventAttached, ev.Kind)
		assert.Equal(t, "deadbe", ev.InstanceID)
	case <-time.After(time.Second):
		t.Fatal("expected attached event")
	}
}

func TestHandleUpgradeRejectsSecondAttach(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "display.sock")
	echoUnixServer(t, sock)
	time.Sleep(20 * time.Millisecond)

	m := NewManager(nil)
	m.active["deadbe"] = true

	req := httptest.NewRequest(http.MethodGet, "/attach", nil)
	rec := httptest.NewRecorder()
	err := m.HandleUpgrade(context.Background(), rec, req, "deadbe", Target{Network: "unix", Address: sock})
	assert.ErrorIs(t, err, ErrAlreadyAttached)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDialWithRetrySucceedsOnceListenerStarts(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "late.sock")

	go func() {
		time.Sleep(150 * time.Millisecond)
		echoUnixServer(t, sock)
	}()

	conn, err := dialWithRetry(Target{Network: "unix", Address: sock})
	require.NoError(t, err)
	conn.Close()
}

func TestStartAndStopDedicatedPort(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "display.sock")
	echoUnixServer(t, sock)
	time.Sleep(20 * time.Millisecond)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	m := NewManager(nil)
	require.NoError(t, m.Start("deadbe", port, Target{Network: "unix", Address: sock}))
	defer m.Stop("deadbe")

	time.Sleep(20 * time.Millisecond)
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	conn.Close()

	assert.NoError(t, m.Stop("deadbe"))
}
