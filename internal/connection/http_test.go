package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPConnection_Connect(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != DefaultPingPath {
			t.Errorf("ping hit %q, want %q", r.URL.Path, DefaultPingPath)
		}
		if got := r.Header.Get("X-Api-Key"); got != "secret" {
			t.Errorf("X-Api-Key = %q, want %q", got, "secret")
		}
		_, _ = w.Write([]byte(`{"text":"OctoPrint 1.9.3"}`))
	}))
	defer server.Close()

	conn := NewHTTPConnection(server.URL, "secret")
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if !conn.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("ping calls = %d, want 1", calls)
	}

	snap := conn.State()
	if !snap.Connected || snap.TotalCommands != 1 || snap.FailedCommands != 0 {
		t.Errorf("state = %+v, want connected with one successful command", snap)
	}

	// Second connect is a no-op, no extra ping
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("ping calls after reconnect = %d, want 1", calls)
	}
}

func TestHTTPConnection_Connect_Non200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	conn := NewHTTPConnection(server.URL, "")
	err := conn.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect() = nil, want error for non-200 ping")
	}
	if conn.IsConnected() {
		t.Error("IsConnected() = true after failed connect")
	}

	snap := conn.State()
	if snap.FailedCommands != 1 {
		t.Errorf("FailedCommands = %d, want 1", snap.FailedCommands)
	}
}

func TestHTTPConnection_Connect_Unreachable(t *testing.T) {
	// Reserved TEST-NET-1 address, nothing listens there
	conn := NewHTTPConnection("http://192.0.2.1:9", "")
	conn.SetTimeout(200 * time.Millisecond)

	err := conn.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect() = nil, want transport error")
	}
	if conn.IsConnected() {
		t.Error("IsConnected() = true after unreachable connect")
	}
}

func TestHTTPConnection_SendCommand_FailsFastWhenDisconnected(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	conn := NewHTTPConnection(server.URL, "")
	result := conn.SendCommand(context.Background(), CmdPause, nil)

	if result.Success {
		t.Error("SendCommand() succeeded while disconnected")
	}
	if result.ErrorCode != CodeConnectionError {
		t.Errorf("ErrorCode = %q, want %q", result.ErrorCode, CodeConnectionError)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("network calls = %d, want 0 while disconnected", calls)
	}
}

func TestHTTPConnection_SendCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case DefaultPingPath:
			_, _ = w.Write([]byte(`{}`))
		case DefaultCommandPath:
			var envelope map[string]any
			if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
				t.Errorf("decoding envelope: %v", err)
			}
			if envelope["command"] != "pause" {
				t.Errorf("envelope command = %v, want pause", envelope["command"])
			}
			if envelope["reason"] != "operator" {
				t.Errorf("envelope reason = %v, want operator", envelope["reason"])
			}
			_, _ = w.Write([]byte(`{"acknowledged":true}`))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer server.Close()

	conn := NewHTTPConnection(server.URL, "")
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	result := conn.SendCommand(context.Background(), "pause", map[string]any{"reason": "operator"})
	if !result.Success {
		t.Fatalf("SendCommand() failed: %s (%s)", result.ErrorMessage, result.ErrorCode)
	}
	if result.Data["acknowledged"] != true {
		t.Errorf("Data = %v, want acknowledged=true", result.Data)
	}
}

func TestHTTPConnection_SendCommand_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == DefaultPingPath {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		<-release
	}))
	defer server.Close()
	defer close(release)

	conn := NewHTTPConnection(server.URL, "")
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn.SetTimeout(100 * time.Millisecond)

	result := conn.SendCommand(context.Background(), "slow", nil)
	if result.Success {
		t.Error("SendCommand() succeeded, want timeout failure")
	}
	if result.ErrorCode != CodeTimeout {
		t.Errorf("ErrorCode = %q, want %q", result.ErrorCode, CodeTimeout)
	}

	snap := conn.State()
	if snap.LastError == "" {
		t.Error("LastError empty after timeout")
	}
	if snap.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", snap.RetryCount)
	}
}

func TestHTTPConnection_SendCommand_Non2xxMarksFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == DefaultPingPath {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		// 300 is outside 2xx but below the 4xx error range
		w.WriteHeader(http.StatusMultipleChoices)
	}))
	defer server.Close()

	conn := NewHTTPConnection(server.URL, "")
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	result := conn.SendCommand(context.Background(), "bogus", nil)
	if result.Success {
		t.Error("SendCommand() succeeded on 300 response")
	}

	// The health ledger must agree with the returned result
	snap := conn.State()
	if snap.FailedCommands != 1 {
		t.Errorf("FailedCommands = %d, want 1 after rejected command", snap.FailedCommands)
	}
	if snap.LastError == "" {
		t.Error("LastError empty after rejected command")
	}
}

func TestHTTPConnection_SendCommand_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == DefaultPingPath {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	conn := NewHTTPConnection(server.URL, "")
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	result := conn.SendCommand(context.Background(), "bogus", nil)
	if result.Success {
		t.Error("SendCommand() succeeded on 400 response")
	}
	if result.ErrorCode != CodeHTTPError {
		t.Errorf("ErrorCode = %q, want %q", result.ErrorCode, CodeHTTPError)
	}
}
