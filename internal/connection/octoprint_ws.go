package connection

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openfab/fablink/internal/logging"
)

const (
	// Time allowed to read the next push message from the server
	pushReadWait = 60 * time.Second

	// Path of OctoPrint's raw websocket endpoint
	pushPath = "/sockjs/websocket"
)

// PushState is the most recent state snapshot received over the push
// channel. It supplements polling; command results remain authoritative.
type PushState struct {
	StateText  string
	Progress   float64
	Temps      map[string]any
	ReceivedAt time.Time
}

// pushListener maintains the websocket subscription and the latest snapshot.
type pushListener struct {
	conn *websocket.Conn

	mu     sync.Mutex
	latest PushState
	seen   bool

	done chan struct{}
}

// StartPushListener opens OctoPrint's websocket channel and keeps the latest
// pushed state snapshot available via LastPush. Returns an error when the
// dial fails; a later read failure simply ends the listener.
func (c *OctoPrintConnection) StartPushListener() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.push != nil {
		return nil
	}

	wsURL, err := pushURL(c.baseURL)
	if err != nil {
		return NewConfigError("cannot derive websocket URL from base URL")
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		logging.LogConnection(c.baseURL, "push_dial_failed")
		return Classify(err, c.baseURL)
	}

	listener := &pushListener{
		conn: conn,
		done: make(chan struct{}),
	}
	c.push = listener
	logging.LogConnection(c.baseURL, "push_subscribed")

	go listener.readLoop(c.baseURL)
	return nil
}

// StopPushListener closes the push channel. Safe to call when not running.
func (c *OctoPrintConnection) StopPushListener() {
	c.mu.Lock()
	listener := c.push
	c.push = nil
	c.mu.Unlock()

	if listener == nil {
		return
	}
	_ = listener.conn.Close()
	<-listener.done
}

// LastPush returns the most recent pushed snapshot, and whether one has been
// received at all.
func (c *OctoPrintConnection) LastPush() (PushState, bool) {
	c.mu.Lock()
	listener := c.push
	c.mu.Unlock()

	if listener == nil {
		return PushState{}, false
	}
	listener.mu.Lock()
	defer listener.mu.Unlock()
	return listener.latest, listener.seen
}

// readLoop consumes push messages until the connection closes. Malformed
// messages are skipped, never fatal.
func (l *pushListener) readLoop(target string) {
	defer close(l.done)
	defer func() { _ = l.conn.Close() }()

	for {
		if err := l.conn.SetReadDeadline(time.Now().Add(pushReadWait)); err != nil {
			return
		}

		_, payload, err := l.conn.ReadMessage()
		if err != nil {
			logging.Debug("Push channel closed",
				zap.String("target", target),
				zap.Error(err),
			)
			return
		}

		var message struct {
			Current *struct {
				State struct {
					Text string `json:"text"`
				} `json:"state"`
				Progress struct {
					Completion float64 `json:"completion"`
				} `json:"progress"`
				Temps []map[string]any `json:"temps"`
			} `json:"current"`
		}
		if err := json.Unmarshal(payload, &message); err != nil || message.Current == nil {
			continue
		}

		l.mu.Lock()
		l.latest = PushState{
			StateText:  message.Current.State.Text,
			Progress:   message.Current.Progress.Completion,
			ReceivedAt: time.Now(),
		}
		if len(message.Current.Temps) > 0 {
			l.latest.Temps = message.Current.Temps[len(message.Current.Temps)-1]
		}
		l.seen = true
		l.mu.Unlock()
	}
}

// pushURL converts an http(s) base URL into the ws(s) push endpoint.
func pushURL(baseURL string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + pushPath
	return parsed.String(), nil
}
