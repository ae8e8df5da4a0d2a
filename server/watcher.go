package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/gorilla/websocket"
)

// WatcherCallback receives the messages decoded from the state stream
type WatcherCallback interface {
	OnMessage(message *Message)
}

// WatcherFunc adapts a function to WatcherCallback
type WatcherFunc func(message *Message)

func (f WatcherFunc) OnMessage(message *Message) { f(message) }

// ErrMaxRetries is returned by Run once MaxRetry consecutive connection attempts have failed
var ErrMaxRetries = errors.New("maximum number of retries reached")

// Watcher follows the state stream of a running server, reconnecting when the connection drops
type Watcher struct {
	URL      string
	Dialer   websocket.Dialer
	Callback WatcherCallback

	// MaxRetry bounds consecutive failed attempts, 0 retries forever
	MaxRetry int

	// Exponential backoff configuration
	BaseDelay time.Duration // The initial delay, e.g., 1 second
	MaxDelay  time.Duration // The maximum delay, e.g., 1 minute

	retryCount int
}

// NewWatcher creates a watcher for the websocket at url
func NewWatcher(url string, callback WatcherCallback) *Watcher {
	return &Watcher{
		URL:       url,
		Dialer:    *websocket.DefaultDialer,
		Callback:  callback,
		BaseDelay: time.Second,
		MaxDelay:  time.Minute,
	}
}

// Run reads the stream until ctx is done. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		conn, _, err := w.Dialer.DialContext(ctx, w.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("Connection attempt failed", "url", w.URL, "error", err)
			if w.MaxRetry > 0 && w.retryCount >= w.MaxRetry {
				return fmt.Errorf("%w (%d): %v", ErrMaxRetries, w.MaxRetry, err)
			}
			select {
			case <-time.After(w.reconnectDelay()):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		w.retryCount = 0
		w.handleMessages(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		slog.Info("State stream closed, reconnecting", "url", w.URL)
	}
}

// handleMessages reads until the connection fails or ctx is done
func (w *Watcher) handleMessages(ctx context.Context, conn *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer func() {
		stop()
		conn.Close()
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				slog.Warn("Read error", "error", err)
			}
			return
		}
		if msg.Data == nil {
			continue
		}
		if w.Callback != nil {
			w.Callback.OnMessage(&msg)
		}
	}
}

// exponential backoff calculation
func (w *Watcher) reconnectDelay() time.Duration {
	// Calculate the delay as BaseDelay * 2^(RetryCount), capped at MaxDelay
	delay := w.BaseDelay * time.Duration(math.Pow(2, float64(w.retryCount)))
	if delay > w.MaxDelay || delay <= 0 {
		delay = w.MaxDelay
	}
	w.retryCount++
	return delay
}
