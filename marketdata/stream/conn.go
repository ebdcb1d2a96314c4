package stream

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// RetryConfig holds reconnection policy parameters
type RetryConfig struct {
	InitialDelay   time.Duration // e.g., 1 second
	MaxDelay       time.Duration // e.g., 30 seconds
	MaxRetries     int           // attempts before giving up
	StormThreshold int           // failures within FailureWindow that pause retries
	FailureWindow  time.Duration // sliding window for storm detection
	BackoffFactor  float64       // e.g., 2.0 (exponential)
	Jitter         bool          // randomize delays to avoid thundering herd
}

// DefaultRetryConfig matches the exchange's tolerated reconnect cadence:
// delays of min(30s, 2^attempt) with a cap of 20 attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay:   1 * time.Second,
		MaxDelay:       30 * time.Second,
		MaxRetries:     20,
		StormThreshold: 5,
		FailureWindow:  time.Minute,
		BackoffFactor:  2.0,
		Jitter:         false,
	}
}

// newBackOff builds the exponential policy for one reconnect cycle
func (rc RetryConfig) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = rc.InitialDelay
	bo.MaxInterval = rc.MaxDelay
	bo.Multiplier = rc.BackoffFactor
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	if rc.Jitter {
		bo.RandomizationFactor = 0.25
	}
	bo.Reset()
	return bo
}

// run is the connection loop. It is the only goroutine that touches the
// socket and the only writer to the series ring buffers.
func (sc *StreamCache) run(ctx context.Context) {
	defer sc.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("⚠️ Stream reader panic recovered: %v", r)
		}
	}()

	for sc.IsRunning() {
		if !sc.hasStreams() {
			// The last stream was unsubscribed; there is nothing to dial.
			log.Printf("⚠️ No streams left, stopping connection loop")
			sc.mu.Lock()
			sc.running = false
			sc.connected = false
			sc.mu.Unlock()
			return
		}

		if err := sc.connectWithRetry(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			// Fatal exhaustion: stay disconnected until an external Start().
			log.Printf("❌ Max reconnection attempts reached, stream cache giving up: %v", err)
			sc.mu.Lock()
			sc.running = false
			sc.connected = false
			sc.mu.Unlock()
			return
		}

		sc.readLoop(ctx)

		sc.mu.Lock()
		sc.connected = false
		sc.mu.Unlock()
	}
}

// connectWithRetry dials with exponential backoff and storm protection
func (sc *StreamCache) connectWithRetry(ctx context.Context) error {
	sc.mu.RLock()
	cfg := sc.retryConfig
	sc.mu.RUnlock()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(cfg.newBackOff(), uint64(cfg.MaxRetries)),
		ctx,
	)

	operation := func() error {
		if pause := sc.stormPause(); pause > 0 {
			log.Printf("⚠️ Reconnect storm detected, pausing %v before next attempt", pause)
			timer := sc.clock.Timer(pause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return backoff.Permanent(ctx.Err())
			case <-timer.C:
			}
		}

		if err := sc.connect(); err != nil {
			sc.recordFailure()
			sc.mu.RLock()
			attempt := sc.reconnectAttempts
			sc.mu.RUnlock()
			log.Printf("🚫 WebSocket connect failed (attempt %d): %s: %v", attempt, categorizeConnError(err), err)
			return err
		}

		sc.recordSuccess()
		return nil
	}

	return backoff.Retry(operation, policy)
}

// connect performs one dial against the combined stream URL
func (sc *StreamCache) connect() error {
	url, err := sc.combinedURL()
	if err != nil {
		return err
	}

	log.Printf("🔗 Connecting to WebSocket: %s", url)

	var conn *websocket.Conn
	if sc.dialFunc != nil {
		conn, err = sc.dialFunc(url)
	} else {
		dialer := websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		}
		conn, _, err = dialer.Dial(url, nil)
	}
	if err != nil {
		return fmt.Errorf("failed to dial WebSocket: %w", err)
	}

	sc.mu.Lock()
	sc.conn = conn
	sc.connected = true
	sc.connectedAt = sc.clock.Now()
	sc.stats.reconnections++
	streamCount := len(sc.streams)
	sc.mu.Unlock()

	log.Printf("✅ WebSocket connected, %d active streams", streamCount)
	return nil
}

// combinedURL builds the multi-stream subscription URL from the subscribed
// set, sorted for a stable stream order across redials.
func (sc *StreamCache) combinedURL() (string, error) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	if len(sc.streams) == 0 {
		return "", fmt.Errorf("no streams subscribed")
	}
	names := make([]string, 0, len(sc.streams))
	for name := range sc.streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return sc.baseURL + strings.Join(names, "/"), nil
}

// readLoop drains the socket until it drops or Stop is called. Frame
// failures never propagate: malformed frames are logged and skipped,
// transport errors end the loop and hand control back to run for a redial.
func (sc *StreamCache) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Printf("Stream reader stopping")
			return
		default:
		}

		sc.mu.RLock()
		conn := sc.conn
		sc.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("WebSocket closed normally: %v", err)
			} else {
				log.Printf("⚠️ WebSocket read error: %s: %v", categorizeConnError(err), err)
			}
			return
		}

		sc.handleMessage(message)
	}
}

// handleMessage decodes one inbound frame and applies it to the cache
func (sc *StreamCache) handleMessage(message []byte) {
	sc.mu.Lock()
	sc.stats.messagesReceived++
	sc.stats.lastMessageAt = sc.clock.Now()
	sc.mu.Unlock()

	ev, err := decodeFrame(message)
	if err != nil {
		if err == errUnknownFrame {
			// Exchanges evolve frame shapes; log sparsely, not as an error.
			sc.mu.Lock()
			sc.unknownFrames++
			n := sc.unknownFrames
			sc.mu.Unlock()
			if n%100 == 1 {
				log.Printf("🔍 Unrecognized frame shape (seen %d)", n)
			}
			return
		}
		log.Printf("Error decoding frame: %v", err)
		return
	}

	sc.applyEvent(ev)
}

// recordFailure notes a failed connection attempt
func (sc *StreamCache) recordFailure() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.reconnectAttempts++
	sc.recentFailures = append(sc.recentFailures, sc.clock.Now())
}

// recordSuccess resets the attempt counter after a successful dial
func (sc *StreamCache) recordSuccess() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.reconnectAttempts = 0
	sc.recentFailures = sc.recentFailures[:0]
}

// stormPause returns how long to hold off before the next dial when
// recent failures crossed the threshold, zero when there is no storm.
// The pause lasts until the oldest failure ages out of the sliding
// window so the exchange is not hammered; giving up remains governed
// solely by MaxRetries.
func (sc *StreamCache) stormPause() time.Duration {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	window := sc.retryConfig.FailureWindow
	if window <= 0 {
		window = time.Minute
	}

	now := sc.clock.Now()
	cutoff := now.Add(-window)
	recent := sc.recentFailures[:0]
	for _, t := range sc.recentFailures {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	sc.recentFailures = recent

	if len(recent) < sc.retryConfig.StormThreshold {
		return 0
	}
	return recent[0].Add(window).Sub(now)
}

// hasStreams reports whether any stream is subscribed
func (sc *StreamCache) hasStreams() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return len(sc.streams) > 0
}

// categorizeConnError buckets transport errors for diagnostics. The
// category never changes reconnection policy, which is uniform
// backoff-and-retry.
func categorizeConnError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "403") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "451"):
		return "access forbidden (geo/permission block)"
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return "rate limited"
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline"):
		return "connection timeout"
	case strings.Contains(msg, "tls") || strings.Contains(msg, "certificate") || strings.Contains(msg, "ssl"):
		return "TLS failure"
	case strings.Contains(msg, "refused") || strings.Contains(msg, "reset") || strings.Contains(msg, "connection"):
		return "connection failure"
	default:
		return "transport error"
	}
}
