package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"courtflow/session"
)

// ErrTimeout is returned when both the push attempt and the pull fallback
// for an action went unanswered.
var ErrTimeout = errors.New("transport: request timed out")

// RemoteError carries a non-empty error code from an action response.
type RemoteError struct {
	Code string
}

func (e *RemoteError) Error() string {
	return "transport: remote error: " + e.Code
}

// Client sends action frames and listens for pushed state. Actions are sent
// twice on silence: once with a short window, then once more with a longer
// one. The engine's idempotency cache makes the duplicate harmless.
type Client struct {
	nc     *nats.Conn
	token  string
	logger *slog.Logger

	pushWindow     time.Duration
	fallbackWindow time.Duration
	staleAfter     time.Duration

	mu       sync.Mutex
	lastPush time.Time
	sub      *nats.Subscription
}

const (
	defaultPushWindow     = 3 * time.Second
	defaultFallbackWindow = 8 * time.Second
	defaultStaleAfter     = 10 * time.Second
)

func NewClient(nc *nats.Conn, token string) *Client {
	return &Client{
		nc:             nc,
		token:          token,
		logger:         slog.Default(),
		pushWindow:     defaultPushWindow,
		fallbackWindow: defaultFallbackWindow,
		staleAfter:     defaultStaleAfter,
	}
}

func (c *Client) WithWindows(push, fallback time.Duration) *Client {
	c.pushWindow = push
	c.fallbackWindow = fallback
	return c
}

func (c *Client) WithStaleAfter(d time.Duration) *Client {
	c.staleAfter = d
	return c
}

func (c *Client) WithLogger(l *slog.Logger) *Client {
	c.logger = l
	return c
}

// Do sends one action and returns the actor's snapshot. A silent first
// attempt is retried once with the fallback window before giving up with
// ErrTimeout.
func (c *Client) Do(ctx context.Context, req Request) (session.Snapshot, error) {
	req.Token = c.token

	data, err := json.Marshal(req)
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("transport: marshal request: %w", err)
	}

	resp, err := c.roundTrip(ctx, data, c.pushWindow)
	if silent(err) {
		c.logger.Debug("action push window elapsed, retrying", "action", req.Action)
		resp, err = c.roundTrip(ctx, data, c.fallbackWindow)
	}
	switch {
	case silent(err):
		return session.Snapshot{}, ErrTimeout
	case err != nil:
		return session.Snapshot{}, fmt.Errorf("transport: send action: %w", err)
	}

	if resp.Error != "" {
		return resp.State, &RemoteError{Code: resp.Error}
	}
	return resp.State, nil
}

// silent reports whether a round trip yielded no reply at all. A server that
// is briefly absent looks the same to the caller as one that never answered.
func silent(err error) bool {
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) roundTrip(ctx context.Context, data []byte, window time.Duration) (Response, error) {
	rctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	msg, err := c.nc.RequestWithContext(rctx, ActionSubject, data)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// Resync pulls the actor's canonical snapshot through the read-only path.
func (c *Client) Resync(ctx context.Context) (session.Snapshot, error) {
	return c.Do(ctx, Request{Action: string(session.ActionFetchState)})
}

// Listen subscribes to the participant's state subject, acking every push
// and handing the snapshot to fn.
func (c *Client) Listen(participantID string, fn func(session.Snapshot)) error {
	sub, err := c.nc.Subscribe(StateSubject(participantID), func(msg *nats.Msg) {
		var snap session.Snapshot
		if err := json.Unmarshal(msg.Data, &snap); err != nil {
			c.logger.Warn("decode pushed state", "err", err)
			return
		}
		if err := msg.Respond(nil); err != nil {
			c.logger.Debug("ack pushed state", "err", err)
		}
		c.mu.Lock()
		c.lastPush = time.Now()
		c.mu.Unlock()
		fn(snap)
	})
	if err != nil {
		return fmt.Errorf("transport: subscribe state: %w", err)
	}
	if err := c.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("transport: flush subscription: %w", err)
	}
	c.mu.Lock()
	c.sub = sub
	c.lastPush = time.Now()
	c.mu.Unlock()
	return nil
}

// Stale reports whether no push has arrived for longer than the staleness
// window. Callers use it to decide when to fall back to Resync.
func (c *Client) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastPush) > c.staleAfter
}

// Close drops the state subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub == nil {
		return nil
	}
	err := c.sub.Unsubscribe()
	c.sub = nil
	return err
}
