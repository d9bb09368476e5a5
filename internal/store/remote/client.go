package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/fello/internal/store"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const closeWait = 5 * time.Second

// Client implements store.Database against a remote tree connection. Listener handlers run
// on a dedicated goroutine in arrival order and may issue further calls.
type Client struct {
	ws     *websocket.Conn
	ids    store.IDProvider
	logger *zap.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64
	nextSub atomic.Uint64

	mu       sync.Mutex
	pending  map[uint64]chan Frame
	handlers map[uint64]store.Handler
	queue    []Frame
	ready    chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	readerEnd chan struct{}
}

// Dial connects to a realtime endpoint and authenticates with a bearer token.
func Dial(ctx context.Context, url string, token string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, response, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("remote: dial %s: %w (status %d)", url, err, response.StatusCode)
		}
		return nil, fmt.Errorf("remote: dial %s: %w", url, err)
	}

	client := &Client{
		ws:        ws,
		ids:       store.NewUUIDProvider(),
		logger:    logger,
		pending:   make(map[uint64]chan Frame),
		handlers:  make(map[uint64]store.Handler),
		ready:     make(chan struct{}, 1),
		done:      make(chan struct{}),
		readerEnd: make(chan struct{}),
	}
	go client.readLoop()
	go client.dispatchLoop()
	return client, nil
}

// Done is closed once the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Get reads the value at path.
func (c *Client) Get(ctx context.Context, path string) (store.Snapshot, error) {
	reply, err := c.call(ctx, Frame{Op: OpGet, Path: path})
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.NewSnapshot(reply.Key, reply.Value), nil
}

// Set replaces the value at path.
func (c *Client) Set(ctx context.Context, path string, value any) error {
	_, err := c.call(ctx, Frame{Op: OpSet, Path: path, Value: value})
	return err
}

// Update applies a multi-path update atomically.
func (c *Client) Update(ctx context.Context, updates map[string]any) error {
	_, err := c.call(ctx, Frame{Op: OpUpdate, Updates: updates})
	return err
}

// Remove deletes the value at path.
func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.call(ctx, Frame{Op: OpRemove, Path: path})
	return err
}

// NewKey issues an order-preserving key locally.
func (c *Client) NewKey() (string, error) {
	return c.ids.NewID()
}

// OnDisconnect registers an update the server applies when this connection ends.
func (c *Client) OnDisconnect(ctx context.Context, updates map[string]any) error {
	_, err := c.call(ctx, Frame{Op: OpOnDisconnect, Updates: updates})
	return err
}

// Subscribe attaches a remote listener. The handler is registered before the request is
// sent so initial events are never lost.
func (c *Client) Subscribe(ctx context.Context, query store.Query, event store.EventType, handler store.Handler) (store.Subscription, error) {
	if handler == nil {
		return nil, errors.New("remote: handler is required")
	}
	subID := c.nextSub.Add(1)
	c.mu.Lock()
	c.handlers[subID] = handler
	c.mu.Unlock()

	subscription := &clientSubscription{client: c, id: subID}
	request := Frame{Op: OpSubscribe, Path: query.Path, Limit: query.LimitToLast, Event: string(event), Sub: subID}
	if _, err := c.call(ctx, request); err != nil {
		c.forget(subID)
		return nil, err
	}
	if ctx != nil && ctx.Done() != nil {
		stop := context.AfterFunc(ctx, subscription.Cancel)
		subscription.stop.Store(&stop)
	}
	return subscription, nil
}

// Close ends the connection. The server runs registered disconnect updates afterwards.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(closeWait))
	err := c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	select {
	case <-c.readerEnd:
	case <-time.After(closeWait):
	}
	c.shutdown()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

type clientSubscription struct {
	client *Client
	id     uint64
	once   sync.Once
	stop   atomic.Pointer[func() bool]
}

func (s *clientSubscription) Cancel() {
	s.once.Do(func() {
		if stop := s.stop.Load(); stop != nil {
			(*stop)()
		}
		s.client.forget(s.id)
		if err := s.client.write(Frame{Op: OpUnsubscribe, Sub: s.id}); err != nil && !errors.Is(err, ErrClosed) {
			s.client.logger.Warn("remote unsubscribe failed", zap.Uint64("sub", s.id), zap.Error(err))
		}
	})
}

func (c *Client) forget(subID uint64) {
	c.mu.Lock()
	delete(c.handlers, subID)
	c.mu.Unlock()
}

func (c *Client) call(ctx context.Context, request Frame) (Frame, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	request.ID = c.nextID.Add(1)
	result := make(chan Frame, 1)
	c.mu.Lock()
	c.pending[request.ID] = result
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, request.ID)
		c.mu.Unlock()
	}()

	if err := c.write(request); err != nil {
		return Frame{}, err
	}
	select {
	case reply := <-result:
		if reply.Error != "" {
			return Frame{}, fmt.Errorf("%w: %s: %s", ErrRemote, request.Op, reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-c.done:
		return Frame{}, ErrClosed
	}
}

func (c *Client) write(frame Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("remote: write %s: %w", frame.Op, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.readerEnd)
	defer c.shutdown()
	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("remote connection lost", zap.Error(err))
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.Warn("remote frame decode failed", zap.Error(err))
			continue
		}
		switch frame.Op {
		case OpResult:
			c.mu.Lock()
			result := c.pending[frame.ID]
			c.mu.Unlock()
			if result != nil {
				result <- frame
			}
		case OpEvent:
			c.enqueue(frame)
		default:
			c.logger.Warn("unexpected remote frame", zap.String("op", frame.Op))
		}
	}
}

func (c *Client) enqueue(frame Frame) {
	c.mu.Lock()
	c.queue = append(c.queue, frame)
	c.mu.Unlock()
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *Client) dispatchLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.ready:
		}
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			frame := c.queue[0]
			c.queue = c.queue[1:]
			handler := c.handlers[frame.Sub]
			c.mu.Unlock()
			if handler != nil {
				handler(store.NewSnapshot(frame.Key, frame.Value))
			}
		}
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
