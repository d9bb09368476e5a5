package remote

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/fello/internal/store"
	"github.com/MarcoPoloResearchLab/fello/internal/transport"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Conn is the server-side tree connection a remote client operates on.
type Conn interface {
	store.Database
	Close(ctx context.Context) error
}

type serverSession struct {
	peer   *transport.Peer
	db     Conn
	logger *zap.Logger

	mu            sync.Mutex
	subscriptions map[uint64]store.Subscription

	// Replies and events share one ordered queue drained by forward. Tree handlers only
	// append to it, so a large initial burst never blocks the tree or drops frames.
	outMu  sync.Mutex
	out    []Frame
	outSig chan struct{}
}

// Serve handles one remote client until the websocket closes or ctx ends. Closing runs the
// connection's disconnect hooks.
func Serve(ctx context.Context, ws *websocket.Conn, db Conn, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	session := &serverSession{
		peer:          transport.NewPeer(ws, 0, logger),
		db:            db,
		logger:        logger,
		subscriptions: make(map[uint64]store.Subscription),
		outSig:        make(chan struct{}, 1),
	}
	defer session.peer.Shutdown()
	stop := context.AfterFunc(ctx, session.peer.Close)
	defer stop()

	go session.peer.WriteLoop()
	go session.forward()
	session.peer.ReadLoop(func(message []byte) {
		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			logger.Warn("remote frame decode failed", zap.Error(err))
			return
		}
		session.handle(ctx, frame)
	})

	session.cancelAll()
	return db.Close(context.WithoutCancel(ctx))
}

func (s *serverSession) handle(ctx context.Context, frame Frame) {
	reply := Frame{ID: frame.ID, Op: OpResult}
	var err error
	switch frame.Op {
	case OpGet:
		var snapshot store.Snapshot
		snapshot, err = s.db.Get(ctx, frame.Path)
		if err == nil {
			reply.Key = snapshot.Key()
			reply.Value = snapshot.Value()
		}
	case OpSet:
		err = s.db.Set(ctx, frame.Path, frame.Value)
	case OpUpdate:
		err = s.db.Update(ctx, frame.Updates)
	case OpRemove:
		err = s.db.Remove(ctx, frame.Path)
	case OpOnDisconnect:
		err = s.db.OnDisconnect(ctx, frame.Updates)
	case OpSubscribe:
		err = s.subscribe(ctx, frame)
		reply.Sub = frame.Sub
	case OpUnsubscribe:
		s.unsubscribe(frame.Sub)
	default:
		s.logger.Warn("unknown remote operation", zap.String("op", frame.Op))
		reply.Error = "unknown operation " + frame.Op
	}
	if err != nil {
		reply.Error = err.Error()
	}
	if frame.ID == 0 {
		return
	}
	s.enqueue(reply)
}

func (s *serverSession) subscribe(ctx context.Context, frame Frame) error {
	event, err := store.ParseEventType(frame.Event)
	if err != nil {
		return err
	}
	subID := frame.Sub
	subscription, err := s.db.Subscribe(ctx, frame.query(), event, func(snapshot store.Snapshot) {
		s.enqueue(Frame{Op: OpEvent, Sub: subID, Key: snapshot.Key(), Value: snapshot.Value()})
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	previous := s.subscriptions[subID]
	s.subscriptions[subID] = subscription
	s.mu.Unlock()
	if previous != nil {
		previous.Cancel()
	}
	return nil
}

func (s *serverSession) unsubscribe(subID uint64) {
	s.mu.Lock()
	subscription := s.subscriptions[subID]
	delete(s.subscriptions, subID)
	s.mu.Unlock()
	if subscription != nil {
		subscription.Cancel()
	}
}

func (s *serverSession) cancelAll() {
	s.mu.Lock()
	subscriptions := s.subscriptions
	s.subscriptions = make(map[uint64]store.Subscription)
	s.mu.Unlock()
	for _, subscription := range subscriptions {
		subscription.Cancel()
	}
}

func (s *serverSession) enqueue(frame Frame) {
	s.outMu.Lock()
	s.out = append(s.out, frame)
	s.outMu.Unlock()
	select {
	case s.outSig <- struct{}{}:
	default:
	}
}

func (s *serverSession) forward() {
	for {
		select {
		case <-s.peer.Done():
			return
		case <-s.outSig:
		}
		for {
			s.outMu.Lock()
			if len(s.out) == 0 {
				s.out = nil
				s.outMu.Unlock()
				break
			}
			frame := s.out[0]
			s.out[0] = Frame{}
			s.out = s.out[1:]
			s.outMu.Unlock()
			if err := s.peer.SendWait(frame); err != nil {
				s.logger.Warn("remote frame dropped", zap.String("op", frame.Op), zap.Error(err))
				return
			}
		}
	}
}
