package session

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"tempest/internal/metrics"
	"tempest/pkg/wire"
)

// ErrPlayerOnline is returned when a Connect arrives for a player id
// that already has a live session.
var ErrPlayerOnline = errors.New("session: player id already connected")

// Fabric owns the per-player outbound queues and the subscription
// index. Lobby workers and connection goroutines send through it; the
// transport drains one queue per connection.
//
// The session map is read on every send and written only on connect
// and disconnect; the subscription map is written on connect,
// subscribe and disconnect. Both use a readers-writer lock.
type Fabric struct {
	schema  wire.Schema
	logger  *zap.Logger
	metrics *metrics.Registry

	mu       sync.RWMutex
	sessions map[uint64]*Queue

	subMu         sync.RWMutex
	subscriptions map[uint64]map[string][]string
}

func NewFabric(schema wire.Schema, logger *zap.Logger, metricsRegistry *metrics.Registry) *Fabric {
	return &Fabric{
		schema:        schema,
		logger:        logger,
		metrics:       metricsRegistry,
		sessions:      make(map[uint64]*Queue),
		subscriptions: make(map[uint64]map[string][]string),
	}
}

// Connect inserts a session for the player, enqueues the successful
// ConnectAck and returns the queue for the transport writer to drain.
// A second live session for the same id is refused.
func (f *Fabric) Connect(correlationID string, playerID uint64) (*Queue, error) {
	ack, err := f.schema.EncodeOutput(wire.ConnectAck{CorrelationID: correlationID, Success: true})
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if _, ok := f.sessions[playerID]; ok {
		f.mu.Unlock()
		return nil, ErrPlayerOnline
	}
	queue := NewQueue()
	queue.Push(ack)
	f.sessions[playerID] = queue
	f.mu.Unlock()

	f.subMu.Lock()
	f.subscriptions[playerID] = make(map[string][]string)
	f.subMu.Unlock()

	if f.metrics != nil {
		f.metrics.Sessions.Active.Inc()
	}
	return queue, nil
}

// Subscribe records that the player is known to lobby (lobbyType, id).
// Duplicate subscription for the same triple is a no-op, so a repeated
// join never produces a second Leave on disconnect.
func (f *Fabric) Subscribe(playerID uint64, lobbyType, id string) {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	subs, ok := f.subscriptions[playerID]
	if !ok {
		return
	}
	for _, known := range subs[lobbyType] {
		if known == id {
			return
		}
	}
	subs[lobbyType] = append(subs[lobbyType], id)
}

// UnsubscribeAll removes the session and drains the player's
// subscription set in one sweep. The caller turns the returned set into
// one Leave per lobby.
func (f *Fabric) UnsubscribeAll(playerID uint64) map[string][]string {
	f.mu.Lock()
	queue, ok := f.sessions[playerID]
	delete(f.sessions, playerID)
	f.mu.Unlock()

	if ok {
		queue.Close()
		if f.metrics != nil {
			f.metrics.Sessions.Active.Dec()
		}
	}

	f.subMu.Lock()
	subs := f.subscriptions[playerID]
	delete(f.subscriptions, playerID)
	f.subMu.Unlock()
	return subs
}

// Send encodes once and enqueues to a single session. A missing session
// is a silent drop: the player is already gone and the sweep converges.
func (f *Fabric) Send(playerID uint64, msg wire.Output) {
	payload, err := f.schema.EncodeOutput(msg)
	if err != nil {
		f.logger.Error("encode output failed", zap.Error(err))
		return
	}
	f.push(playerID, payload)
}

// SendAll encodes once and fans the same bytes out to every recipient.
// Cost scales with recipients on enqueues, not on encoding.
func (f *Fabric) SendAll(playerIDs []uint64, msg wire.Output) {
	payload, err := f.schema.EncodeOutput(msg)
	if err != nil {
		f.logger.Error("encode output failed", zap.Error(err))
		return
	}
	for _, id := range playerIDs {
		f.push(id, payload)
	}
}

func (f *Fabric) push(playerID uint64, payload []byte) {
	f.mu.RLock()
	queue, ok := f.sessions[playerID]
	f.mu.RUnlock()
	if !ok {
		return
	}
	queue.Push(payload)
	if f.metrics != nil {
		f.metrics.Messages.Delivered.Inc()
	}
}

// SessionCount reports connected players.
func (f *Fabric) SessionCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sessions)
}
