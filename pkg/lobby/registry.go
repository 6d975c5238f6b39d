package lobby

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"tempest/internal/metrics"
	"tempest/pkg/session"
	"tempest/pkg/wire"
)

// ErrLobbyExists rejects a create for an id that is already live.
// Overwriting a running lobby is never correct.
var ErrLobbyExists = errors.New("lobby: id already created")

// Handle is the type-erased registry surface. The router only traffics
// in bytes; options and actions are decoded behind this boundary, where
// the user's generic types re-enter the picture.
type Handle interface {
	Create(player *PlayerContext, id string, options []byte) error
	Join(player *PlayerContext, id string) bool
	Leave(playerID uint64, id string)
	Action(playerID uint64, id string, data []byte) error
}

// typedHandle owns every live lobby of one registered type.
// Create/removal take the write lock; join and action, the hot path,
// only read.
type typedHandle[O, A, D any, H Hooks[O, A, D]] struct {
	lobbyType string
	settings  Settings
	build     func(O) H

	fabric  *session.Fabric
	schema  wire.Schema
	logger  *zap.Logger
	metrics *metrics.Registry

	mu      sync.RWMutex
	workers map[string]*worker[O, A, D, H]
}

// NewHandle builds the erased handle for one lobby type. build is the
// user's hooks constructor; it receives the decoded options payload
// (or O's zero value when the create carried none).
func NewHandle[O, A, D any, H Hooks[O, A, D]](
	lobbyType string,
	settings Settings,
	build func(O) H,
	fabric *session.Fabric,
	schema wire.Schema,
	logger *zap.Logger,
	metricsRegistry *metrics.Registry,
) Handle {
	return &typedHandle[O, A, D, H]{
		lobbyType: lobbyType,
		settings:  settings.withDefaults(),
		build:     build,
		fabric:    fabric,
		schema:    schema,
		logger:    logger,
		metrics:   metricsRegistry,
		workers:   make(map[string]*worker[O, A, D, H]),
	}
}

func (h *typedHandle[O, A, D, H]) Create(player *PlayerContext, id string, options []byte) error {
	var opts O
	if len(options) > 0 {
		if err := h.schema.Unmarshal(options, &opts); err != nil {
			return fmt.Errorf("decode options: %w", err)
		}
	}

	h.mu.Lock()
	if _, ok := h.workers[id]; ok {
		h.mu.Unlock()
		return ErrLobbyExists
	}
	w := newWorker[O, A, D, H](h.lobbyType, id, h.build(opts), h.settings,
		h.fabric, h.schema, h.logger, h.metrics, func() { h.remove(id) })
	h.workers[id] = w
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Lobbies.Active.WithLabelValues(h.lobbyType).Inc()
	}
	go w.run()
	w.send(event[A]{kind: eventJoin, playerID: player.ID(), player: player})
	return nil
}

// Join reports whether the lobby exists; a miss means it may have just
// finished and the ack should carry success=false.
func (h *typedHandle[O, A, D, H]) Join(player *PlayerContext, id string) bool {
	h.mu.RLock()
	w, ok := h.workers[id]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	w.send(event[A]{kind: eventJoin, playerID: player.ID(), player: player})
	return true
}

// Leave against an unknown id is a no-op: the lobby may have finished
// while the disconnect sweep was walking subscriptions.
func (h *typedHandle[O, A, D, H]) Leave(playerID uint64, id string) {
	h.mu.RLock()
	w, ok := h.workers[id]
	h.mu.RUnlock()
	if !ok {
		return
	}
	w.send(event[A]{kind: eventLeave, playerID: playerID})
}

func (h *typedHandle[O, A, D, H]) Action(playerID uint64, id string, data []byte) error {
	var action A
	if len(data) > 0 {
		if err := h.schema.Unmarshal(data, &action); err != nil {
			return fmt.Errorf("decode action: %w", err)
		}
	}

	h.mu.RLock()
	w, ok := h.workers[id]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	w.send(event[A]{kind: eventAction, playerID: playerID, action: action})
	return nil
}

func (h *typedHandle[O, A, D, H]) remove(id string) {
	h.mu.Lock()
	delete(h.workers, id)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.Lobbies.Active.WithLabelValues(h.lobbyType).Dec()
	}
}
