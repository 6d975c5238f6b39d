package lobby

import (
	"time"

	"go.uber.org/zap"

	"tempest/internal/metrics"
	"tempest/pkg/session"
	"tempest/pkg/wire"
)

type eventKind int

const (
	eventJoin eventKind = iota
	eventLeave
	eventAction
)

type event[A any] struct {
	kind     eventKind
	playerID uint64
	player   *PlayerContext
	action   A
}

// worker runs one lobby: it owns the hooks instance and is the only
// goroutine that touches it. Events arrive serialized on a bounded
// channel; diffs leave through the session fabric.
type worker[O, A, D any, H Hooks[O, A, D]] struct {
	lobbyType string
	id        string
	hooks     H
	settings  Settings

	fabric  *session.Fabric
	schema  wire.Schema
	logger  *zap.Logger
	metrics *metrics.Registry

	events chan event[A]
	done   chan struct{}
	onExit func()

	players map[uint64]*PlayerContext
	actions []PlayerAction[A]
}

func newWorker[O, A, D any, H Hooks[O, A, D]](
	lobbyType, id string,
	hooks H,
	settings Settings,
	fabric *session.Fabric,
	schema wire.Schema,
	logger *zap.Logger,
	metricsRegistry *metrics.Registry,
	onExit func(),
) *worker[O, A, D, H] {
	return &worker[O, A, D, H]{
		lobbyType: lobbyType,
		id:        id,
		hooks:     hooks,
		settings:  settings,
		fabric:    fabric,
		schema:    schema,
		logger:    logger,
		metrics:   metricsRegistry,
		events:    make(chan event[A], settings.EventQueueSize),
		done:      make(chan struct{}),
		onExit:    onExit,
		players:   make(map[uint64]*PlayerContext),
	}
}

// send enqueues an event unless the worker has already exited. Events
// racing a finished lobby are dropped, never blocked on.
func (w *worker[O, A, D, H]) send(ev event[A]) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

func (w *worker[O, A, D, H]) run() {
	defer w.onExit()
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("lobby hook panicked",
				zap.String("type", w.lobbyType),
				zap.String("id", w.id),
				zap.Any("panic", r))
			w.finish()
		}
	}()

	for {
		if finished, diff := w.hooks.Finished(); finished {
			if diff != nil {
				w.notify(*diff)
			}
			w.finish()
			return
		}

		// Idle dwell: block for one event or run an empty tick.
		var batching bool
		select {
		case ev := <-w.events:
			switch ev.kind {
			case eventAction:
				w.actions = append(w.actions, PlayerAction[A]{PlayerID: ev.playerID, Action: ev.action})
				batching = true
			case eventJoin:
				w.handleJoin(ev.player)
			case eventLeave:
				w.handleLeave(ev.playerID)
			}
		case <-time.After(w.settings.TickNoAction):
			w.emit(w.hooks.OnTick(w.players, nil))
		}
		if !batching {
			continue
		}

		// Batching window: keep draining until the budget runs out.
		// Joins and leaves are applied immediately, actions accumulate.
		deadline := time.Now().Add(w.settings.Tick)
		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			expired := false
			select {
			case ev := <-w.events:
				switch ev.kind {
				case eventAction:
					w.actions = append(w.actions, PlayerAction[A]{PlayerID: ev.playerID, Action: ev.action})
				case eventJoin:
					w.handleJoin(ev.player)
				case eventLeave:
					w.handleLeave(ev.playerID)
				}
			case <-time.After(remaining):
				expired = true
			}
			if expired {
				break
			}
		}

		actions := w.actions
		w.actions = nil
		w.emit(w.hooks.OnTick(w.players, actions))
	}
}

func (w *worker[O, A, D, H]) handleJoin(player *PlayerContext) {
	w.players[player.ID()] = player
	w.emit(w.hooks.OnJoin(player))
}

// handleLeave tolerates unknown players: a disconnect racing a create
// can deliver Leave before the worker ever saw the Join.
func (w *worker[O, A, D, H]) handleLeave(playerID uint64) {
	player, ok := w.players[playerID]
	if !ok {
		return
	}
	delete(w.players, playerID)
	if diff := w.hooks.OnLeave(player); diff != nil {
		w.notify(*diff)
	}
}

func (w *worker[O, A, D, H]) emit(diffs []Diff[D]) {
	for _, diff := range diffs {
		w.notify(diff)
	}
}

// notify serializes the delta exactly once and fans the enveloped
// bytes out to the diff's recipients.
func (w *worker[O, A, D, H]) notify(diff Diff[D]) {
	data, err := w.schema.Marshal(diff.Delta)
	if err != nil {
		w.logger.Error("delta marshal failed",
			zap.String("type", w.lobbyType),
			zap.String("id", w.id),
			zap.Error(err))
		return
	}
	msg := wire.Diff{Type: w.lobbyType, ID: w.id, Data: data}

	switch diff.scope {
	case scopeAll:
		w.fabric.SendAll(w.memberIDs(), msg)
	case scopeOne:
		w.fabric.Send(diff.targets[0], msg)
	case scopeList:
		w.fabric.SendAll(diff.targets, msg)
	}
	if w.metrics != nil {
		w.metrics.Messages.FanOut.Add(float64(w.recipientCount(diff)))
	}
}

// finish tells every current member the lobby is over.
func (w *worker[O, A, D, H]) finish() {
	w.fabric.SendAll(w.memberIDs(), wire.Diff{Type: w.lobbyType, ID: w.id, Finished: true})
}

func (w *worker[O, A, D, H]) memberIDs() []uint64 {
	ids := make([]uint64, 0, len(w.players))
	for id := range w.players {
		ids = append(ids, id)
	}
	return ids
}

func (w *worker[O, A, D, H]) recipientCount(diff Diff[D]) int {
	if diff.scope == scopeAll {
		return len(w.players)
	}
	return len(diff.targets)
}
