package client

import (
	"errors"
	"fmt"
	"sync"

	"tempest/pkg/wire"
)

// GameState is the client-side mirror of a lobby: local state plus the
// handlers the framework drives. O is the options payload, A the
// outbound action payload, C the inbound change payload.
type GameState[O, A, C any] interface {
	// OnChange applies an authoritative delta from the server.
	OnChange(change C)

	// OnAction applies a local action optimistically, after it has been
	// sent to the server.
	OnAction(action A)

	// OnFinish is called once when the lobby's terminal diff arrives;
	// the instance is already removed from the registry.
	OnFinish()
}

var errGameNotFound = errors.New("client: no active game for lobby")

// activeGame erases the user's typed state behind closures so the read
// pump routes on bytes only. The mutex serializes the read pump
// (changes) against the caller (actions).
type activeGame struct {
	mu          sync.Mutex
	applyChange func([]byte) error
	applyAction func(action any) bool
	finish      func()
}

// ActiveGames maps (lobby type, id) to the live local instance.
type ActiveGames struct {
	mu    sync.RWMutex
	games map[string]map[string]*activeGame
}

func NewActiveGames() *ActiveGames {
	return &ActiveGames{games: make(map[string]map[string]*activeGame)}
}

func (a *ActiveGames) insert(lobbyType, id string, game *activeGame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	byID, ok := a.games[lobbyType]
	if !ok {
		byID = make(map[string]*activeGame)
		a.games[lobbyType] = byID
	}
	byID[id] = game
}

func (a *ActiveGames) remove(lobbyType, id string) *activeGame {
	a.mu.Lock()
	defer a.mu.Unlock()
	byID, ok := a.games[lobbyType]
	if !ok {
		return nil
	}
	game := byID[id]
	delete(byID, id)
	return game
}

func (a *ActiveGames) lookup(lobbyType, id string) (*activeGame, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	game, ok := a.games[lobbyType][id]
	return game, ok
}

// routeChange delivers a non-terminal diff payload to the matching
// instance.
func (a *ActiveGames) routeChange(lobbyType, id string, data []byte) error {
	game, ok := a.lookup(lobbyType, id)
	if !ok {
		return fmt.Errorf("%w: %s/%s", errGameNotFound, lobbyType, id)
	}
	game.mu.Lock()
	defer game.mu.Unlock()
	return game.applyChange(data)
}

// finish removes the instance and runs its OnFinish handler.
func (a *ActiveGames) finish(lobbyType, id string) {
	game := a.remove(lobbyType, id)
	if game == nil {
		return
	}
	game.mu.Lock()
	defer game.mu.Unlock()
	game.finish()
}

// newActiveGame builds the erased wrapper around a typed instance.
func newActiveGame[O, A, C any, G GameState[O, A, C]](schema wire.Schema, game G) *activeGame {
	return &activeGame{
		applyChange: func(data []byte) error {
			var change C
			if err := schema.Unmarshal(data, &change); err != nil {
				return err
			}
			game.OnChange(change)
			return nil
		},
		applyAction: func(action any) bool {
			typed, ok := action.(A)
			if !ok {
				return false
			}
			game.OnAction(typed)
			return true
		},
		finish: func() {
			game.OnFinish()
		},
	}
}
