package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tempest/pkg/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// How often the reply manager sweeps for expired awaitables.
	vacuumInterval = time.Second

	// Fallback expiry for correlated calls whose context has no
	// deadline of its own.
	defaultReplyTimeout = 30 * time.Second
)

var (
	// ErrTimeout resolves a correlated call whose ack never arrived.
	ErrTimeout = errors.New("client: reply timed out")

	// ErrRejected resolves a correlated call the server answered with
	// success=false.
	ErrRejected = errors.New("client: request rejected")

	// ErrClosed is returned once the connection is gone.
	ErrClosed = errors.New("client: connection closed")
)

// Client is the lobby framework's client facade: one WebSocket
// connection, a reply manager for correlated calls and the active game
// registry that inbound diffs route into.
type Client struct {
	schema  wire.Schema
	logger  *zap.Logger
	conn    *websocket.Conn
	replies *ReplyManager
	games   *ActiveGames

	send chan []byte
	done chan struct{}
	once sync.Once
}

// Dial connects to a tempest server at url (ws://host:port) and starts
// the read/write pumps. The returned client is not yet identified;
// call Connect before anything else.
func Dial(ctx context.Context, url string, schema wire.Schema, logger *zap.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		schema:  schema,
		logger:  logger,
		conn:    conn,
		replies: NewReplyManager(),
		games:   NewActiveGames(),
		send:    make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	go c.vacuumLoop()
	return c, nil
}

// Connect identifies this connection as playerID and awaits the ack.
func (c *Client) Connect(ctx context.Context, playerID uint64) error {
	correlationID := uuid.NewString()
	ch := c.replies.Register(correlationID, c.expiry(ctx))
	if err := c.enqueue(wire.Connect{CorrelationID: correlationID, PlayerID: playerID}); err != nil {
		return err
	}
	return c.await(ctx, ch)
}

// Create builds the local game instance, registers it and asks the
// server for the lobby. On rejection or timeout the local instance is
// rolled back.
func Create[O, A, C any, G GameState[O, A, C]](ctx context.Context, c *Client, lobbyType, id string, options O, build func(O) G) error {
	optionsData, err := c.schema.Marshal(options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	c.games.insert(lobbyType, id, newActiveGame[O, A, C, G](c.schema, build(options)))

	correlationID := uuid.NewString()
	ch := c.replies.Register(correlationID, c.expiry(ctx))
	if err := c.enqueue(wire.Create{CorrelationID: correlationID, Type: lobbyType, ID: id, Options: optionsData}); err != nil {
		c.games.remove(lobbyType, id)
		return err
	}
	if err := c.await(ctx, ch); err != nil {
		c.games.remove(lobbyType, id)
		return err
	}
	return nil
}

// Join is Create's shape against an existing lobby; the local instance
// is built from O's zero value.
func Join[O, A, C any, G GameState[O, A, C]](ctx context.Context, c *Client, lobbyType, id string, build func(O) G) error {
	var options O
	c.games.insert(lobbyType, id, newActiveGame[O, A, C, G](c.schema, build(options)))

	correlationID := uuid.NewString()
	ch := c.replies.Register(correlationID, c.expiry(ctx))
	if err := c.enqueue(wire.Join{CorrelationID: correlationID, Type: lobbyType, ID: id}); err != nil {
		c.games.remove(lobbyType, id)
		return err
	}
	if err := c.await(ctx, ch); err != nil {
		c.games.remove(lobbyType, id)
		return err
	}
	return nil
}

// Action sends a fire-and-forget action and applies it optimistically
// to the local instance.
func Action[A any](c *Client, lobbyType, id string, action A) error {
	game, ok := c.games.lookup(lobbyType, id)
	if !ok {
		return fmt.Errorf("%w: %s/%s", errGameNotFound, lobbyType, id)
	}

	data, err := c.schema.Marshal(action)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	if err := c.enqueue(wire.Action{Type: lobbyType, ID: id, Data: data}); err != nil {
		return err
	}

	game.mu.Lock()
	applied := game.applyAction(action)
	game.mu.Unlock()
	if !applied {
		return fmt.Errorf("client: action type %T does not match lobby %s/%s", action, lobbyType, id)
	}
	return nil
}

// Leave forgets the local instance. The server learns through the
// disconnect sweep; there is no leave message on the wire.
func (c *Client) Leave(lobbyType, id string) {
	c.games.remove(lobbyType, id)
}

// Close stops the pumps and tears the connection down.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

func (c *Client) enqueue(msg wire.Input) error {
	payload, err := c.schema.EncodeInput(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) await(ctx context.Context, ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) expiry(ctx context.Context) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(defaultReplyTimeout)
}

func (c *Client) writePump() {
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	messageType := websocket.TextMessage
	if c.schema.Form() == wire.BinaryForm {
		messageType = websocket.BinaryMessage
	}

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(messageType, payload); err != nil {
				c.Close()
				return
			}
		case <-pingTicker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readPump() {
	defer c.Close()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(payload)
	}
}

// dispatch routes one server message: acks resolve pending replies,
// diffs feed the active game registry.
func (c *Client) dispatch(payload []byte) {
	msg, err := c.schema.DecodeOutput(payload)
	if err != nil {
		c.logger.Warn("ignored malformed message", zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case wire.ConnectAck:
		c.resolveAck(m.CorrelationID, m.Success)
	case wire.CreateAck:
		c.resolveAck(m.CorrelationID, m.Success)
	case wire.JoinAck:
		c.resolveAck(m.CorrelationID, m.Success)
	case wire.Diff:
		if m.Finished {
			c.games.finish(m.Type, m.ID)
			return
		}
		if err := c.games.routeChange(m.Type, m.ID, m.Data); err != nil {
			c.logger.Warn("dropped diff", zap.String("type", m.Type), zap.String("id", m.ID), zap.Error(err))
		}
	case wire.GenericError:
		c.logger.Warn("server error", zap.String("description", m.Description))
	}
}

func (c *Client) resolveAck(correlationID string, success bool) {
	if success {
		c.replies.Ok(correlationID)
		return
	}
	c.replies.Err(correlationID, ErrRejected)
}

func (c *Client) vacuumLoop() {
	ticker := time.NewTicker(vacuumInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.replies.Vacuum()
		case <-c.done:
			return
		}
	}
}
