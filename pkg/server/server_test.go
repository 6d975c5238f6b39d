package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempest/examples/chat"
	"tempest/pkg/client"
	"tempest/pkg/lobby"
	"tempest/pkg/server"
	"tempest/pkg/wire"
)

// trackOptions names the lobby so shared channels can tell rooms apart.
type trackOptions struct {
	Name string `json:"name"`
}

type trackAction struct{}

type trackDelta struct{}

type trackEvent struct {
	room     string
	playerID uint64
}

type trackHooks struct {
	name   string
	joins  chan<- trackEvent
	leaves chan<- trackEvent
}

func (h *trackHooks) OnJoin(player *lobby.PlayerContext) []lobby.Diff[trackDelta] {
	h.joins <- trackEvent{room: h.name, playerID: player.ID()}
	return nil
}

func (h *trackHooks) OnLeave(player *lobby.PlayerContext) *lobby.Diff[trackDelta] {
	h.leaves <- trackEvent{room: h.name, playerID: player.ID()}
	return nil
}

func (h *trackHooks) OnTick(map[uint64]*lobby.PlayerContext, []lobby.PlayerAction[trackAction]) []lobby.Diff[trackDelta] {
	return nil
}

func (h *trackHooks) Finished() (bool, *lobby.Diff[trackDelta]) {
	return false, nil
}

type trackView struct{}

func newTrackView(trackOptions) *trackView { return &trackView{} }
func (*trackView) OnChange(trackDelta)     {}
func (*trackView) OnAction(trackAction)    {}
func (*trackView) OnFinish()               {}

type testServer struct {
	srv    *server.Server
	url    string
	joins  chan trackEvent
	leaves chan trackEvent
}

func startServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{
		joins:  make(chan trackEvent, 16),
		leaves: make(chan trackEvent, 16),
	}

	srv := server.New("127.0.0.1:0", wire.NewJSONSchema(), zap.NewNop())
	settings := lobby.Settings{TickNoAction: 100 * time.Millisecond, Tick: 20 * time.Millisecond}
	server.Register[chat.Options, chat.Action, chat.Delta](srv, "chat", settings, chat.New)
	server.Register[trackOptions, trackAction, trackDelta](srv, "track", settings,
		func(options trackOptions) *trackHooks {
			return &trackHooks{name: options.Name, joins: ts.joins, leaves: ts.leaves}
		})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})

	ts.srv = srv
	ts.url = "ws://" + srv.Addr().String()
	return ts
}

func dialClient(t *testing.T, url string, playerID uint64) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, url, wire.NewJSONSchema(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.Connect(ctx, playerID))
	return c
}

func TestConnectCreateActionFinish(t *testing.T) {
	ts := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	finished := make(chan struct{})
	received := make(chan string, 16)
	build := func(options chat.Options) *chat.View {
		view := chat.NewView(options)
		view.OnMessage = func(_ uint64, text string) { received <- text }
		view.OnFinished = func() { close(finished) }
		return view
	}

	c := dialClient(t, ts.url, 7)
	require.NoError(t, client.Create[chat.Options, chat.Action, chat.Delta](ctx, c, "chat", "room-1", chat.Options{}, build))

	// Chat only fans out to other players; the author sees nothing.
	require.NoError(t, client.Action(c, "chat", "room-1", chat.Action{Text: "hi"}))
	select {
	case text := <-received:
		t.Fatalf("author received own message %q", text)
	case <-time.After(150 * time.Millisecond):
	}

	require.NoError(t, client.Action(c, "chat", "room-1", chat.Action{Text: "/close"}))
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("finish notification never arrived")
	}
}

func TestJoinReceivesBacklogOnly(t *testing.T) {
	ts := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	creatorInbox := make(chan string, 16)
	creatorBuild := func(options chat.Options) *chat.View {
		view := chat.NewView(options)
		view.OnMessage = func(_ uint64, text string) { creatorInbox <- text }
		return view
	}

	c1 := dialClient(t, ts.url, 1)
	require.NoError(t, client.Create[chat.Options, chat.Action, chat.Delta](ctx, c1, "chat", "room-1", chat.Options{}, creatorBuild))
	require.NoError(t, client.Action(c1, "chat", "room-1", chat.Action{Text: "hello"}))

	// Wait for the tick to land the message in the room history.
	time.Sleep(150 * time.Millisecond)

	joinerInbox := make(chan string, 16)
	joinerBuild := func(options chat.Options) *chat.View {
		view := chat.NewView(options)
		view.OnMessage = func(_ uint64, text string) { joinerInbox <- text }
		return view
	}

	c2 := dialClient(t, ts.url, 2)
	require.NoError(t, client.Join[chat.Options, chat.Action, chat.Delta](ctx, c2, "chat", "room-1", joinerBuild))

	select {
	case text := <-joinerInbox:
		assert.Equal(t, "hello", text)
	case <-time.After(2 * time.Second):
		t.Fatal("joiner never received the backlog")
	}

	// The join itself produces nothing for the creator.
	select {
	case text := <-creatorInbox:
		t.Fatalf("creator received %q from the join", text)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestJoinUnknownLobbyRejected(t *testing.T) {
	ts := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dialClient(t, ts.url, 3)
	err := client.Join[chat.Options, chat.Action, chat.Delta](ctx, c, "chat", "ghost", chat.NewView)
	assert.ErrorIs(t, err, client.ErrRejected)

	// The optimistic local instance was rolled back.
	assert.Error(t, client.Action(c, "chat", "ghost", chat.Action{Text: "hi"}))
}

func TestDuplicateCreateRejected(t *testing.T) {
	ts := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c1 := dialClient(t, ts.url, 1)
	require.NoError(t, client.Create[trackOptions, trackAction, trackDelta](ctx, c1, "track", "room-1", trackOptions{Name: "room-1"}, newTrackView))
	<-ts.joins

	c2 := dialClient(t, ts.url, 2)
	err := client.Create[trackOptions, trackAction, trackDelta](ctx, c2, "track", "room-1", trackOptions{Name: "room-1"}, newTrackView)
	assert.ErrorIs(t, err, client.ErrRejected)

	// The original lobby never saw a second join.
	select {
	case ev := <-ts.joins:
		t.Fatalf("rejected create joined the lobby: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDisconnectSweepLeavesEveryLobbyOnce(t *testing.T) {
	ts := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dialClient(t, ts.url, 9)
	require.NoError(t, client.Create[trackOptions, trackAction, trackDelta](ctx, c, "track", "room-1", trackOptions{Name: "room-1"}, newTrackView))
	require.NoError(t, client.Create[trackOptions, trackAction, trackDelta](ctx, c, "track", "room-2", trackOptions{Name: "room-2"}, newTrackView))
	<-ts.joins
	<-ts.joins

	c.Close()

	rooms := map[string]int{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ts.leaves:
			assert.Equal(t, uint64(9), ev.playerID)
			rooms[ev.room]++
		case <-time.After(2 * time.Second):
			t.Fatal("disconnect sweep never reached the lobby")
		}
	}
	assert.Equal(t, map[string]int{"room-1": 1, "room-2": 1}, rooms)

	select {
	case ev := <-ts.leaves:
		t.Fatalf("duplicate leave: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFirstMessageMustBeConnect(t *testing.T) {
	ts := startServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(ts.url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"method":"create","correlation_id":"x","type":"chat","id":"room-1"}`)))

	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	decoded, err := wire.NewJSONSchema().DecodeOutput(payload)
	require.NoError(t, err)
	_, ok := decoded.(wire.GenericError)
	assert.True(t, ok, "expected generic_error, got %T", decoded)

	// The server closes the connection afterwards.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestDuplicatePlayerIDRefused(t *testing.T) {
	ts := startServer(t)
	dialClient(t, ts.url, 5)

	conn, _, err := websocket.DefaultDialer.Dial(ts.url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"method":"connect","correlation_id":"dup","p_id":5}`)))

	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	decoded, err := wire.NewJSONSchema().DecodeOutput(payload)
	require.NoError(t, err)
	_, ok := decoded.(wire.GenericError)
	assert.True(t, ok, "expected generic_error, got %T", decoded)
}
