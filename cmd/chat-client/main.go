package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"tempest/examples/chat"
	"tempest/pkg/client"
	"tempest/pkg/wire"
)

func main() {
	var (
		url      = flag.String("url", "ws://127.0.0.1:8080", "server address")
		playerID = flag.Uint64("p", 0, "player id (required)")
		room     = flag.String("room", "lobby", "chat room id")
		create   = flag.Bool("create", false, "create the room instead of joining")
	)
	flag.Parse()
	if *playerID == 0 {
		fmt.Fprintln(os.Stderr, "usage: chat-client -p <player-id> [-room <id>] [-create]")
		os.Exit(1)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, *url, wire.NewJSONSchema(), logger)
	if err != nil {
		logger.Fatal("dial failed", zap.Error(err))
	}
	defer c.Close()

	if err := c.Connect(ctx, *playerID); err != nil {
		logger.Fatal("connect failed", zap.Error(err))
	}

	build := func(options chat.Options) *chat.View {
		view := chat.NewView(options)
		view.OnMessage = func(from uint64, text string) {
			fmt.Printf("[%d] %s\n", from, text)
		}
		view.OnFinished = func() {
			fmt.Println("room closed")
			os.Exit(0)
		}
		return view
	}

	if *create {
		err = client.Create[chat.Options, chat.Action, chat.Delta](ctx, c, "chat", *room, chat.Options{}, build)
	} else {
		err = client.Join[chat.Options, chat.Action, chat.Delta](ctx, c, "chat", *room, build)
	}
	if err != nil {
		if errors.Is(err, client.ErrRejected) {
			logger.Fatal("room rejected the request", zap.String("room", *room))
		}
		logger.Fatal("enter room failed", zap.Error(err))
	}

	fmt.Printf("in room %q; type messages, /close ends the room\n", *room)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		if err := client.Action(c, "chat", *room, chat.Action{Text: text}); err != nil {
			logger.Fatal("send failed", zap.Error(err))
		}
	}
}
