package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"tempest/pkg/lobby"
	"tempest/pkg/wire"
)

const handshakeTimeout = 10 * time.Second

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if s.metrics != nil {
				s.metrics.Errors.Accept.Inc()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			s.logger.Error("accept error", zap.Error(err))
			return
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return
	}
	if _, err := ws.Upgrade(conn); err != nil {
		if s.metrics != nil {
			s.metrics.Errors.Accept.Inc()
		}
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	reader := wsutil.NewReader(conn, ws.StateServerSide)

	// The writer task and the reader's control replies share the
	// connection; the mutex keeps their frames from interleaving.
	var writeMu sync.Mutex
	writeFrame := func(opcode ws.OpCode, payload []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return wsutil.WriteServerMessage(conn, opcode, payload)
	}

	// Sessions cannot exist without a prior successful Connect: the
	// first data frame must decode to one, anything else is refused.
	raw, err := s.readFrame(reader, writeFrame)
	if err != nil {
		return
	}
	msg, err := s.schema.DecodeInput(raw)
	if err != nil {
		s.refuse(conn, "malformed connect message")
		return
	}
	connect, ok := msg.(wire.Connect)
	if !ok {
		s.refuse(conn, "not connected")
		return
	}

	queue, err := s.fabric.Connect(connect.CorrelationID, connect.PlayerID)
	if err != nil {
		s.refuse(conn, "player already connected")
		return
	}
	_ = conn.SetDeadline(time.Time{})

	player := lobby.NewPlayerContext(connect.PlayerID)
	s.logger.Info("player connected", zap.Uint64("p_id", connect.PlayerID))

	// Writer task: drains the session queue until it is closed on
	// disconnect, or until the transport dies under it.
	opcode := ws.OpText
	if s.schema.Form() == wire.BinaryForm {
		opcode = ws.OpBinary
	}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			payload, ok := queue.Pop()
			if !ok {
				return
			}
			if err := writeFrame(opcode, payload); err != nil {
				s.logger.Debug("write failed", zap.Uint64("p_id", connect.PlayerID), zap.Error(err))
				return
			}
		}
	}()

	// Reader loop: route every message under the bound player context.
	for ctx.Err() == nil {
		raw, err := s.readFrame(reader, writeFrame)
		if err != nil {
			break
		}
		if s.metrics != nil {
			s.metrics.Messages.Received.Inc()
		}
		s.route(player, raw)
	}

	// Disconnect sweep: close the queue so the writer drains its backlog
	// and exits, join it, then drop the session and turn the drained
	// subscription set into one Leave per lobby.
	queue.Close()
	<-writerDone
	subscriptions := s.fabric.UnsubscribeAll(connect.PlayerID)
	for lobbyType, ids := range subscriptions {
		handler, ok := s.handlers[lobbyType]
		if !ok {
			continue
		}
		for _, id := range ids {
			handler.Leave(connect.PlayerID, id)
		}
	}
	s.logger.Info("player disconnected", zap.Uint64("p_id", connect.PlayerID))
}

// readFrame returns the next data frame payload, transparently
// answering pings and close frames.
func (s *Server) readFrame(reader *wsutil.Reader, writeFrame func(ws.OpCode, []byte) error) ([]byte, error) {
	for {
		head, err := reader.NextFrame()
		if err != nil {
			return nil, err
		}
		switch head.OpCode {
		case ws.OpClose:
			_ = writeFrame(ws.OpClose, nil)
			return nil, io.EOF
		case ws.OpPing:
			if err := writeFrame(ws.OpPong, nil); err != nil {
				return nil, err
			}
		case ws.OpText, ws.OpBinary:
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return nil, err
			}
			return payload, nil
		default:
			if _, err := io.CopyN(io.Discard, reader, head.Length); err != nil {
				return nil, err
			}
		}
	}
}

// refuse answers a broken handshake with a GenericError and lets the
// deferred close tear the connection down.
func (s *Server) refuse(conn net.Conn, description string) {
	payload, err := s.schema.EncodeOutput(wire.GenericError{Description: description})
	if err != nil {
		return
	}
	opcode := ws.OpText
	if s.schema.Form() == wire.BinaryForm {
		opcode = ws.OpBinary
	}
	_ = wsutil.WriteServerMessage(conn, opcode, payload)
}

// route dispatches one decoded input under the connection's player.
func (s *Server) route(player *lobby.PlayerContext, raw []byte) {
	msg, err := s.schema.DecodeInput(raw)
	if err != nil {
		if s.metrics != nil {
			s.metrics.Errors.Decode.Inc()
		}
		s.fabric.Send(player.ID(), wire.GenericError{Description: "malformed message"})
		return
	}

	switch m := msg.(type) {
	case wire.Create:
		handler, ok := s.handlers[m.Type]
		if !ok {
			s.fabric.Send(player.ID(), wire.CreateAck{CorrelationID: m.CorrelationID, Success: false})
			return
		}
		// Subscribe before registering with the runtime so a racing
		// disconnect still finds the subscription.
		s.fabric.Subscribe(player.ID(), m.Type, m.ID)
		err := handler.Create(player, m.ID, m.Options)
		if err != nil {
			s.logger.Debug("create rejected",
				zap.String("type", m.Type), zap.String("id", m.ID), zap.Error(err))
		}
		s.fabric.Send(player.ID(), wire.CreateAck{CorrelationID: m.CorrelationID, Success: err == nil})

	case wire.Join:
		handler, ok := s.handlers[m.Type]
		if !ok {
			s.fabric.Send(player.ID(), wire.JoinAck{CorrelationID: m.CorrelationID, Success: false})
			return
		}
		s.fabric.Subscribe(player.ID(), m.Type, m.ID)
		joined := handler.Join(player, m.ID)
		s.fabric.Send(player.ID(), wire.JoinAck{CorrelationID: m.CorrelationID, Success: joined})

	case wire.Action:
		handler, ok := s.handlers[m.Type]
		if !ok {
			return
		}
		if err := handler.Action(player.ID(), m.ID, m.Data); err != nil {
			if s.metrics != nil {
				s.metrics.Errors.Decode.Inc()
			}
			s.fabric.Send(player.ID(), wire.GenericError{Description: "malformed action"})
		}

	case wire.Connect:
		// Already connected; a second Connect is ignored.
	}
}
