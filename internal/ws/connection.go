package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"parley/internal/gateway"
	"parley/internal/models"
	"parley/internal/registry"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadMessage() (messageType int, p []byte, err error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

type Connection struct {
	ws           wsConnection
	gateway      *gateway.Gateway
	conn         *registry.Conn
	pingInterval time.Duration
	fromClient   chan models.ClientMessage
	errorCh      chan error
}

// NewConnection registers a new connection with the gateway. Handle must be
// called to run it and to release it afterwards.
func NewConnection(
	gw *gateway.Gateway,
	ws wsConnection,
	pingInterval time.Duration,
) *Connection {
	return &Connection{
		ws:           ws,
		gateway:      gw,
		conn:         gw.Connect(),
		pingInterval: pingInterval,
		fromClient:   make(chan models.ClientMessage),
		errorCh:      make(chan error, 2),
	}
}

func (c *Connection) ID() string {
	return c.conn.ID
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		// Cleanup writes presence, so it must outlive the request context.
		c.gateway.Disconnect(context.WithoutCancel(ctx), c.conn.ID)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		var msg models.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply("", fmt.Errorf("%w: malformed frame: %v", models.ErrValidation, err))
			continue
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	var ping <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case msg := <-c.fromClient:
			c.processClientMessage(ctx, msg)
		case msg, ok := <-c.conn.Outbox():
			if !ok {
				return nil
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientMessage(ctx context.Context, msg models.ClientMessage) {
	if err := c.dispatch(ctx, msg); err != nil {
		c.reply(msg.Type, err)
	}
}

func (c *Connection) dispatch(ctx context.Context, msg models.ClientMessage) error {
	id := c.conn.ID

	switch msg.Type {
	case models.ClientMessageTypeAnnounce:
		var req models.AnnounceRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		return c.gateway.Announce(ctx, id, req.UserID)

	case models.ClientMessageTypeExplicitLogout:
		var req models.LogoutRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		return c.gateway.ExplicitLogout(ctx, id, req.UserID)

	case models.ClientMessageTypeJoinDirect:
		var req models.JoinDirectRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		_, err := c.gateway.JoinDirect(id, req.PeerID)
		return err

	case models.ClientMessageTypeSendDirect:
		var req models.SendDirectRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		_, err := c.gateway.SendDirect(ctx, id, req.PeerID, req.Content)
		return err

	case models.ClientMessageTypeJoinCommunity:
		var req models.JoinCommunityRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		_, err := c.gateway.JoinCommunity(id, req.CommunityID)
		return err

	case models.ClientMessageTypeSendCommunity:
		var req models.SendCommunityRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		_, err := c.gateway.SendCommunity(ctx, id, req.CommunityID, req.Content)
		return err

	case models.ClientMessageTypeDeleteCommunityMessage:
		var req models.DeleteMessageRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		return c.gateway.DeleteCommunityMessage(ctx, id, req.MessageID)

	case models.ClientMessageTypeEnqueueMatch:
		_, err := c.gateway.EnqueueMatch(id)
		return err

	case models.ClientMessageTypeLeaveMatch:
		c.gateway.LeaveMatch(id)
		return nil

	case models.ClientMessageTypeSignal:
		var req models.SignalRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		c.gateway.Signal(id, req.RoomID, req.Payload)
		return nil

	case models.ClientMessageTypeHistory:
		var req models.HistoryRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		history, err := c.gateway.History(ctx, id, req)
		if err != nil {
			return err
		}
		c.gateway.Send(id, models.NewHistory(history))
		return nil

	default:
		return fmt.Errorf("%w: unknown command %q", models.ErrValidation, msg.Type)
	}
}

// reply reports a failed command to the client. Missing targets are benign
// and produce no event.
func (c *Connection) reply(cmd models.ClientMessageType, err error) {
	if errors.Is(err, models.ErrNotFound) {
		slog.Debug("command target not found", "conn_id", c.conn.ID, "command", cmd, "error", err)
		return
	}
	if models.ErrorCode(err) == "internal" {
		slog.Error("command failed", "conn_id", c.conn.ID, "command", cmd, "error", err)
	}
	c.gateway.Send(c.conn.ID, models.NewError(cmd, err))
}
