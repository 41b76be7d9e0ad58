package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rajivgeraev/flippy-trade/internal/engine"
	"github.com/rajivgeraev/flippy-trade/internal/models"
)

const (
	// Максимальное время ожидания для pong от клиента
	pongWait = 60 * time.Second

	// Отправлять ping-сообщения клиенту с этим интервалом
	pingPeriod = (pongWait * 9) / 10

	// Время на запись одного сообщения
	writeWait = 10 * time.Second

	// Максимальный размер сообщения от клиента
	maxMessageSize = 64 * 1024

	// Время на обработку одного входящего события
	requestTimeout = 15 * time.Second
)

// SessionEngine - операции движка, доступные через WebSocket
type SessionEngine interface {
	AttachViewer(ctx context.Context, actorID, id uuid.UUID, attach func()) error
	PostMessage(ctx context.Context, actorID, id uuid.UUID, req engine.PostMessageRequest) (*models.Message, error)
	MarkRead(ctx context.Context, actorID, id uuid.UUID) (int, error)
}

// Client представляет собой отдельное WebSocket соединение
type Client struct {
	ID      uuid.UUID
	UserID  uuid.UUID
	conn    *websocket.Conn
	send    chan []byte // Буферизованный канал исходящих сообщений
	manager *Manager
	engine  SessionEngine

	// защищены manager.mu
	sessions map[uuid.UUID]struct{}
	closed   bool
}

// NewClient создает новый экземпляр Client
func NewClient(userID uuid.UUID, conn *websocket.Conn, manager *Manager, eng SessionEngine) *Client {
	return &Client{
		ID:       uuid.New(),
		UserID:   userID,
		conn:     conn,
		send:     make(chan []byte, manager.sendBuffer),
		manager:  manager,
		engine:   eng,
		sessions: make(map[uuid.UUID]struct{}),
	}
}

// Start регистрирует клиента и запускает горутины чтения и записи
func (c *Client) Start() {
	c.manager.AddClient(c)

	ev := newEvent(EventConnected, "", nil)
	ev.UserID = c.UserID.String()
	c.manager.SendToClient(c, ev)

	go c.writePump()
	go c.readPump()
}

// readPump обрабатывает входящие сообщения от клиента
func (c *Client) readPump() {
	defer func() {
		c.manager.RemoveClient(c.ID)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Unexpected close error: %v", err)
			}
			return
		}

		c.handleIncomingMessage(message)
	}
}

// writePump отправляет сообщения клиенту
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Канал закрыт менеджером
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Error writing message: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleIncomingMessage разбирает событие клиента. Ошибки уходят только
// этому соединению, соединение при этом не закрывается.
func (c *Client) handleIncomingMessage(message []byte) {
	var frame Frame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.sendError(frame, errors.New("malformed frame"), "validation")
		return
	}

	sessionID, err := uuid.Parse(frame.SessionID)
	if err != nil {
		c.sendError(frame, errors.New("session_id is required"), "validation")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch frame.Type {
	case EventJoinSession:
		err = c.engine.AttachViewer(ctx, c.UserID, sessionID, func() {
			// Подтверждение ставится в очередь раньше любых событий комнаты
			c.manager.JoinSession(c, sessionID)
			c.manager.SendToClient(c, c.reply(EventJoinedSession, frame, nil))
		})

	case EventLeaveSession:
		c.manager.LeaveSession(c, sessionID)
		c.manager.SendToClient(c, c.reply(EventLeftSession, frame, nil))

	case EventNewMessage:
		if frame.SenderID != "" && frame.SenderID != c.UserID.String() {
			log.Printf("UserID mismatch in message: %s vs %s", frame.SenderID, c.UserID)
			err = engine.ErrAuthorization
			break
		}
		_, err = c.engine.PostMessage(ctx, c.UserID, sessionID, engine.PostMessageRequest{
			Content:         frame.Content,
			IsSystemMessage: frame.IsSystemMessage,
			ClientMessageID: frame.ClientMessageID,
		})

	case EventMarkRead:
		_, err = c.engine.MarkRead(ctx, c.UserID, sessionID)

	case EventTyping, EventStopTyping:
		if !c.manager.InSessionRoom(sessionID, c.UserID) {
			err = errors.New("join the session first")
			break
		}
		ev := newEvent(frame.Type, frame.SessionID, nil)
		ev.UserID = c.UserID.String()
		c.manager.BroadcastToSession(sessionID, ev, c.ID)

	default:
		log.Printf("Unhandled event type: %s", frame.Type)
		err = errors.New("unknown event type")
	}

	if err != nil {
		c.sendError(frame, err, "")
	}
}

func (c *Client) reply(t EventType, frame Frame, payload any) Event {
	ev := newEvent(t, frame.SessionID, payload)
	ev.UserID = c.UserID.String()
	ev.RequestID = frame.RequestID
	return ev
}

// sendError отправляет событие error только этому соединению
func (c *Client) sendError(frame Frame, err error, code string) {
	msg := err.Error()
	var engineErr *engine.Error
	if errors.As(err, &engineErr) {
		msg = engineErr.Message
		code = string(engineErr.Kind)
	}
	if code == "" {
		code = string(engine.KindValidation)
	}

	c.manager.SendToClient(c, c.reply(EventError, frame, ErrorPayload{
		Error: msg,
		Code:  code,
	}))
}
