package chat

import (
	"log"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/rajivgeraev/flippy-trade/internal/engine"
	"github.com/rajivgeraev/flippy-trade/internal/middleware"
	"github.com/rajivgeraev/flippy-trade/internal/utils"
)

// ChatService представляет сервис для работы с перепиской сессий обмена
type ChatService struct {
	engine     *engine.Engine
	jwtService *utils.JWTService
}

// NewChatService создает новый экземпляр ChatService
func NewChatService(eng *engine.Engine, jwtService *utils.JWTService) *ChatService {
	return &ChatService{
		engine:     eng,
		jwtService: jwtService,
	}
}

type sendMessageRequest struct {
	Content         string `json:"content"`
	IsSystemMessage bool   `json:"is_system_message"`
	ClientMessageID string `json:"client_message_id"`
}

func parseIDs(c fiber.Ctx) (userID, sessionID uuid.UUID, err error) {
	userID, ok := middleware.UserID(c)
	if !ok {
		return uuid.Nil, uuid.Nil, fiber.NewError(fiber.StatusUnauthorized, "Пользователь не авторизован")
	}

	sessionID, err = uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "Неверный формат ID чата")
	}
	return userID, sessionID, nil
}

// GetChatMessages возвращает историю сессии в порядке записи
func (s *ChatService) GetChatMessages(c fiber.Ctx) error {
	userID, sessionID, err := parseIDs(c)
	if err != nil {
		return err
	}

	messages, err := s.engine.ListMessages(c.Context(), userID, sessionID)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"messages": messages,
		"count":    len(messages),
	})
}

// SendMessage отправляет новое сообщение
func (s *ChatService) SendMessage(c fiber.Ctx) error {
	userID, sessionID, err := parseIDs(c)
	if err != nil {
		return err
	}

	var req sendMessageRequest
	if err := c.Bind().Body(&req); err != nil {
		log.Printf("Ошибка декодирования тела запроса: %v", err)
		return fiber.NewError(fiber.StatusBadRequest, "Неверный формат данных")
	}

	message, err := s.engine.PostMessage(c.Context(), userID, sessionID, engine.PostMessageRequest{
		Content:         req.Content,
		IsSystemMessage: req.IsSystemMessage,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		return err
	}

	status := fiber.StatusCreated
	if message.Duplicate {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(fiber.Map{
		"success": true,
		"message": message,
	})
}

// MarkAsRead отмечает входящие сообщения прочитанными
func (s *ChatService) MarkAsRead(c fiber.Ctx) error {
	userID, sessionID, err := parseIDs(c)
	if err != nil {
		return err
	}

	updated, err := s.engine.MarkRead(c.Context(), userID, sessionID)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"updated": updated,
	})
}

// GetUnreadCounts возвращает число непрочитанных сообщений по всем сессиям
func (s *ChatService) GetUnreadCounts(c fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "Пользователь не авторизован")
	}

	counts, err := s.engine.UnreadCounts(c.Context(), userID)
	if err != nil {
		return err
	}

	unread := make(map[string]int, len(counts))
	total := 0
	for sessionID, n := range counts {
		unread[sessionID.String()] = n
		total += n
	}

	return c.JSON(fiber.Map{
		"unread": unread,
		"total":  total,
	})
}

// GetUnreadCount возвращает число непрочитанных сообщений в сессии
func (s *ChatService) GetUnreadCount(c fiber.Ctx) error {
	userID, sessionID, err := parseIDs(c)
	if err != nil {
		return err
	}

	n, err := s.engine.UnreadCount(c.Context(), userID, sessionID)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"session_id": sessionID,
		"unread":     n,
	})
}
