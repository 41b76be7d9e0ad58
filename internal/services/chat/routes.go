package chat

import (
	"github.com/gofiber/fiber/v3"

	"github.com/rajivgeraev/flippy-trade/internal/middleware"
)

// SetupRoutes настраивает маршруты для API чатов
func (s *ChatService) SetupRoutes(app *fiber.App) {
	api := app.Group("/api/chats")

	// Защищенные маршруты (требуют авторизации)
	api.Use(middleware.AuthMiddleware(s.jwtService))

	api.Get("/unread", s.GetUnreadCounts)

	api.Get("/:id/messages", s.GetChatMessages)
	api.Post("/:id/messages", s.SendMessage)
	api.Put("/:id/messages/read", s.MarkAsRead)
	api.Get("/:id/unread", s.GetUnreadCount)
}
