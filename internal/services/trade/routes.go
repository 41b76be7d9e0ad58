package trade

import (
	"github.com/gofiber/fiber/v3"

	"github.com/rajivgeraev/flippy-trade/internal/middleware"
	"github.com/rajivgeraev/flippy-trade/internal/models"
)

// SetupRoutes настраивает маршруты для API обменов
func (s *TradeService) SetupRoutes(app *fiber.App) {
	api := app.Group("/api/trades")

	// Защищенные маршруты (требуют авторизации)
	api.Use(middleware.AuthMiddleware(s.jwtService))

	api.Post("/", s.CreateTrade)
	api.Get("/", s.GetMyTrades)
	api.Get("/:id", s.GetTrade)
	api.Put("/:id/status", s.UpdateTradeStatus)
	api.Post("/:id/approve", s.ApproveTrade)
	api.Put("/:id/offered-items", s.UpdateItems(models.ListOffered))
	api.Put("/:id/requested-items", s.UpdateItems(models.ListRequested))
	api.Delete("/:id", s.DeleteTrade)
}
