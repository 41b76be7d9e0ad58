package trade

import (
	"log"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/rajivgeraev/flippy-trade/internal/engine"
	"github.com/rajivgeraev/flippy-trade/internal/middleware"
	"github.com/rajivgeraev/flippy-trade/internal/models"
	"github.com/rajivgeraev/flippy-trade/internal/utils"
)

// TradeService представляет сервис для работы с обменами
type TradeService struct {
	engine     *engine.Engine
	jwtService *utils.JWTService
}

// NewTradeService создает новый экземпляр TradeService
func NewTradeService(eng *engine.Engine, jwtService *utils.JWTService) *TradeService {
	return &TradeService{
		engine:     eng,
		jwtService: jwtService,
	}
}

type createTradeRequest struct {
	ItemID         uuid.UUID   `json:"item_id"`
	Participants   []uuid.UUID `json:"participants"`
	OfferedItemIDs []uuid.UUID `json:"offered_item_ids"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type updateItemsRequest struct {
	ItemIDs []uuid.UUID `json:"item_ids"`
}

func currentUser(c fiber.Ctx) (uuid.UUID, error) {
	userID, ok := middleware.UserID(c)
	if !ok {
		return uuid.Nil, fiber.NewError(fiber.StatusUnauthorized, "Пользователь не авторизован")
	}
	return userID, nil
}

func sessionParam(c fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "Неверный формат ID предложения обмена")
	}
	return id, nil
}

// CreateTrade создает новое предложение обмена
func (s *TradeService) CreateTrade(c fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}

	var req createTradeRequest
	if err := c.Bind().Body(&req); err != nil {
		log.Printf("Ошибка декодирования тела запроса: %v", err)
		return fiber.NewError(fiber.StatusBadRequest, "Неверный формат данных")
	}

	var participants models.Participants
	switch len(req.Participants) {
	case 0:
		return fiber.NewError(fiber.StatusBadRequest, "Необходимо указать участников обмена")
	case 1:
		// Указан только получатель, инициатор - текущий пользователь
		participants = models.Participants{userID, req.Participants[0]}
	case 2:
		participants = models.Participants{req.Participants[0], req.Participants[1]}
	default:
		return fiber.NewError(fiber.StatusBadRequest, "В обмене участвуют ровно два пользователя")
	}

	session, err := s.engine.CreateSession(c.Context(), userID, engine.CreateSessionRequest{
		ItemID:         req.ItemID,
		Participants:   participants,
		OfferedItemIDs: req.OfferedItemIDs,
	})
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"session": session,
	})
}

// GetMyTrades возвращает сессии пользователя с фильтрами type и status
func (s *TradeService) GetMyTrades(c fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}

	filter := models.SessionFilter{Role: c.Query("type", "all")}
	switch filter.Role {
	case "all", "incoming", "outgoing":
	default:
		return fiber.NewError(fiber.StatusBadRequest, "Параметр type должен быть all, incoming или outgoing")
	}

	if raw := c.Query("status"); raw != "" {
		status, ok := models.ParseTradeStatus(raw)
		if !ok {
			return fiber.NewError(fiber.StatusBadRequest, "Недопустимый статус предложения обмена")
		}
		filter.Status = status
	}

	sessions, err := s.engine.ListSessions(c.Context(), userID, filter)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetTrade возвращает сессию; для отсутствующей сессии - null
func (s *TradeService) GetTrade(c fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	sessionID, err := sessionParam(c)
	if err != nil {
		return err
	}

	session, err := s.engine.GetSession(c.Context(), userID, sessionID)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"session": session})
}

// UpdateTradeStatus обновляет статус предложения обмена
func (s *TradeService) UpdateTradeStatus(c fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	sessionID, err := sessionParam(c)
	if err != nil {
		return err
	}

	var req updateStatusRequest
	if err := c.Bind().Body(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Неверный формат данных")
	}
	status, ok := models.ParseTradeStatus(req.Status)
	if !ok {
		return fiber.NewError(fiber.StatusBadRequest, "Недопустимый статус предложения обмена")
	}

	session, err := s.engine.UpdateStatus(c.Context(), userID, sessionID, status)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"session": session,
	})
}

// ApproveTrade подтверждает обмен от имени текущего пользователя
func (s *TradeService) ApproveTrade(c fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	sessionID, err := sessionParam(c)
	if err != nil {
		return err
	}

	session, err := s.engine.Approve(c.Context(), userID, sessionID)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"session": session,
	})
}

// UpdateItems возвращает обработчик замены списка предметов
func (s *TradeService) UpdateItems(list models.ItemList) fiber.Handler {
	return func(c fiber.Ctx) error {
		userID, err := currentUser(c)
		if err != nil {
			return err
		}
		sessionID, err := sessionParam(c)
		if err != nil {
			return err
		}

		var req updateItemsRequest
		if err := c.Bind().Body(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Неверный формат данных")
		}

		session, messages, err := s.engine.EditItems(c.Context(), userID, sessionID, list, req.ItemIDs)
		if err != nil {
			return err
		}

		return c.JSON(fiber.Map{
			"success":  true,
			"session":  session,
			"messages": messages,
		})
	}
}

// DeleteTrade удаляет сессию вместе с перепиской
func (s *TradeService) DeleteTrade(c fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	sessionID, err := sessionParam(c)
	if err != nil {
		return err
	}

	if err := s.engine.DeleteSession(c.Context(), userID, sessionID); err != nil {
		return err
	}

	return c.JSON(fiber.Map{"success": true})
}
