package auth

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	initdata "github.com/telegram-mini-apps/init-data-golang"

	"github.com/rajivgeraev/flippy-trade/internal/utils"
)

// telegramNamespace - пространство имён для UUID пользователей Telegram
var telegramNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://t.me"))

// initDataExpiration - срок действия initData Telegram
const initDataExpiration = 24 * time.Hour

// AuthService – структура для обработки авторизации
type AuthService struct {
	botToken   string
	jwtService *utils.JWTService
}

// NewAuthService – конструктор AuthService
func NewAuthService(botToken string, jwtService *utils.JWTService) *AuthService {
	return &AuthService{
		botToken:   botToken,
		jwtService: jwtService,
	}
}

// TelegramUserID возвращает стабильный UUID пользователя Telegram
func TelegramUserID(telegramID int64) uuid.UUID {
	return uuid.NewSHA1(telegramNamespace, []byte(strconv.FormatInt(telegramID, 10)))
}

// TelegramAuthHandler проверяет initData, создает JWT и возвращает его
func (s *AuthService) TelegramAuthHandler(c fiber.Ctx) error {
	var payload struct {
		InitData string `json:"init_data"`
	}

	if err := c.Bind().Body(&payload); err != nil || payload.InitData == "" {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request")
	}

	// Проверяем initData
	if err := initdata.Validate(payload.InitData, s.botToken, initDataExpiration); err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "Invalid Telegram data")
	}

	data, err := initdata.Parse(payload.InitData)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Failed to parse initData")
	}

	userID := TelegramUserID(data.User.ID)
	jwtToken, err := s.jwtService.GenerateToken(userID)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to generate JWT")
	}

	return c.JSON(fiber.Map{
		"token": jwtToken,
		"user": fiber.Map{
			"id":          userID,
			"telegram_id": data.User.ID,
			"first_name":  data.User.FirstName,
			"last_name":   data.User.LastName,
			"username":    data.User.Username,
			"photo_url":   data.User.PhotoURL,
		},
	})
}
