package websocket

import (
	"log"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"

	"github.com/rajivgeraev/flippy-trade/internal/middleware"
	"github.com/rajivgeraev/flippy-trade/internal/utils"
)

// Handler принимает WebSocket соединения на /ws
type Handler struct {
	manager    *Manager
	engine     SessionEngine
	jwtService *utils.JWTService
	upgrader   websocket.Upgrader
}

// NewHandler создает обработчик подключений. allowedOrigins со значением
// "*" или пустой список разрешают любой Origin.
func NewHandler(manager *Manager, eng SessionEngine, jwtService *utils.JWTService, allowedOrigins []string) *Handler {
	return &Handler{
		manager:    manager,
		engine:     eng,
		jwtService: jwtService,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") {
					return true
				}
				return slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

// Routes возвращает mux шлюза
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// ServeHTTP проверяет токен до апгрейда: без валидного токена соединение
// отклоняется с 401
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	userID, err := h.jwtService.ExtractUserID(token)
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Ошибка апгрейда WebSocket: %v", err)
		return
	}

	NewClient(userID, conn, h.manager, h.engine).Start()
}
