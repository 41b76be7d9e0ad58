package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rajivgeraev/flippy-trade/internal/config"
	"github.com/rajivgeraev/flippy-trade/internal/db"
	"github.com/rajivgeraev/flippy-trade/internal/engine"
	"github.com/rajivgeraev/flippy-trade/internal/middleware"
	"github.com/rajivgeraev/flippy-trade/internal/services/auth"
	"github.com/rajivgeraev/flippy-trade/internal/services/chat"
	"github.com/rajivgeraev/flippy-trade/internal/services/trade"
	"github.com/rajivgeraev/flippy-trade/internal/store"
	"github.com/rajivgeraev/flippy-trade/internal/utils"
	"github.com/rajivgeraev/flippy-trade/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API and the WebSocket gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// openStore выбирает хранилище по STORE_DRIVER. pool равен nil для memory.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, *pgxpool.Pool, error) {
	if cfg.StoreConfig.Driver == config.StoreDriverMemory {
		log.Println("⚠️ Используется хранилище в памяти, данные не сохраняются между запусками")
		return store.NewMemoryStore(), nil, nil
	}

	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка при инициализации базы данных: %w", err)
	}
	return store.NewPostgresStore(pool), pool, nil
}

func newEngine(cfg *config.Config, st store.Store, pool *pgxpool.Pool, pub engine.Publisher) *engine.Engine {
	var policy engine.ItemPolicy = engine.TrustPolicy{}
	if cfg.TradeConfig.ItemValidation == config.ItemValidationCatalog && pool != nil {
		policy = engine.CatalogPolicy{Catalog: store.NewListingCatalog(pool)}
	}

	opts := engine.DefaultOptions()
	opts.StoreTimeout = cfg.StoreConfig.Timeout
	opts.Retries = cfg.StoreConfig.Retries
	opts.RetryBackoff = cfg.StoreConfig.RetryBackoff
	opts.AllowEditsAfterCompletion = cfg.TradeConfig.AllowEditsAfterCompletion
	opts.MaxMessageLength = cfg.TradeConfig.MaxMessageLength

	return engine.New(st, policy, pub, opts)
}

// newApp собирает REST API
func newApp(cfg *config.Config, eng *engine.Engine, jwtService *utils.JWTService) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "Flippy Trade API",
		ErrorHandler: middleware.ErrorHandler,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowCredentials: false,
	}))

	app.Get("/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	if cfg.TelegramBotToken != "" {
		auth.NewAuthService(cfg.TelegramBotToken, jwtService).SetupRoutes(app)
	} else {
		log.Println("⚠️ TELEGRAM_BOT_TOKEN не задан, вход через Telegram отключён")
	}
	trade.NewTradeService(eng, jwtService).SetupRoutes(app)
	chat.NewChatService(eng, jwtService).SetupRoutes(app)

	return app
}

func serve(ctx context.Context, cfg *config.Config) error {
	st, pool, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	manager := websocket.NewManager(cfg.GatewayConfig.SendBuffer)
	eng := newEngine(cfg, st, pool, manager)
	jwtService := utils.NewJWTService(cfg.JWTSecret, cfg.JWTTTL)

	app := newApp(cfg, eng, jwtService)
	wsServer := &http.Server{
		Addr:              cfg.WSAddr,
		Handler:           websocket.NewHandler(manager, eng, jwtService, cfg.CORSOrigins).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("✅ Flippy Trade API запущен на %s", cfg.HTTPAddr)
		return app.Listen(cfg.HTTPAddr)
	})

	g.Go(func() error {
		log.Printf("✅ WebSocket шлюз запущен на %s", cfg.WSAddr)
		if err := wsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Println("Остановка сервиса...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		manager.Shutdown()
		wsErr := wsServer.Shutdown(shutdownCtx)
		appErr := app.ShutdownWithContext(shutdownCtx)
		return errors.Join(wsErr, appErr)
	})

	return g.Wait()
}
