package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"auction-backend/handlers"
	"auction-backend/logger"
	"auction-backend/middleware"
	"auction-backend/models"
	"auction-backend/services"
	"auction-backend/utils"
	"auction-backend/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// .env must load before Init so APP_ENV is visible; the warning
	// waits until a real logger exists.
	envErr := godotenv.Load()

	logger.Init(os.Getenv("APP_ENV"))
	defer logger.Sync()

	if envErr != nil {
		logger.Warn("no .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 50 * 1024 * 1024, // photos only
	})

	// Only gateway requests allowed, no exceptions.
	app.Use(middleware.GatewayAuthMiddleware())

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		logger.Warn("ALLOWED_ORIGINS not set, using default http://localhost:3000")
		allowedOrigins = "http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Fatal("DATABASE_URL environment variable not set")
	}

	if err := utils.InitBlobStore(); err != nil {
		logger.Fatal("failed to initialize blob store", zap.Error(err))
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}

	if err := db.AutoMigrate(
		&models.Auction{},
		&models.AuctionPhoto{},
		&models.OutboxMessage{},
	); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger, err := services.NewEthLedgerGateway(ctx,
		os.Getenv("ETH_RPC_URL"),
		os.Getenv("AUCTION_MANAGER_ADDRESS"),
		os.Getenv("OPERATOR_PRIVATE_KEY"),
	)
	if err != nil {
		logger.Fatal("failed to initialize ledger gateway", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     getenv("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})

	store := services.NewAuctionStore(db)
	reconciler := services.NewReconciler(ledger, store, utils.NewRedisLock(redisClient), utils.DeletePhoto)

	outbox := workers.NewOutboxPublisher(db,
		strings.Split(getenv("KAFKA_BROKERS", "localhost:9092"), ","),
		services.TopicAuctionEvents,
	)
	defer outbox.Close()
	go outbox.Run(ctx, 10*time.Second)

	reconciler.StartCacheRefreshScheduler()

	handlers.SetupAuctionRoutes(app, reconciler, store)

	port := getenv("PORT", "5000")
	go func() {
		if err := app.Listen(":" + port); err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}()

	logger.Info("auction backend running", zap.String("port", port))
	logger.Info("operator identity", zap.String("address", ledger.OperatorAddress()))

	<-ctx.Done()
	logger.Info("shutting down server")
	_ = app.Shutdown()
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
