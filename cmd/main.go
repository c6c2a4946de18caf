/**
 * @description
 * This is the main entry point for the chama-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * the payment gateway client, message brokers, repositories, the core application services,
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/mpesa: Client for the M-Pesa payment gateway.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/chamapay/chama-service/internal/api"
	"github.com/chamapay/chama-service/internal/app"
	"github.com/chamapay/chama-service/internal/config"
	"github.com/chamapay/chama-service/internal/store"
	"github.com/chamapay/chama-service/pkg/mpesa"
	rmrabbit "github.com/chamapay/chama-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting chama-service\" port=%s gateway_mode=%s", cfg.ServerPort, cfg.GatewayMode)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Configure connection pool for high-traffic scenarios
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish events.
	// This service only needs to publish, so we use a producer.
	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Select the payment gateway: the real M-Pesa client or the in-process
	// sandbox that answers its own callbacks.
	var gateway app.PaymentGateway
	if cfg.GatewayMode == config.GatewayModeLive {
		gateway = mpesa.NewClient(
			cfg.MpesaBaseURL,
			cfg.MpesaConsumerKey,
			cfg.MpesaConsumerSecret,
			cfg.MpesaShortCode,
			cfg.MpesaPasskey,
			cfg.MpesaInitiatorName,
			cfg.MpesaSecurityCredential,
			cfg.CallbackBaseURL,
		)
	} else {
		callbackBase := cfg.CallbackBaseURL
		if strings.TrimSpace(callbackBase) == "" {
			callbackBase = fmt.Sprintf("http://localhost:%s", cfg.ServerPort)
		}
		gateway = mpesa.NewSandbox(callbackBase)
	}

	var redisClient *redis.Client
	if cfg.ContributionRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; contribution rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; contribution rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; contribution rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application services with their dependencies.
	var limiter app.RateLimiter
	if redisClient != nil {
		limiter = app.NewRedisContributionRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}
	chamaService := app.NewService(repository, gateway, limiter, cfg.ContributionRateLimitPerMinute, time.Minute)
	orchestrator := app.NewOrchestrator(repository, gateway, producer)
	reconciler := app.NewReconciler(repository, orchestrator)

	// Start the stale-contribution sweeper.
	sweeper := app.NewSweeper(repository, time.Duration(cfg.ContributionTimeoutMinutes)*time.Minute, cfg.SweepSchedule)
	if err := sweeper.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"sweeper start failed\" err=%v", err)
	}
	defer sweeper.Stop()

	// Initialize the API handlers.
	chamaHandlers := api.NewChamaHandlers(chamaService, orchestrator, reconciler)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.ChamaRoutes(chamaHandlers, cfg.JWKSURL))

	// Start the HTTP server.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
