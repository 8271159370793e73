/**
 * @description
 * This is the main entry point for the donation-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, the Daraja payment gateway client, message broker, repository,
 * the core application service, the reconciliation scheduler, and the HTTP
 * server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/darajaclient: Client for the Safaricom Daraja API.
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

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sheneeds/donation-service/internal/api"
	"github.com/sheneeds/donation-service/internal/app"
	"github.com/sheneeds/donation-service/internal/config"
	"github.com/sheneeds/donation-service/internal/store"
	"github.com/sheneeds/donation-service/pkg/darajaclient"
	rmrabbit "github.com/sheneeds/donation-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting donation-service\" port=%s mock_mode=%t", cfg.ServerPort, cfg.MpesaMockMode)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 10
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

	// Initialize the RabbitMQ producer used for donation receipt events. A
	// broker outage degrades to the logging fallback rather than blocking
	// payments.
	var notifier rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.ReceiptEventExchange)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		notifier = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		notifier = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the Daraja gateway client unless mock mode is on.
	var gateway app.Gateway
	if !cfg.MpesaMockMode {
		if strings.TrimSpace(cfg.MpesaConsumerKey) == "" || strings.TrimSpace(cfg.MpesaConsumerSecret) == "" {
			log.Fatalf("level=fatal component=bootstrap msg=\"mpesa credentials must be configured\" env=MPESA_CONSUMER_KEY,MPESA_CONSUMER_SECRET")
		}
		gateway = darajaclient.NewClient(darajaclient.Config{
			BaseURL:        cfg.MpesaBaseURL(),
			ConsumerKey:    cfg.MpesaConsumerKey,
			ConsumerSecret: cfg.MpesaConsumerSecret,
			Shortcode:      cfg.MpesaShortcode,
			Passkey:        cfg.MpesaPasskey,
			CallbackURL:    cfg.MpesaCallbackURL,
			RetryAttempts:  cfg.GatewayRetryAttempts,
		})
		log.Printf("level=info component=bootstrap msg=\"daraja client initialized\" env=%s", cfg.MpesaEnv)
	}

	// Optional Redis connection for distributed initiation rate limiting.
	var redisClient *redis.Client
	if cfg.DonationRateLimitPerMinute > 0 {
		if cfg.RedisURL == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; donation rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; donation rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; donation rate limiting disabled\" err=%v", pingErr)
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

	// Initialize the core application service with its dependencies.
	donationService := app.NewService(
		repository,
		gateway,
		notifier,
		cfg.MpesaMockMode,
		time.Duration(cfg.StalePendingThresholdSeconds)*time.Second,
		cfg.StorageRetryAttempts,
	)
	if redisClient != nil {
		donationService.SetRateLimiter(
			app.NewRedisDonationRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.DonationRateLimitPerMinute,
		)
	}

	// Start the background reconciliation sweep. In mock mode donations
	// complete synchronously, so there is nothing to reconcile.
	if !cfg.MpesaMockMode {
		reconciler := app.NewReconciler(donationService, time.Duration(cfg.ReconcileSweepIntervalSecs)*time.Second)
		reconciler.Start()
		defer func() {
			<-reconciler.Stop().Done()
		}()
	}

	// Initialize the API handlers and router.
	donationHandlers := api.NewDonationHandlers(donationService)
	router := api.DonationRoutes(donationHandlers, cfg.JWTSecret)

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
