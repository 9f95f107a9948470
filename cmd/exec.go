package cmd

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pubnub "github.com/pubnub/go"
	"github.com/redis/go-redis/v9"

	"github.com/kennteohstorehub/sh-hackaton-sub004/config"
	"github.com/kennteohstorehub/sh-hackaton-sub004/handlers"
	_ "github.com/kennteohstorehub/sh-hackaton-sub004/migrations"
	"github.com/kennteohstorehub/sh-hackaton-sub004/monitoring"
	"github.com/kennteohstorehub/sh-hackaton-sub004/security"
	"github.com/kennteohstorehub/sh-hackaton-sub004/services"
	"github.com/kennteohstorehub/sh-hackaton-sub004/utils"
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	// Initialize Redis
	redisClient := utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	defer redisClient.Close()

	// Initialize PubNub (optional external push mirror)
	var pn *pubnub.PubNub
	if cfg.PubNubPublishKey != "" {
		pnConfig := pubnub.NewConfig()
		pnConfig.PublishKey = cfg.PubNubPublishKey
		pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
		pnConfig.SecretKey = cfg.PubNubSecretKey
		pn = pubnub.NewPubNub(pnConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize services
	directory := services.NewPBQueueDirectory(app, redisClient)
	store := services.NewEntryStore(cfg, directory)
	registry := services.NewSessionRegistry(store, redisClient, cfg)
	dispatcher := services.NewDispatcher(registry, pn, cfg)
	store.AddListener(dispatcher.HandleMutation)

	// Initialize handlers
	queueHandler := handlers.NewQueueHandler(app, store, registry, dispatcher, cfg)
	merchantHandler := handlers.NewMerchantHandler(app, store, registry, redisClient, cfg)
	rateLimiter := security.NewRateLimiter(redisClient, cfg.JoinRateLimit)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: true,
	})

	// Start background tasks
	go store.SweepLoop(ctx)
	go registry.SweepLoop(ctx)
	if cfg.EnableMetrics {
		go monitoring.NewMonitor(store).Run(ctx)
	}

	// Setup graceful shutdown
	go handleShutdown(cancel)

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		warmQueueConfigCache(app, redisClient)
		if err := registry.RestoreState(context.Background()); err != nil {
			slog.Error("session state restore failed", "error", err)
		}

		// Customer endpoints
		e.Router.POST("/api/v1/queue/join", queueHandler.Join).BindFunc(rateLimiter.JoinRateLimit())
		e.Router.GET("/api/v1/session/status", queueHandler.Status)
		e.Router.POST("/api/v1/session/cancel", queueHandler.Cancel)
		e.Router.POST("/api/v1/session/restore", queueHandler.Restore)
		e.Router.POST("/api/v1/session/heartbeat", queueHandler.Heartbeat)
		e.Router.GET("/api/v1/session/live", queueHandler.Live)

		// Merchant endpoints
		e.Router.POST("/api/v1/merchant/entries/{entryId}/call", merchantHandler.Call)
		e.Router.POST("/api/v1/merchant/entries/{entryId}/seat", merchantHandler.Seat)
		e.Router.POST("/api/v1/merchant/entries/{entryId}/remove", merchantHandler.Remove)
		e.Router.GET("/api/v1/merchant/queues/{queueId}/entries", merchantHandler.QueueEntries)
		e.Router.GET("/api/v1/merchant/dashboard", merchantHandler.Dashboard)
		e.Router.GET("/api/v1/merchant/session", merchantHandler.Session)
		e.Router.POST("/api/v1/merchant/session/extend", merchantHandler.ExtendSession)
		e.Router.POST("/api/v1/merchant/session/logout", merchantHandler.Logout)

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := utils.RedisHealthCheck(redisClient); err != nil {
				return e.JSON(503, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(200, map[string]string{"status": "healthy"})
		})

		if cfg.EnableMetrics {
			e.Router.GET("/metrics", func(e *core.RequestEvent) error {
				promhttp.Handler().ServeHTTP(e.Response, e.Request)
				return nil
			})
		}

		log.Println("Server routes registered")

		setupQueueHooks(app, directory)
		setupAuthHooks(app, merchantHandler)

		return e.Next()
	})

	// Start server
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
	return nil
}

// warmQueueConfigCache preloads every line's configuration into the
// Redis cache so the first joins after a restart skip the database.
func warmQueueConfigCache(app *pocketbase.PocketBase, redisClient *redis.Client) {
	ctx := context.Background()

	var records []dbx.NullStringMap
	if err := app.DB().NewQuery(
		"SELECT id, name, capacity, open, allow_duplicate_contact FROM queues",
	).All(&records); err != nil {
		log.Printf("Error fetching queue configs: %v", err)
		return
	}

	warmed := 0
	for _, record := range records {
		id := record["id"].String
		if id == "" {
			continue
		}
		key := "queue:config:" + id
		redisClient.HSet(ctx, key, map[string]any{
			"name":                    record["name"].String,
			"capacity":                record["capacity"].String,
			"open":                    record["open"].String == "1" || record["open"].String == "true",
			"allow_duplicate_contact": record["allow_duplicate_contact"].String == "1" || record["allow_duplicate_contact"].String == "true",
		})
		redisClient.Expire(ctx, key, 5*time.Minute)
		warmed++
	}
	log.Printf("Warmed %d queue configs into Redis", warmed)
}

// setupQueueHooks keeps the cached queue configuration honest when a
// merchant edits the "queues" collection.
func setupQueueHooks(app *pocketbase.PocketBase, directory *services.PBQueueDirectory) {
	app.OnRecordUpdateRequest("queues").BindFunc(func(e *core.RecordRequestEvent) error {
		directory.Invalidate(e.Request.Context(), e.Record.Id)
		slog.Info("queue config cache invalidated", "queueID", e.Record.Id)
		return e.Next()
	})

	app.OnRecordDeleteRequest("queues").BindFunc(func(e *core.RecordRequestEvent) error {
		directory.Invalidate(e.Request.Context(), e.Record.Id)
		slog.Info("queue config cache dropped for deleted queue", "queueID", e.Record.Id)
		return e.Next()
	})
}

// setupAuthHooks resets a merchant's idle guard on every successful
// sign-in: only a fresh authentication reopens an expired dashboard
// session.
func setupAuthHooks(app *pocketbase.PocketBase, merchantHandler *handlers.MerchantHandler) {
	app.OnRecordAuthRequest().BindFunc(func(e *core.RecordAuthRequestEvent) error {
		merchantHandler.ResetGuard(e.Record.Id)
		return e.Next()
	})
}

// handleShutdown handles graceful shutdown
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutdown signal received, cleaning up...")
	cancel()
}
