package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/yardworks/pipeyard/internal/adapter/handler"
	"github.com/yardworks/pipeyard/internal/adapter/storage"
	"github.com/yardworks/pipeyard/internal/core/domain"
	"github.com/yardworks/pipeyard/internal/core/service"
	"github.com/yardworks/pipeyard/internal/port"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found (using environment variables)")
	}

	httpAddr := getEnv("HTTP_ADDR", ":8080")
	grpcAddr := getEnv("GRPC_ADDR", ":50051")
	mysqlDSN := getEnv("MYSQL_DSN", "root:root@tcp(localhost:3306)/pipeyard?parseTime=true")
	redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
	workerCount := getEnvInt("OUTBOX_WORKERS", 4)
	pollInterval := getEnvDuration("OUTBOX_POLL_INTERVAL", time.Second)
	tolerance := getEnvDecimal("MISMATCH_TOLERANCE", decimal.Zero)
	warnRatio := getEnvDecimal("UTILIZATION_WARN_RATIO", decimal.RequireFromString("0.9"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		log.Fatalf("failed to connect mysql: %v", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping mysql: %v", err)
	}
	log.Println("connected to mysql")

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr, PoolSize: 100})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	log.Println("connected to redis")

	store := storage.NewMySQLStore(db)
	cache := storage.NewRedisAdapter(rdb)
	workflow := service.NewWorkflow(store, cache, service.Config{
		MismatchTolerance:    tolerance,
		UtilizationWarnRatio: warnRatio,
	})

	// Outbox delivery worker pool. Delivery here is a log line; the real
	// channels (email, Slack) consume the same outbox externally.
	var wg sync.WaitGroup
	notifier := logNotifier{}
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			outboxLoop(ctx, id, store, notifier, pollInterval)
		}(i)
	}
	log.Printf("started %d outbox workers", workerCount)

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}
	go func() {
		log.Printf("gRPC health listening on %s", grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Printf("gRPC server error: %v", err)
		}
	}()

	httpHandler := handler.NewHTTPHandler(workflow)
	mux := http.NewServeMux()
	httpHandler.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		log.Printf("HTTP server listening on %s", httpAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	log.Println("HTTP server stopped")

	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	grpcServer.GracefulStop()
	log.Println("gRPC server stopped")

	cancel()
	wg.Wait()
	log.Println("outbox workers stopped")

	rdb.Close()
	db.Close()
	log.Println("connections closed")
}

type logNotifier struct{}

func (logNotifier) Deliver(_ context.Context, n domain.NotificationRecord) error {
	payload, err := domain.EncodePayload(n.Payload)
	if err != nil {
		return err
	}
	log.Printf("notify %s: %s", n.Type, payload)
	return nil
}

// outboxLoop polls for unprocessed notifications, delivers them and flips the
// processed flag. Delivery happens strictly after the business transaction
// that wrote the row committed.
func outboxLoop(ctx context.Context, id int, store port.Store, notifier port.Notifier, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := store.ListUnprocessedNotifications(ctx, 10)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("worker %d: list outbox: %v", id, err)
			}
			continue
		}
		for _, n := range pending {
			if err := notifier.Deliver(ctx, n); err != nil {
				log.Printf("worker %d: deliver %s: %v", id, n.ID, err)
				continue
			}
			if err := store.MarkNotificationProcessed(ctx, n.ID); err != nil {
				log.Printf("worker %d: mark %s processed: %v", id, n.ID, err)
			}
		}
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
		log.Printf("ignoring invalid %s=%q", key, os.Getenv(key))
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		log.Printf("ignoring invalid %s=%q", key, os.Getenv(key))
	}
	return fallback
}

func getEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if parsed, err := decimal.NewFromString(value); err == nil {
			return parsed
		}
		log.Printf("ignoring invalid %s=%q", key, os.Getenv(key))
	}
	return fallback
}
