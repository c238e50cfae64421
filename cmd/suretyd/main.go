package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/aeromutual/internal/engine"
	"github.com/terminal-bench/aeromutual/internal/gateway"
	"github.com/terminal-bench/aeromutual/internal/identity"
	"github.com/terminal-bench/aeromutual/internal/metrics"
	"github.com/terminal-bench/aeromutual/pkg/leader"
	"github.com/terminal-bench/aeromutual/pkg/messaging"
	"github.com/terminal-bench/aeromutual/pkg/vault"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	ownerID := os.Getenv("OWNER_ACCOUNT")
	owner, err := uuid.Parse(ownerID)
	if err != nil {
		log.Fatalf("OWNER_ACCOUNT must be a valid uuid: %v", err)
	}
	ownerName := os.Getenv("OWNER_NAME")
	if ownerName == "" {
		ownerName = "founding airline"
	}

	dbURL := os.Getenv("DATABASE_URL")
	var db *sql.DB
	var bank vault.Vault
	if dbURL != "" {
		db, err = sql.Open("postgres", dbURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		if err := ensureSchema(db); err != nil {
			log.Fatalf("Failed to prepare schema: %v", err)
		}

		pg := vault.NewPostgres(db)
		if err := pg.EnsureAccount(context.Background(), owner); err != nil {
			log.Fatalf("Failed to create owner account: %v", err)
		}
		bank = pg
	} else {
		log.Println("DATABASE_URL not set; using in-memory vault and participant store")
		bank = vault.NewMemory()
	}

	var notifier messaging.Notifier = messaging.Discard{}
	var msgClient *messaging.Client
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		msgClient, err = messaging.NewClient(messaging.Config{
			URL:            natsURL,
			Name:           "suretyd",
			ReconnectWait:  time.Second,
			MaxReconnects:  10,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer msgClient.Close()
		notifier = msgClient
	}

	eng := engine.New(engine.Config{
		Owner:          owner,
		OwnerName:      ownerName,
		CarryOverTally: os.Getenv("CARRY_OVER_TALLY") == "true",
	}, bank, notifier)

	if influxURL := os.Getenv("INFLUX_URL"); influxURL != "" {
		recorder := metrics.NewRecorder(metrics.Config{
			URL:    influxURL,
			Token:  os.Getenv("INFLUX_TOKEN"),
			Org:    os.Getenv("INFLUX_ORG"),
			Bucket: os.Getenv("INFLUX_BUCKET"),
		})
		defer recorder.Close()
		eng.SetObserver(recorder)
	}

	var writers leader.Gate = leader.Standalone{}
	if endpoints := os.Getenv("ETCD_ENDPOINTS"); endpoints != "" {
		elector, err := leader.NewElector(leader.Config{
			Endpoints:   strings.Split(endpoints, ","),
			Prefix:      "/aeromutual/writer",
			DialTimeout: 5 * time.Second,
			LeaseTTL:    10,
		})
		if err != nil {
			log.Fatalf("Failed to connect to etcd: %v", err)
		}
		defer elector.Close()
		writers = elector

		go func() {
			hostname, _ := os.Hostname()
			if err := elector.Campaign(context.Background(), hostname); err != nil {
				log.Printf("leader campaign ended: %v", err)
			}
		}()
	}

	var rdb *redis.Client
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		rdb = redis.NewClient(&redis.Options{Addr: redisURL})
		defer rdb.Close()
	}

	ids := identity.NewService(db, jwtSecret)
	gw := gateway.New(gateway.Config{}, eng, ids, writers, rdb, msgClient)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: gw.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Fatalf("suretyd: %v", err)
	}
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vault_accounts (
			id UUID PRIMARY KEY,
			balance NUMERIC NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vault_transfers (
			id UUID PRIMARY KEY,
			from_account UUID NOT NULL,
			to_account UUID NOT NULL,
			amount NUMERIC NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			secret_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
