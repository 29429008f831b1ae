package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	raven "github.com/getsentry/raven-go"
	"github.com/joho/godotenv"

	"github.com/kuchabicho/contact-backend/api"
	"github.com/kuchabicho/contact-backend/db"
	"github.com/kuchabicho/contact-backend/email"
	"github.com/kuchabicho/contact-backend/models"
	"github.com/kuchabicho/contact-backend/util"
)

const shutdownTimeout = 10 * time.Second

// database is a contact store the process owns.
type database interface {
	models.ContactStore
	Ping(context.Context) error
	Close() error
}

func openDatabase(cfg db.Config) (database, error) {
	if cfg.DbDriver == db.DriverMemory {
		log.Println("Warning: DB_DRIVER=memory, contact messages will not survive a restart")
		return db.InitMemDatabase(), nil
	}
	sqlStore, err := db.InitSQLDatabase(cfg)
	if err != nil {
		return nil, err
	}
	return sqlStore, nil
}

// checkDatabase logs whether the database is reachable. The server starts
// either way; the pool reconnects once the database comes back, and a table
// that could not be created now is created on first use.
func checkDatabase(ctx context.Context, store database) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		log.Printf("Warning: database health check failed: %v", err)
		if _, ok := store.(*db.SQLDatabase); ok {
			log.Println("Warning: contact table not checked, it will be created on the first request")
		}
		raven.CaptureError(err, nil)
		return
	}
	log.Println("Database connection OK")
	if sqlStore, ok := store.(*db.SQLDatabase); ok {
		if err := sqlStore.EnsureSchema(); err != nil {
			log.Printf("Warning: couldn't create contact table, retrying on the first request: %v", err)
			raven.CaptureError(err, nil)
		}
	}
}

func loadNotifier() api.Notifier {
	emailConfig, err := email.MakeConfigFromEnv()
	if err != nil {
		log.Printf("Contact notifications disabled:\n%v", err)
		return nil
	}
	return emailConfig
}

// serve runs srv on ln until ctx is cancelled, then drains open requests.
func serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errs := make(chan error, 1)
	go func() {
		errs <- srv.Serve(ln)
	}()
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	log.Println("Shutting down ...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func main() {
	// A missing .env is fine; the environment may already be set.
	godotenv.Load()
	raven.SetDSN(os.Getenv("SENTRY_DSN"))
	raven.SetEnvironment(util.GetEnvOrDefault("APP_ENV", "development"))

	cfg, err := db.LoadEnvironmentVariables()
	if err != nil {
		log.Fatal(err)
	}
	apiConfig, err := api.ConfigFromEnv()
	if err != nil {
		log.Fatal(err)
	}
	addr, err := util.ValidPort(cfg.Port)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openDatabase(cfg)
	if err != nil {
		raven.CaptureErrorAndWait(err, nil)
		log.Fatal(err)
	}
	checkDatabase(ctx, store)

	contactAPI, err := api.New(apiConfig, store, loadNotifier())
	if err != nil {
		log.Fatal(err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Listening on %s", addr)
	srv := newServer(contactAPI.RegisterHandlers(http.NewServeMux()))
	if err := serve(ctx, srv, ln); err != nil {
		log.Printf("Server error: %v", err)
	}
	if err := contactAPI.Close(); err != nil {
		log.Printf("Error closing API: %v", err)
	}
	if err := store.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}
	log.Println("Bye")
}
