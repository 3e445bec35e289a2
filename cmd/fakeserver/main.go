package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"go-watchparty/internal/config"
	"go-watchparty/internal/fakeserver"
	"go-watchparty/internal/logging"
)

func main() {
	// 1. Config & Flags
	addr := flag.String("addr", ":8080", "http service address")
	accessTTL := flag.Duration("access-ttl", 15*time.Minute, "lifetime of access tokens")
	secure := flag.Bool("secure-cookies", false, "mark session cookies Secure (behind TLS)")
	level := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("❌ JWT_SECRET is not set")
	}

	logger := logging.New(config.LoggingConfig{Level: *level, Format: "color"}, os.Stderr)

	// 2. Backend
	srv := fakeserver.New(fakeserver.Config{
		Secret:    jwtSecret,
		AccessTTL: *accessTTL,
		Secure:    *secure,
		Logger:    logger,
	})
	defer srv.Close()
	log.Println("✅ Hub running")

	// 3. Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Mount("/", srv)

	log.Printf("🚀 Server starting on %s", *addr)
	if err := http.ListenAndServe(*addr, r); err != nil {
		log.Fatal(err)
	}
}
