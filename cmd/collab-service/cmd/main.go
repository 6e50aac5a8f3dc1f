package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"gitlab.com/autograph/services/collab/cmd/collab-service/internal/config"
	"gitlab.com/autograph/services/collab/internal/audit"
	"gitlab.com/autograph/services/collab/internal/auth"
	"gitlab.com/autograph/services/collab/internal/collab"
	"gitlab.com/autograph/services/collab/internal/ratelimit"
	"gitlab.com/autograph/services/collab/internal/relay"
	"gitlab.com/autograph/services/collab/pkg/handlers"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Implement proper origin checking for production
		return true
	},
}

func main() {
	cfg := config.LoadConfig()
	log.Println("[Server] Starting AutoGraph collab service...")

	verifier := auth.NewVerifier(cfg.JWTSecret)

	// Conflict log backend: SQLite when a path is configured, memory
	// otherwise.
	var conflicts audit.Store
	if cfg.ConflictLogPath != "" {
		store, err := audit.NewSQLiteStore(cfg.ConflictLogPath)
		if err != nil {
			log.Fatalf("[Server] Failed to open conflict log: %v", err)
		}
		defer store.Close()
		conflicts = store
		log.Printf("[Server] Conflict log persisted at %s", cfg.ConflictLogPath)
	} else {
		conflicts = audit.NewMemoryStore()
	}

	coordinator := collab.NewCoordinator(collab.Config{
		ConflictWindow:          cfg.ConflictWindow,
		AnnotationTTL:           cfg.AnnotationTTL,
		AnnotationSweepInterval: time.Second,
		PresenceAwayAfter:       cfg.PresenceAwayAfter,
		PresenceSweepInterval:   cfg.PresenceSweep,
	}, conflicts, nil)
	defer coordinator.Close()

	// Redis wires both the cross-instance relay and the flood limiter.
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Printf("[WARN] Redis unreachable at %s: %v (relay and rate limiting disabled)", cfg.RedisAddr, err)
		} else {
			bridge := relay.New(client, coordinator)
			defer bridge.Close()
			coordinator.SetRelay(bridge)
			limiter = ratelimit.NewLimiter(client)
			log.Printf("[Server] Relay connected to Redis at %s", cfg.RedisAddr)
		}
	}

	api := handlers.NewAPI(coordinator, verifier)

	r := mux.NewRouter()
	r.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		handlers.ServeWS(coordinator, verifier, limiter, upgrader, w, req)
	})
	r.HandleFunc("/rooms/{room}/users", api.GetRoomUsers).Methods("GET")
	r.HandleFunc("/annotations/{room}", api.GetAnnotations).Methods("GET")
	r.HandleFunc("/ot/conflicts/{room}", api.GetConflicts).Methods("GET")
	r.HandleFunc("/ot/apply", api.ApplyOperation).Methods("POST")

	if cfg.DevTokens {
		log.Println("[Server] WARN: dev token endpoint enabled")
		r.HandleFunc("/auth/token", devTokenHandler(verifier)).Methods("POST")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("[Server] Collab service listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Server] listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("[Server] Shutting down collab service...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("[Server] Server forced to shutdown: %v", err)
	}

	log.Println("[Server] Collab service exited gracefully")
}

// devTokenHandler mints identity tokens for local testing against a
// running instance. Never enabled by default.
func devTokenHandler(verifier *auth.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID   string `json:"user_id"`
			Username string `json:"username"`
			Role     string `json:"role"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			http.Error(w, "user_id required", http.StatusBadRequest)
			return
		}
		token, err := verifier.Mint(auth.Identity{
			UserID:   req.UserID,
			Username: req.Username,
			Role:     req.Role,
		}, 24*time.Hour)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"token": token})
	}
}
