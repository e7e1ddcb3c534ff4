package main

import (
	"context"
	"log"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"github.com/durranitech/chat-backend/config"
	"github.com/durranitech/chat-backend/pkg/api"
	"github.com/durranitech/chat-backend/pkg/app"
	"github.com/durranitech/chat-backend/pkg/cache"
	"github.com/durranitech/chat-backend/pkg/middleware"
	"github.com/durranitech/chat-backend/pkg/registry"
	"github.com/durranitech/chat-backend/pkg/store"
)

func init() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file loaded, using process environment")
	}
}

func main() {
	ctx := context.Background()
	cfg := config.Load()

	st, closeStore, err := setupStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Unable to set up store: %v", err)
	}
	defer closeStore()

	ca, err := setupCache(ctx, cfg)
	if err != nil {
		log.Fatalf("Unable to set up cache: %v", err)
	}

	verifier, err := setupVerifier(ctx, cfg)
	if err != nil {
		log.Fatalf("Unable to set up token verifier: %v", err)
	}

	reg := registry.New()

	conversations := api.NewConversationService(st, reg)
	messages := api.NewMessageService(st, reg)
	directory := api.NewDirectoryService(st, ca)

	router := chi.NewRouter()
	server := app.NewServer(router, conversations, messages, directory, reg, verifier)

	log.Printf("Listening on %s (store=%s auth=%s)", cfg.Addr, cfg.StoreDriver, cfg.AuthDriver)
	if err := server.Run(cfg.Addr); err != nil {
		log.Println(err)
	}
}

func setupStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		log.Println("Successfully connected to database")
		return pg, pg.Close, nil
	default:
		return store.NewMemory(), func() {}, nil
	}
}

func setupCache(ctx context.Context, cfg config.Config) (cache.Cache, error) {
	if cfg.RedisAddr == "" {
		return cache.NewMemory(), nil
	}
	return cache.NewRedis(ctx, cfg.RedisAddr)
}

func setupVerifier(ctx context.Context, cfg config.Config) (middleware.Verifier, error) {
	if cfg.AuthDriver == "insecure" {
		log.Println("WARNING: insecure token verifier enabled")
		return middleware.InsecureVerifier{}, nil
	}
	return middleware.NewFirebaseVerifier(ctx, config.SetupFirebase())
}
