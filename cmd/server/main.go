package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"pair_chat/internal/config"
	"pair_chat/internal/repository/blob"
	"pair_chat/internal/repository/conversation"
	"pair_chat/internal/repository/user"
	"pair_chat/internal/service/auth"
	redisSvc "pair_chat/internal/service/redis"
	"pair_chat/internal/service/server"
	"pair_chat/internal/utils/log"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := log.Init(cfg.LogLevel, ""); err != nil {
		fmt.Fprintln(os.Stderr, "init log:", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := buildDeps(ctx, cfg)
	if err != nil {
		log.Fatal("init dependencies failed", zap.Error(err))
	}
	defer cleanup()

	c := server.NewHttpServer(deps, server.Options{
		Address:        cfg.Server.Address,
		MaxUploadBytes: cfg.Chat.MaxUploadBytes,
		MaxPageSize:    cfg.Chat.MaxPageSize,
		PersistWorkers: cfg.Chat.PersistWorkers,
		LoginLimit:     cfg.Auth.LoginLimit,
		LoginWindow:    cfg.Auth.LoginWindow,
	})

	if err := c.Run(ctx); err != nil {
		log.Error("server stopped", zap.Error(err))
		return
	}
	log.Info("server stopped")
}

func buildDeps(ctx context.Context, cfg *config.Config) (server.Deps, func(), error) {
	authCfg := auth.Config{Secret: cfg.Auth.Secret, Issuer: cfg.Auth.Issuer, TTL: cfg.Auth.TokenTTL}

	if cfg.Chat.InMemory {
		log.Warn("running with in-memory stores, nothing is persisted")
		users := user.NewMemoryRepo()
		return server.Deps{
			Users:         users,
			Conversations: conversation.NewMemoryStore(),
			Blobs:         blob.NewMemoryStore(cfg.Server.PublicURL, cfg.Chat.MaxUploadBytes),
			Auth:          auth.NewService(authCfg, users),
		}, func() {}, nil
	}

	mongoDBClient, err := initMongo(ctx, cfg.Mongo.URI)
	if err != nil {
		return server.Deps{}, nil, fmt.Errorf("mongo: %w", err)
	}
	db := mongoDBClient.Database(cfg.Mongo.Database)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	redisService := redisSvc.NewRedis(rdb)

	cleanup := func() {
		_ = rdb.Close()
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mongoDBClient.Disconnect(disconnectCtx)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisService.Ping(pingCtx); err != nil {
		cleanup()
		return server.Deps{}, nil, fmt.Errorf("redis: %w", err)
	}

	userRepo := user.NewUserRepo(db)
	convStore := conversation.NewMongoStore(db)
	if err := userRepo.EnsureIndexes(ctx); err != nil {
		cleanup()
		return server.Deps{}, nil, err
	}
	if err := convStore.EnsureIndexes(ctx); err != nil {
		cleanup()
		return server.Deps{}, nil, err
	}

	blobs, err := blob.NewGridFSStore(db, cfg.Server.PublicURL, cfg.Chat.MaxUploadBytes)
	if err != nil {
		cleanup()
		return server.Deps{}, nil, err
	}

	return server.Deps{
		Users:         userRepo,
		Conversations: convStore,
		Blobs:         blobs,
		Auth:          auth.NewService(authCfg, userRepo),
		Redis:         redisService,
	}, cleanup, nil
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
