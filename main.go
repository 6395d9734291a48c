package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskmirror/api"
	"taskmirror/engine"
	"taskmirror/remote"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	redisOpts, err := remote.ParseRedisOptions(redisConn)
	if err != nil {
		log.Fatalf("redis config: %v", err)
	}
	client := redis.NewClient(redisOpts)

	baseURL := os.Getenv("PUBLIC_BASE_URL")
	if baseURL == "" {
		log.Fatal("missing PUBLIC_BASE_URL")
	}
	store := remote.NewRedisStore(client)
	objects := remote.NewRedisObjects(client, baseURL)

	var auth *api.Auth
	if os.Getenv("AUTH_TEST_MODE") == "1" {
		secret := os.Getenv("TEST_JWT_SECRET")
		if secret == "" {
			log.Fatal("TEST_JWT_SECRET must be set when AUTH_TEST_MODE=1")
		}
		auth = api.NewTestAuth([]byte(secret))
	} else {
		audience := os.Getenv("AUTH_AUDIENCE")
		domain := os.Getenv("AUTH_DOMAIN")
		if audience == "" || domain == "" {
			log.Fatal("missing auth config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, audience, "https://"+domain+"/")
	}

	dedupeTTL := 24 * time.Hour
	if v := os.Getenv("DEDUPER_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid DEDUPER_TTL: %v", err)
		}
		dedupeTTL = d
	}
	deduper := api.NewRedisDeduper(client, dedupeTTL)

	logger := log.New()
	defaultList := os.Getenv("DEFAULT_LIST_NAME")
	registry := api.NewRegistry(func(ctx context.Context, ownerID string) (*engine.Engine, error) {
		eng := engine.New(engine.Config{
			OwnerID:         ownerID,
			Store:           store,
			Objects:         objects,
			Logger:          logger,
			DefaultListName: defaultList,
		})
		if err := eng.Start(ctx); err != nil {
			return nil, err
		}
		return eng, nil
	})
	defer registry.Close()

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(api.DecompressRequests())

	api.Register(e, registry, auth, objects, deduper, logger)

	listenAddr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		listenAddr = ":" + port
	}
	e.Logger.Fatal(e.Start(listenAddr))
}
