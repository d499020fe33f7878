package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"granite-chat-relay/internal/auth"
	"granite-chat-relay/internal/config"
	"granite-chat-relay/internal/rc"
	"granite-chat-relay/internal/relay"
	"granite-chat-relay/internal/server"
	"granite-chat-relay/internal/store"
	"granite-chat-relay/internal/subscription"
)

var eventFilters = []string{"/team-messaging/v1/posts"}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	gin.SetMode(cfg.GinMode)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	authManager, err := rc.NewAuthManager(cfg, st)
	if err != nil {
		log.Fatal().Err(err).Msg("init auth manager")
	}
	client := rc.NewClient(cfg.RCServerURL, cfg.HTTPTimeout, authManager)

	nowMillis := func() int64 { return time.Now().UnixMilli() }
	rel := relay.New(st, client, cfg.RelayMarker, nowMillis)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var subs *subscription.Manager
	if cfg.WebhookURL != "" {
		subs = subscription.NewManager(client, st, cfg.WebhookURL,
			cfg.VerificationToken, eventFilters, cfg.SubscriptionTTL)
		go subs.Run(ctx, cfg.RenewInterval)
	} else {
		log.Info().Msg("WEBHOOK_URL not set; running poll-only, no push delivery")
	}

	go sweepSessions(ctx, st, cfg)

	tokenCfg := auth.TokenConfig{
		Secret: cfg.AdminSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "granite-chat-relay",
	}

	router := server.NewRouter(server.Deps{
		Store:             st,
		Relay:             rel,
		Subs:              subs,
		TokenConfig:       tokenCfg,
		AdminSecret:       cfg.AdminSecret,
		VerificationToken: cfg.VerificationToken,
	})

	log.Info().Str("addr", fmt.Sprintf(":%d", cfg.Port)).Msg("listening")
	if err := server.Run(cfg, router); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

// sweepSessions applies the idle-timeout policy: active sessions go idle
// after IdleAfter without activity, idle sessions close after CloseAfter.
func sweepSessions(ctx context.Context, st *store.Store, cfg config.Config) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		idled, err := st.MarkIdleSessions(now.Add(-cfg.IdleAfter).UnixMilli(), now.UnixMilli())
		if err != nil {
			log.Error().Err(err).Msg("idle sweep failed")
			continue
		}
		closed, err := st.CloseIdleSessions(now.Add(-cfg.CloseAfter).UnixMilli(), now.UnixMilli())
		if err != nil {
			log.Error().Err(err).Msg("close sweep failed")
			continue
		}
		if idled > 0 || closed > 0 {
			log.Info().Int64("idled", idled).Int64("closed", closed).Msg("session sweep")
		}
	}
}
