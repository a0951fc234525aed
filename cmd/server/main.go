package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chatwarp/waconnect-go/internal/api"
	"github.com/chatwarp/waconnect-go/internal/authstore"
	"github.com/chatwarp/waconnect-go/internal/client"
	"github.com/chatwarp/waconnect-go/internal/config"
	"github.com/chatwarp/waconnect-go/internal/instance"
	"github.com/chatwarp/waconnect-go/internal/waversion"
	"github.com/chatwarp/waconnect-go/internal/webhook"
)

var rootCmd = &cobra.Command{
	Use:   "waconnect-server",
	Short: "Multi-tenant WhatsApp Web Multi-Device connection runtime",
	RunE:  runServer,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Info("WAConnect Go starting...")

	cfg := config.Load()

	authStore, err := buildAuthStore(cfg, sugar)
	if err != nil {
		return fmt.Errorf("build auth store: %w", err)
	}

	webhookDispatcher := webhook.NewDispatcher(sugar)

	deps := instance.RunnerDeps{
		AuthStore:      authStore,
		WAWebSocketURL: cfg.WAWebSocketURL,
		VersionManager: waversion.NewManager(cfg.VersionCacheTTL),
		QRCodeLimit:    cfg.QRCodeLimit,
		LoginTimeout:   cfg.LoginTimeout,
		CertIssuerKeys: cfg.CertIssuerKeys,
		Logger:         sugar,
	}

	sessionManager := client.NewSessionManager(deps, func(sessionID string, ev instance.Event) {
		dispatchWebhookEvent(webhookDispatcher, sessionID, ev)
	})

	server := api.NewServer(api.ServerConfig{
		Port:              listenPort(cfg.ListenAddr),
		Logger:            sugar,
		SessionManager:    sessionManager,
		WebhookDispatcher: webhookDispatcher,
	})

	go func() {
		if err := server.Start(); err != nil {
			sugar.Fatalf("server failed: %v", err)
		}
	}()

	sugar.Infof("WAConnect Go running at http://0.0.0.0%s", cfg.ListenAddr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sugar.Info("shutting down gracefully...")
	sessionManager.DisconnectAll()
	return server.Stop()
}

// buildAuthStore selects a Store implementation per cfg.AuthBackend
// (memory|postgres|redis), matching spec.md §6's AUTH_BACKEND knob.
func buildAuthStore(cfg config.Config, logger *zap.SugaredLogger) (authstore.Store, error) {
	switch cfg.AuthBackend {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return authstore.NewPostgresStore(ctx, cfg.PostgresDSN)
	case "redis":
		return authstore.NewRedisStore(cfg.RedisAddr), nil
	case "memory", "":
		return authstore.NewInMemoryStore(), nil
	default:
		logger.Warnf("unknown AUTH_BACKEND %q, falling back to memory", cfg.AuthBackend)
		return authstore.NewInMemoryStore(), nil
	}
}

// listenPort extracts the ":port" suffix fiber's Listen expects from a
// ListenAddr that may already be in that form (config's default is
// ":3200").
func listenPort(listenAddr string) string {
	for i := 0; i < len(listenAddr); i++ {
		if listenAddr[i] == ':' {
			return listenAddr[i+1:]
		}
	}
	return listenAddr
}

func dispatchWebhookEvent(dispatcher *webhook.Dispatcher, sessionID string, ev instance.Event) {
	switch ev.Type {
	case instance.EventQrCode:
		dispatcher.Dispatch(webhook.EventSessionQRReady, map[string]any{
			"sessionId": sessionID,
			"qr":        ev.QRCode,
		})
	case instance.EventConnected:
		dispatcher.Dispatch(webhook.EventSessionConnected, map[string]any{
			"sessionId": sessionID,
		})
	case instance.EventDisconnected:
		dispatcher.Dispatch(webhook.EventSessionDisconnected, map[string]any{
			"sessionId": sessionID,
			"reason":    ev.Reason,
		})
	case instance.EventOutboundAck:
		dispatcher.Dispatch(webhook.EventMessageSent, map[string]any{
			"sessionId": sessionID,
			"messageId": ev.MessageID,
			"bytes":     ev.Bytes,
		})
	}
}
