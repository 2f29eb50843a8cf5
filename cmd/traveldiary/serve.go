package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/TravelDiary/internal/achievement"
	"github.com/BTreeMap/TravelDiary/internal/api"
	"github.com/BTreeMap/TravelDiary/internal/config"
	"github.com/BTreeMap/TravelDiary/internal/flow"
	"github.com/BTreeMap/TravelDiary/internal/genai"
	"github.com/BTreeMap/TravelDiary/internal/geocode"
	"github.com/BTreeMap/TravelDiary/internal/lockfile"
	"github.com/BTreeMap/TravelDiary/internal/messaging"
	"github.com/BTreeMap/TravelDiary/internal/premium"
	"github.com/BTreeMap/TravelDiary/internal/ratelimit"
	"github.com/BTreeMap/TravelDiary/internal/recovery"
	"github.com/BTreeMap/TravelDiary/internal/scheduler"
	"github.com/BTreeMap/TravelDiary/internal/twiliowhatsapp"
	"github.com/BTreeMap/TravelDiary/internal/whatsapp"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(cc *commandContext) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the WhatsApp webhook and housekeeping jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cc, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "API listen address (overrides $TRAVELDIARY_API_ADDR)")
	return cmd
}

func runServe(ctx context.Context, cc *commandContext, addr string) error {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.APIAddr = addr
	}

	lock, err := lockfile.AcquireLock(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := cc.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
	}()

	catalog, err := cc.catalog()
	if err != nil {
		return err
	}
	limiterOpts, err := cfg.LimiterOptions()
	if err != nil {
		return err
	}
	limiter := ratelimit.New(limiterOpts...)
	resolver, err := buildResolver(cfg, limiter)
	if err != nil {
		return err
	}
	registry, err := flow.DefaultRegistry()
	if err != nil {
		return err
	}

	evaluator := achievement.NewEvaluator(st, catalog)
	dispatcher := messaging.NewDispatcher()
	engine := flow.NewEngine(registry, flow.NewStoreBasedStateManager(st), st,
		flow.WithResolver(resolver),
		flow.WithEvaluator(evaluator),
		flow.WithLimiter(limiter),
		flow.WithSerializer(dispatcher),
	)
	premiumSvc := premium.NewService(st, evaluator)

	apiOpts := []api.Option{
		api.WithAddr(cfg.APIAddr),
		api.WithAPIToken(cfg.APIToken),
		api.WithProgress(evaluator),
		api.WithPremium(premiumSvc),
		api.WithDispatcher(dispatcher),
	}

	convRecovery := &recovery.ConversationRecovery{Engine: engine, IdleFor: cfg.IdleTimeout}

	svc, webhook, err := buildTransport(ctx, cfg)
	if err != nil {
		return err
	}
	if svc != nil {
		handler := messaging.NewResponseHandler(svc, engine,
			messaging.WithDedup(st),
			messaging.WithProgress(evaluator),
			messaging.WithDispatcher(dispatcher),
		)
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start %s transport: %w", cfg.Transport, err)
		}
		handler.Start(ctx)
		defer svc.Stop()
		if cfg.ResumeNotify {
			convRecovery.Notifier = svc
		}
	} else {
		slog.Warn("No chat transport configured; only the HTTP API is served")
	}
	if webhook != nil {
		apiOpts = append(apiOpts, api.WithWebhook(webhook))
	}

	recoveryManager := recovery.NewManager()
	recoveryManager.Register(convRecovery)
	if err := recoveryManager.RecoverAll(ctx); err != nil {
		slog.Error("Startup recovery incomplete", "error", err)
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	housekeeping := scheduler.Housekeeping{
		Limiter:        limiter,
		Conversations:  engine,
		IdleFor:        cfg.IdleTimeout,
		Premium:        premiumSvc,
		Retention:      st,
		RetainFor:      cfg.Retention,
		SweepSchedule:  cfg.File.Housekeeping.SweepSchedule,
		ExpireSchedule: cfg.File.Housekeeping.ExpireSchedule,
	}
	if err := housekeeping.Register(sched); err != nil {
		return err
	}

	srv := api.NewServer(engine, apiOpts...)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Server shutdown failed", "error", err)
		return err
	}
	return <-errCh
}

// buildTransport connects the configured chat transport. Twilio also returns its webhook handler.
func buildTransport(ctx context.Context, cfg *config.Config) (messaging.Service, http.HandlerFunc, error) {
	switch cfg.Transport {
	case config.TransportTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioFrom),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		if cfg.PublicURL != "" {
			svc.RequireSignature(cfg.TwilioAuthToken, cfg.PublicURL)
		} else {
			slog.Warn("TRAVELDIARY_PUBLIC_URL not set; webhook signatures are not verified")
		}
		return svc, svc.TwilioWebhookHandler, nil
	case config.TransportWhatsmeow:
		opts := []whatsapp.Option{
			whatsapp.WithDBDSN(cfg.WhatsmeowDSN),
			whatsapp.WithQRCodeOutput(cfg.WhatsmeowQRPath),
		}
		if cfg.WhatsmeowNumericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("whatsapp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	}
	return nil, nil, nil
}

// buildResolver wires Nominatim and the configured translator into a geocode resolver.
func buildResolver(cfg *config.Config, limiter *ratelimit.Limiter) (*geocode.Resolver, error) {
	lookup := geocode.NewNominatimClient(
		geocode.WithBaseURL(cfg.NominatimURL),
		geocode.WithContactEmail(cfg.NominatimEmail),
	)
	opts := []geocode.Option{geocode.WithTimeout(cfg.GeocodeTimeout)}

	switch cfg.Translator {
	case config.TranslatorLibreTranslate:
		opts = append(opts, geocode.WithTranslator(geocode.NewLibreTranslator(cfg.LibreTranslateURL, cfg.LibreTranslateKey, nil)))
	case config.TranslatorOpenAI:
		client, err := genai.NewClient(
			genai.WithAPIKey(cfg.OpenAIKey),
			genai.WithModel(cfg.OpenAIModel),
			genai.WithBaseURL(cfg.OpenAIBaseURL),
		)
		if err != nil {
			return nil, fmt.Errorf("openai translator: %w", err)
		}
		opts = append(opts, geocode.WithTranslator(client))
	}
	return geocode.NewResolver(lookup, limiter, opts...), nil
}
