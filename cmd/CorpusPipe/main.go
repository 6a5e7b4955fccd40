// Command CorpusPipe runs the keyword-reply chat bot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BTreeMap/CorpusPipe/internal/api"
	"github.com/BTreeMap/CorpusPipe/internal/command"
	"github.com/BTreeMap/CorpusPipe/internal/corpus"
	"github.com/BTreeMap/CorpusPipe/internal/flow"
	"github.com/BTreeMap/CorpusPipe/internal/lockfile"
	"github.com/BTreeMap/CorpusPipe/internal/matrix"
	"github.com/BTreeMap/CorpusPipe/internal/media"
	"github.com/BTreeMap/CorpusPipe/internal/messaging"
	"github.com/BTreeMap/CorpusPipe/internal/store"
	"github.com/BTreeMap/CorpusPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/CorpusPipe/internal/whatsapp"
	"golang.org/x/sync/errgroup"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	if err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], &config); err != nil {
		slog.Error("failed to parse flags", "error", err)
		os.Exit(2)
	}
	if err := config.resolve(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	lock, err := lockfile.AcquireLock(config.StateDir, config.Platforms...)
	if err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			fmt.Fprintln(os.Stderr, lockErr.Error())
		}
		slog.Error("failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config); err != nil {
		slog.Error("CorpusPipe exited with error", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("CorpusPipe stopped")
}

// run wires every component and blocks until ctx is cancelled or a
// component fails.
func run(ctx context.Context, config Config) error {
	st, err := store.Open(buildStoreOptions(config)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	services, twilioSvc, err := buildServices(ctx, config)
	if err != nil {
		return err
	}

	router := messaging.NewRouter(services...)
	var stagerOpts []media.Option
	for platform, d := range router.Downloaders() {
		stagerOpts = append(stagerOpts, media.WithDownloader(platform, d))
	}
	stager := media.NewStager(config.ImageDir, stagerOpts...)
	if err := stager.EnsureDir(); err != nil {
		return err
	}

	rules := corpus.NewRuleStore(st)
	if err := rules.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load corpus: %w", err)
	}

	engine := flow.NewEngine(router, flow.WithTimeout(config.Timeout))
	deps := &flow.Deps{Repo: st, Rules: rules, Stager: stager, Admins: config.adminSet()}
	commands := command.NewHandler(engine, deps, router, command.WithPrefix(config.Prefix))
	matcher := corpus.NewMatcher(rules, router)

	dispatcher := messaging.NewDispatcher(messaging.WithDedup(st), messaging.WithWorkers(config.Workers))
	dispatcher.Register("command", messaging.PriorityCommand, commands.HandleEvent)
	dispatcher.Register("flow", messaging.PriorityInterceptor, engine.Handle)
	dispatcher.Register("matcher", messaging.PriorityMatcher, matcher.HandleEvent)

	server := api.NewServer(rules, st, engine, buildAPIOptions(config, twilioSvc)...)

	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			stopServices(services)
			return fmt.Errorf("failed to start %s: %w", svc.Platform(), err)
		}
		slog.Info("service started", "platform", svc.Platform())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		engine.Run(gctx)
		return nil
	})
	g.Go(func() error {
		dispatcher.Run(gctx, services...)
		return nil
	})
	if config.APIAddr != "" || twilioSvc != nil {
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	slog.Info("CorpusPipe running",
		"platforms", config.Platforms,
		"rules", len(rules.All()),
		"prefix", config.Prefix,
		"admins", len(config.Admins))

	err = g.Wait()
	stopServices(services)
	engine.Stop()
	return err
}

func stopServices(services []messaging.Service) {
	for _, svc := range services {
		if err := svc.Stop(); err != nil {
			slog.Warn("failed to stop service", "platform", svc.Platform(), "error", err)
		}
	}
}

// buildStoreOptions selects the corpus backend from the DSN.
func buildStoreOptions(config Config) []store.Option {
	if store.DetectDSNType(config.DatabaseDSN) == "postgres" {
		slog.Debug("using PostgreSQL corpus store")
		return []store.Option{store.WithPostgresDSN(config.DatabaseDSN)}
	}
	slog.Debug("using SQLite corpus store", "dsn", config.DatabaseDSN)
	return []store.Option{store.WithSQLiteDSN(config.DatabaseDSN)}
}

// buildWhatsAppOptions creates WhatsApp client options from configuration
func buildWhatsAppOptions(config Config) []whatsapp.Option {
	opts := []whatsapp.Option{whatsapp.WithDBDSN(config.WhatsAppDBDSN)}
	if config.QROutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(config.QROutput))
	}
	if config.NumericCode {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

// buildTwilioOptions publishes outbound media and validates webhook
// signatures when the public URL of the API server is known.
func buildTwilioOptions(config Config) []messaging.TwilioOption {
	if config.PublicURL == "" {
		slog.Warn("PUBLIC_BASE_URL not set: Twilio images are not sent and webhook signatures are not checked")
		return nil
	}
	base := strings.TrimSuffix(config.PublicURL, "/")
	return []messaging.TwilioOption{
		messaging.WithMediaPublisher(config.mediaDir(), base),
		messaging.WithWebhookURL(base + "/twilio/webhook"),
	}
}

func buildAPIOptions(config Config, twilioSvc *messaging.TwilioService) []api.Option {
	var opts []api.Option
	if config.APIAddr != "" {
		opts = append(opts, api.WithAddr(config.APIAddr))
	}
	if twilioSvc != nil {
		opts = append(opts, api.WithTwilio(twilioSvc))
		if dir := twilioSvc.MediaDir(); dir != "" {
			opts = append(opts, api.WithMediaDir(dir))
		}
	}
	return opts
}

// buildServices connects every enabled transport. The Twilio service is
// returned separately because its webhook is mounted on the API server.
func buildServices(ctx context.Context, config Config) ([]messaging.Service, *messaging.TwilioService, error) {
	var services []messaging.Service
	var twilioSvc *messaging.TwilioService

	if config.enabled(messaging.PlatformWhatsApp) {
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(config)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		services = append(services, messaging.NewWhatsAppService(client))
	}

	if config.enabled(messaging.PlatformTwilio) {
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		twilioSvc = messaging.NewTwilioService(client, buildTwilioOptions(config)...)
		services = append(services, twilioSvc)
	}

	if config.enabled(messaging.PlatformMatrix) {
		client, err := matrix.New(matrix.Config{
			Homeserver:  config.MatrixHomeserver,
			UserID:      config.MatrixUserID,
			AccessToken: config.MatrixAccessToken,
			AutoJoin:    config.MatrixAutoJoin,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Matrix client: %w", err)
		}
		services = append(services, messaging.NewMatrixService(client))
	}

	return services, twilioSvc, nil
}
