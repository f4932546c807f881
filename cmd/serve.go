package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"renderhub/api"
	"renderhub/config"
	"renderhub/ffmpeg"
	"renderhub/pipeline"
	"renderhub/provider"
	"renderhub/replay"
	"renderhub/repo"
	"renderhub/storage"
	"renderhub/task"
	"renderhub/webhook"
	"renderhub/webhookauth"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	Long:  `The serve command starts the render queue, the provider dispatcher and the HTTP API.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// backends are the optional external services, each replaced by an
// in-process implementation when its URL is not configured.
type backends struct {
	store     repo.Store
	guard     replay.Guard
	publisher storage.Publisher
	local     *storage.Local
	closers   []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, tempDir string, log logr.Logger) (*backends, error) {
	b := &backends{}

	if cfg.DatabaseURL != "" {
		pool, err := repo.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		b.store = repo.NewPostgres(pool)
		log.Info("Using postgres job store")
	} else {
		b.store = repo.NewMemory()
		log.Info("DATABASE_URL not set, using in-memory job store")
	}

	if cfg.RedisURL != "" {
		client, err := replay.Connect(ctx, cfg.RedisURL)
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, func() { client.Close() })
		b.guard = replay.NewRedis(client, cfg.ReplayTTL)
	} else {
		b.guard = replay.NewMemory(cfg.ReplayTTL)
	}

	if cfg.MinioEndpoint != "" {
		m, err := storage.NewMinio(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL, cfg.MinioBucket, cfg.MinioPublicURL)
		if err != nil {
			b.close()
			return nil, err
		}
		if err := m.EnsureBucketExists(ctx); err != nil {
			b.close()
			return nil, err
		}
		b.publisher = m
		log.Info("Publishing renders to object storage", "bucket", cfg.MinioBucket)
	} else {
		local, err := storage.NewLocal(tempDir, cfg.BaseURL)
		if err != nil {
			b.close()
			return nil, err
		}
		b.local = local
		b.publisher = local
	}
	return b, nil
}

func newProviders(cfg *config.Config) (primary, fallback provider.Facade, err error) {
	primary, err = provider.New(cfg.PrimaryProvider, cfg, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("primary provider: %w", err)
	}
	if cfg.FallbackProvider != "" && cfg.FallbackProvider != cfg.PrimaryProvider {
		fallback, err = provider.New(cfg.FallbackProvider, cfg, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("fallback provider: %w", err)
		}
	}
	return primary, fallback, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	if _, err := api.ParseClientKeys(cfg.AuthClients); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := ffmpeg.NewRunner(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize ffmpeg runner: %w", err)
	}

	queue, err := task.NewManager(cfg, runner, log)
	if err != nil {
		return fmt.Errorf("failed to initialize render queue: %w", err)
	}

	b, err := openBackends(ctx, cfg, runner.TempDir(), log)
	if err != nil {
		return err
	}
	defer b.close()

	primary, fallback, err := newProviders(cfg)
	if err != nil {
		return err
	}

	notifier := webhook.NewNotifier(webhook.NewSender(nil, log), cfg, log)
	keys := webhookauth.NewKeySet(cfg.FalJWKSURL, cfg.FalJWKSTTL, nil, log)

	svc := pipeline.New(pipeline.Deps{
		Queue:       queue,
		Store:       b.store,
		Publisher:   b.publisher,
		Notifier:    notifier,
		Primary:     primary,
		Fallback:    fallback,
		CallbackURL: cfg.CallbackURL,
		Log:         log,
	})

	deps := api.Deps{
		Queue:    queue,
		Pipeline: svc,
		Verifier: webhookauth.NewVerifier(keys, cfg.WebhookTolerance, log),
		Guard:    b.guard,
		Config:   cfg,
		Log:      log,
	}
	if b.local != nil {
		deps.Files = b.local
		go b.local.CleanupLoop(ctx, cfg.OutputLocalLifetime, log)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.SetupRouter(deps),
	}

	queue.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("listen: %w", err)
	}

	stop()
	log.Info("Shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "Server forced to shutdown")
	}
	svc.Close()

	log.Info("Server exiting")
	return nil
}
