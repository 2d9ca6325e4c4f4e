// Command wafflemakerd is the reconciliation daemon: it watches a source
// repository and an image registry for pushes, and drives services
// towards the state declared in the repository's service files (spec §1).
//
// Wiring follows fluxd's block-scoped component style: each component
// gets its own `{ ... }` block, named by the thing it builds, logging and
// exiting on fatal setup errors before the daemon ever accepts work.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/wafflehacks/wafflemaker/internal/config"
	"github.com/wafflehacks/wafflemaker/internal/containerdriver"
	"github.com/wafflehacks/wafflemaker/internal/dnsprovider"
	"github.com/wafflehacks/wafflemaker/internal/gitsync"
	"github.com/wafflehacks/wafflemaker/internal/lease"
	"github.com/wafflehacks/wafflemaker/internal/logging"
	"github.com/wafflehacks/wafflemaker/internal/management"
	"github.com/wafflehacks/wafflemaker/internal/metrics"
	"github.com/wafflehacks/wafflemaker/internal/notifier"
	"github.com/wafflehacks/wafflemaker/internal/planner"
	"github.com/wafflehacks/wafflemaker/internal/queue"
	"github.com/wafflehacks/wafflemaker/internal/reconciler"
	"github.com/wafflehacks/wafflemaker/internal/registry"
	"github.com/wafflehacks/wafflemaker/internal/resolver"
	"github.com/wafflehacks/wafflemaker/internal/secretstore"
	"github.com/wafflehacks/wafflemaker/internal/webhook"
)

const shutdownGrace = 15 * time.Second

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "wafflemakerd",
		Short: "wafflemakerd reconciles running services against a git repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "/etc/wafflemaker/config.toml", "Path to the daemon's TOML configuration file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Logger domain.
	logger := logging.New()

	// Configuration.
	var cfg *config.Config
	{
		logger := logging.With(logger, "component", "config")
		c, err := config.Load(configPath)
		if err != nil {
			logger.Log("err", err)
			os.Exit(1)
		}
		cfg = c
		logger.Log("loaded", configPath)
	}

	// Registry component (postgres/gorm).
	var reg registry.Registry
	{
		logger := logging.With(logger, "component", "registry")
		db, err := gorm.Open(postgres.Open(cfg.Registry.DSN), &gorm.Config{})
		if err != nil {
			logger.Log("err", err)
			os.Exit(1)
		}
		store, err := registry.Open(db)
		if err != nil {
			logger.Log("err", err)
			os.Exit(1)
		}
		reg = store
	}

	// Secret store component, plus its own session self-renewal loop.
	var secretStore secretstore.Store
	var tokenRenewer *secretstore.TokenRenewer
	{
		logger := logging.With(logger, "component", "secretstore")
		s, err := secretstore.NewHTTPStore(cfg.SecretStore.Endpoint, cfg.SecretStore.Token)
		if err != nil {
			logger.Log("err", err)
			os.Exit(1)
		}
		secretStore = s

		interval := time.Duration(cfg.SecretStore.RenewIntervalSecs) * time.Second
		tokenRenewer = secretstore.NewTokenRenewer(secretStore, interval, logging.With(logger, "loop", "token-renewal"))
	}

	// DNS provider component, optional.
	var dnsReconciler *dnsprovider.Reconciler
	{
		logger := logging.With(logger, "component", "dnsprovider")
		if cfg.DNS.Endpoint != "" {
			provider, err := dnsprovider.NewHTTPProvider(cfg.DNS.Endpoint, cfg.DNS.Token)
			if err != nil {
				logger.Log("err", err)
				os.Exit(1)
			}
			dnsReconciler = dnsprovider.New(provider, logger)
		} else {
			logger.Log("kind", "none")
		}
	}

	// Container driver component.
	var driver containerdriver.Driver
	{
		logger := logging.With(logger, "component", "containerdriver")
		d, err := containerdriver.New()
		if err != nil {
			logger.Log("err", err)
			os.Exit(1)
		}
		driver = d
	}

	// Secret resolver component.
	var resolve *resolver.Resolver
	{
		resolve = resolver.New(secretStore, resolver.CryptoRandomSource{}, resolver.Config{
			PostgresHost: cfg.Deployment.Domain,
			RedisHost:    cfg.Deployment.Domain,
		})
	}

	// Lease manager component.
	var leaseManager *lease.Manager
	{
		logger := logging.With(logger, "component", "lease")
		leaseManager = lease.New(secretStore, reg, nil, logger)
		leaseManager.SetObserver(metrics.NewLeaseMetrics())
		if err := leaseManager.LoadFromRegistry(ctx); err != nil {
			logger.Log("err", err)
			os.Exit(1)
		}
	}

	// Notifier component, optional sinks.
	var notify notifier.Sink
	{
		logger := logging.With(logger, "component", "notifier")
		var sinks []notifier.Sink
		if cfg.Notifier.DiscordWebhook != "" {
			sinks = append(sinks, notifier.NewDiscordSink(cfg.Notifier.DiscordWebhook, cfg.Git.Repository, logger))
		}
		if cfg.Notifier.GitHubToken != "" {
			owner, repo := splitRepository(cfg.Git.Repository)
			sinks = append(sinks, notifier.NewGitHubSink(owner, repo, cfg.Notifier.GitHubToken, logger))
		}
		notify = notifier.NewFanout(logger, sinks...)
	}

	// Reconciler and job queue components. The Queue and Manager need each
	// other (Queue.EnqueueReconcile satisfies lease.Enqueuer; the
	// Reconciler needs the Queue's handler seam) so the Manager above was
	// built with a nil Enqueuer and the queue is wired into it here.
	var jobQueue *queue.Queue
	{
		logger := logging.With(logger, "component", "queue")
		recon := reconciler.New(reg, driver, resolve, leaseManager, dnsReconciler, secretStore, logger)
		recon.SetNotifier(notify)
		jobQueue = queue.New(metrics.InstrumentHandler(recon, metrics.NewJobMetrics()), logger)
	}
	leaseManager.SetQueue(jobQueue)

	// Git checkout and planner components.
	var checkout *gitsync.Checkout
	var plan *planner.Planner
	{
		logger := logging.With(logger, "component", "gitsync")
		checkout = gitsync.New(cfg.Git.CloneTo, cfg.Git.Branch, logger)
		if err := checkout.Clone(ctx, cfg.Git.CloneURL); err != nil {
			logger.Log("err", err)
			os.Exit(1)
		}
		plan = planner.New(checkout.Path())
	}

	// Webhook HTTP server component.
	var webhookServer *http.Server
	{
		logger := logging.With(logger, "component", "webhooks")
		handlers := webhook.New(webhook.Config{
			GitHubSecret:   cfg.Webhooks.GitHubSecret,
			DockerUser:     cfg.Webhooks.DockerUser,
			DockerPassword: cfg.Webhooks.DockerPassword,
			RepositoryName: cfg.Git.Repository,
			BranchSuffix:   "refs/heads/" + cfg.Git.Branch,
		}, checkout, plan, jobQueue, reg, logger)

		httpMetrics := metrics.NewHTTPMetrics("webhooks")
		mux := http.NewServeMux()
		mux.Handle("/webhooks/github", httpMetrics.Instrument("github", http.HandlerFunc(handlers.GitHub)))
		mux.Handle("/webhooks/docker", httpMetrics.Instrument("docker", http.HandlerFunc(handlers.Docker)))

		webhookServer = &http.Server{Addr: cfg.Webhooks.Listen, Handler: mux}
		go func() {
			logger.Log("listen", cfg.Webhooks.Listen)
			if err := webhookServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Log("err", err)
			}
		}()
	}

	// Management HTTP server component, optional.
	var managementServer *http.Server
	{
		logger := logging.With(logger, "component", "management")
		if cfg.Management.Enabled {
			handlers := management.New(management.Config{Token: cfg.Management.Token}, reg, plan, jobQueue, checkout, leaseManager, logger)
			httpMetrics := metrics.NewHTTPMetrics("management")
			managementServer = &http.Server{
				Addr:    cfg.Management.Listen,
				Handler: httpMetrics.Instrument("management", handlers.Router()),
			}
			go func() {
				logger.Log("listen", cfg.Management.Listen)
				if err := managementServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Log("err", err)
				}
			}()
		} else {
			logger.Log("enabled", false)
		}
	}

	jobQueue.Start(ctx, cfg.Deployment.Workers)
	go leaseManager.Run(ctx)
	go tokenRenewer.Run(ctx)

	<-ctx.Done()
	logger.Log("msg", "shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	_ = webhookServer.Shutdown(shutdownCtx)
	if managementServer != nil {
		_ = managementServer.Shutdown(shutdownCtx)
	}
	leaseManager.Stop()
	tokenRenewer.Stop()
	jobQueue.Shutdown()

	return nil
}

func splitRepository(fullName string) (owner, repo string) {
	for i := 0; i < len(fullName); i++ {
		if fullName[i] == '/' {
			return fullName[:i], fullName[i+1:]
		}
	}
	return fullName, ""
}
