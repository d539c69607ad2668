package main

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"

	"github.com/pdok/layersync/archive"
	"github.com/pdok/layersync/arcgis"
	"github.com/pdok/layersync/catalog"
	"github.com/pdok/layersync/config"
	"github.com/pdok/layersync/credentials"
	"github.com/pdok/layersync/events"
	"github.com/pdok/layersync/history"
	"github.com/pdok/layersync/lock"
	"github.com/pdok/layersync/runner"
	"github.com/pdok/layersync/wfs"
)

// application holds everything a command needs, built from the settings.
type application struct {
	settings *config.Settings
	logger   *slog.Logger
	catalog  *catalog.Catalog
	runner   *runner.Runner
	registry *prometheus.Registry
	history  *history.Store
	nats     *nats.Conn
	valkey   *lock.Valkey
}

//nolint:cyclop
func newApp(ctx context.Context, c *cli.Context) (a *application, err error) {
	settings, err := loadSettings(c)
	if err != nil {
		return nil, err
	}
	a = &application{settings: settings, logger: slog.Default()}
	defer func() {
		if err != nil && a != nil {
			a.Close()
			a = nil
		}
	}()

	if a.catalog, err = loadCatalog(settings); err != nil {
		return a, err
	}

	creds, err := credentialsProvider(ctx, settings.Credentials)
	if err != nil {
		return a, err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sinks := events.Multi{events.NewLogSink(a.logger), events.NewMetricsSink(a.registry)}

	if settings.NATS.URL != "" {
		if a.nats, err = events.ConnectNATS(settings.NATS.URL); err != nil {
			return a, err
		}
		sinks = append(sinks, events.NewNATSSink(a.nats, settings.NATS.Subject, a.logger))
	}

	opts := []runner.Option{runner.WithEvents(sinks), runner.WithLogger(a.logger)}
	if settings.Valkey.Addr != "" {
		if a.valkey, err = lock.NewValkey(settings.Valkey.Addr, settings.Valkey.LockTTL); err != nil {
			return a, err
		}
		a.valkey.WithLogger(a.logger)
		opts = append(opts, runner.WithLocker(a.valkey))
	}
	if settings.History.Path != "" {
		if a.history, err = history.Open(settings.History.Path); err != nil {
			return a, err
		}
		opts = append(opts, runner.WithHistory(a.history))
	}
	if settings.Archive.Bucket != "" {
		archiver, err := archive.NewS3(ctx, settings.Archive.Bucket, settings.Archive.Prefix, settings.Archive.Region)
		if err != nil {
			return a, err
		}
		opts = append(opts, runner.WithArchiver(archiver))
	}

	userAgent := "layersync/" + c.App.Version
	fetcher := wfs.NewFetcher(settings.FetchTimeout, wfs.WithUserAgent(userAgent))
	client := arcgis.NewClient(settings.PortalURL, settings.RequestTimeout, arcgis.WithLogger(a.logger))
	a.runner = runner.New(a.catalog, fetcher, runner.ArcGISPortal(client), creds, opts...)
	return a, nil
}

func credentialsProvider(ctx context.Context, s config.CredentialsSettings) (credentials.Provider, error) {
	if s.Source == "secretsmanager" {
		return credentials.NewSecretsManagerProvider(ctx, s.SecretID, s.Region)
	}
	return credentials.NewEnvProvider(), nil
}

func (a *application) Close() {
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			a.logger.Warn("nats drain", "error", err)
		}
	}
	if a.valkey != nil {
		a.valkey.Close()
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Warn("closing history", "error", err)
		}
	}
}
