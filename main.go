package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/iancoleman/strcase"
	"github.com/urfave/cli/v2"

	"github.com/pdok/layersync/catalog"
	"github.com/pdok/layersync/config"
	"github.com/pdok/layersync/history"
	"github.com/pdok/layersync/logging"
	"github.com/pdok/layersync/pipeline"
	"github.com/pdok/layersync/pkg/gpkg"
	"github.com/pdok/layersync/runner"
	"github.com/pdok/layersync/scheduler"
	"github.com/pdok/layersync/server"
)

const CONFIG string = `config`
const LOGLEVEL string = `logLevel`
const LOGFORMAT string = `logFormat`
const PORTALURL string = `portalUrl`
const FETCHTIMEOUT string = `fetchTimeout`
const REQUESTTIMEOUT string = `requestTimeout`
const DATASETS string = `datasets`
const ALL string = `all`
const KEEPGOING string = `keepGoing`
const LISTEN string = `listen`
const OVERWRITE string = `overwrite`
const PAGESIZE string = `pagesize`

// settingKeys maps flags to the settings they override.
var settingKeys = map[string]string{
	LOGLEVEL:       "log.level",
	LOGFORMAT:      "log.format",
	PORTALURL:      "portal_url",
	FETCHTIMEOUT:   "fetch_timeout",
	REQUESTTIMEOUT: "request_timeout",
	DATASETS:       "datasets",
	LISTEN:         "server.addr",
}

//nolint:funlen
func main() {
	app := cli.NewApp()
	app.Name = "layersync"
	app.Usage = "Replaces the features of hosted ArcGIS layers with the features of WFS feature types"
	app.Version = versioninfo.Short()

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    CONFIG,
			Aliases: []string{"c"},
			Usage:   "Settings file (YAML or JSON)",
			EnvVars: []string{strcase.ToScreamingSnake(CONFIG)},
		},
		&cli.StringFlag{
			Name:    LOGLEVEL,
			Usage:   "debug, info, warn or error",
			EnvVars: []string{strcase.ToScreamingSnake(LOGLEVEL)},
		},
		&cli.StringFlag{
			Name:    LOGFORMAT,
			Usage:   "json or text",
			EnvVars: []string{strcase.ToScreamingSnake(LOGFORMAT)},
		},
		&cli.StringFlag{
			Name:    PORTALURL,
			Usage:   "ArcGIS portal, e.g. https://www.arcgis.com",
			EnvVars: []string{strcase.ToScreamingSnake(PORTALURL)},
		},
		&cli.DurationFlag{
			Name:    FETCHTIMEOUT,
			Usage:   "Timeout of a WFS download",
			EnvVars: []string{strcase.ToScreamingSnake(FETCHTIMEOUT)},
		},
		&cli.DurationFlag{
			Name:    REQUESTTIMEOUT,
			Usage:   "Timeout of a request to the portal",
			EnvVars: []string{strcase.ToScreamingSnake(REQUESTTIMEOUT)},
		},
		&cli.StringFlag{
			Name:    DATASETS,
			Aliases: []string{"d"},
			Usage:   "JSON file with dataset definitions, instead of the built-in ones",
			EnvVars: []string{strcase.ToScreamingSnake(DATASETS)},
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:  "datasets",
			Usage: "List the datasets",
			Action: func(c *cli.Context) error {
				settings, err := loadSettings(c)
				if err != nil {
					return err
				}
				cat, err := loadCatalog(settings)
				if err != nil {
					return err
				}
				var runs *history.Store
				if settings.History.Path != "" {
					if runs, err = history.Open(settings.History.Path); err != nil {
						return err
					}
					defer runs.Close()
				}
				return printDatasets(c.Context, cat, runs)
			},
		},
		{
			Name:      "sync",
			Usage:     "Replace the features of the target layers of the given datasets",
			ArgsUsage: "[dataset...]",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:    ALL,
					Aliases: []string{"a"},
					Usage:   "Sync all datasets",
					EnvVars: []string{strcase.ToScreamingSnake(ALL)},
				},
				&cli.BoolFlag{
					Name:    KEEPGOING,
					Aliases: []string{"k"},
					Usage:   "Continue with the next dataset after a failure",
					EnvVars: []string{strcase.ToScreamingSnake(KEEPGOING)},
				},
			},
			Action: func(c *cli.Context) error {
				ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				a, err := newApp(ctx, c)
				if err != nil {
					return err
				}
				defer a.Close()

				ids := c.Args().Slice()
				if c.Bool(ALL) {
					ids = a.catalog.IDs()
				}
				if len(ids) == 0 {
					return errors.New("no datasets given, name them or use --all")
				}
				return a.runner.RunAll(ctx, ids, runner.TriggerCLI, c.Bool(KEEPGOING))
			},
		},
		{
			Name:  "serve",
			Usage: "Run the datasets on their schedules and serve health, metrics and sync triggers over HTTP",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    LISTEN,
					Aliases: []string{"l"},
					Usage:   "Listen address, e.g. :8080",
					EnvVars: []string{strcase.ToScreamingSnake(LISTEN)},
				},
			},
			Action: func(c *cli.Context) error {
				ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				a, err := newApp(ctx, c)
				if err != nil {
					return err
				}
				defer a.Close()
				return serve(ctx, a)
			},
		},
		{
			Name:      "snapshot",
			Usage:     "Download and clean a dataset and write it to a GeoPackage, without touching the target layer",
			ArgsUsage: "<dataset> <file.gpkg|directory>",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:    OVERWRITE,
					Aliases: []string{"o"},
					Usage:   "Overwrite the GeoPackage if it exists",
					EnvVars: []string{strcase.ToScreamingSnake(OVERWRITE)},
				},
				&cli.IntFlag{
					Name:    PAGESIZE,
					Aliases: []string{"p"},
					Usage:   "Page Size, how many features are written per transaction to the GeoPackage",
					Value:   gpkg.DefaultPageSize,
					EnvVars: []string{strcase.ToScreamingSnake(PAGESIZE)},
				},
			},
			Action: func(c *cli.Context) error {
				if c.NArg() != 2 {
					return errors.New("expected a dataset and a GeoPackage file or directory")
				}
				ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				a, err := newApp(ctx, c)
				if err != nil {
					return err
				}
				defer a.Close()

				_, err = a.runner.Snapshot(ctx, c.Args().Get(0), snapshotter(c.Args().Get(1), c.Bool(OVERWRITE), c.Int(PAGESIZE)))
				return err
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "layersync:", err)
		if step := pipeline.FailedStep(err); step != "" {
			fmt.Fprintln(os.Stderr, "failed step:", step)
		}
		os.Exit(1)
	}
}

// loadSettings reads the settings file and environment, with the flags that are set on top.
func loadSettings(c *cli.Context) (*config.Settings, error) {
	overrides := make(map[string]interface{})
	for flag, key := range settingKeys {
		if c.IsSet(flag) {
			overrides[key] = c.Value(flag)
		}
	}
	settings, err := config.Load(c.String(CONFIG), overrides)
	if err != nil {
		return nil, err
	}
	logging.Setup(settings.Log.Level, settings.Log.Format)
	return settings, nil
}

func loadCatalog(settings *config.Settings) (*catalog.Catalog, error) {
	if settings.Datasets != "" {
		return catalog.LoadFile(settings.Datasets)
	}
	return catalog.LoadEmbedded()
}

// snapshotter writes to path, or to path/<dataset>.gpkg when path is a directory.
func snapshotter(path string, overwrite bool, pagesize int) *gpkg.Snapshotter {
	var s *gpkg.Snapshotter
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		s = gpkg.DirSnapshotter(path)
	} else {
		s = &gpkg.Snapshotter{File: func(string) string { return path }}
	}
	s.Overwrite = overwrite
	s.PageSize = pagesize
	return s
}

// printDatasets lists the catalog, with the latest run of each dataset when runs is set.
func printDatasets(ctx context.Context, cat *catalog.Catalog, runs *history.Store) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tITEM\tLAYER\tSCHEDULE\tTYPE NAME\tLAST RUN")
	for _, d := range cat.All() {
		schedule := d.Schedule
		if schedule == "" {
			schedule = "-"
		}
		last, err := lastRun(ctx, runs, d.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", d.ID, d.Target.ItemID, d.Target.Layer, schedule, d.Source.TypeName, last)
	}
	return w.Flush()
}

func lastRun(ctx context.Context, runs *history.Store, dataset string) (string, error) {
	if runs == nil {
		return "-", nil
	}
	run, err := runs.Last(ctx, dataset)
	if errors.Is(err, history.ErrNoRuns) {
		return "never", nil
	}
	if err != nil {
		return "", err
	}
	s := fmt.Sprintf("%s %s", run.Outcome, run.Started.UTC().Format(time.RFC3339))
	if run.Step != "" {
		s += " (" + run.Step + ")"
	}
	return s, nil
}

func serve(ctx context.Context, a *application) error {
	sched := scheduler.New(func(ctx context.Context, id string) error {
		_, err := a.runner.Run(ctx, id, runner.TriggerSchedule)
		return err
	}, a.logger)
	n, err := sched.Schedule(a.catalog.All())
	if err != nil {
		return err
	}
	a.logger.Info("scheduled datasets", "count", n, "datasets", strings.Join(a.catalog.IDs(), ","))

	opts := []server.Option{
		server.WithGatherer(a.registry),
		server.WithSchedule(sched.Next),
		server.WithLogger(a.logger),
	}
	if a.history != nil {
		opts = append(opts, server.WithHistory(a.history))
	}
	srv := server.New(a.runner, opts...)

	sched.Start()
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- srv.Listen(a.settings.Server.Addr)
	}()

	select {
	case err = <-listenErr:
	case <-ctx.Done():
		a.logger.Info("shutdown signal received, waiting for syncs in flight")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sched.Stop(shutdownCtx)
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		a.logger.Error("forced shutdown", "error", shutdownErr)
	}
	a.runner.Wait(shutdownCtx)
	a.logger.Info("server stopped")
	return err
}
