package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"schedopt/internal/config"
	"schedopt/internal/gcal"
	"schedopt/internal/ics"
	appLog "schedopt/internal/log"
	"schedopt/internal/pipeline"
	"schedopt/internal/web"
)

var version = "0.1.0-dev"

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "schedopt",
		Usage:   "Turn a university ICS timetable into one conflict-free schedule.",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "config.yaml", Usage: "Path to config file", EnvVars: []string{"SCHEDOPT_CONFIG"}},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error (overrides config)"},
		},
		Commands: []*cli.Command{
			runCommand(),
			serveCommand(),
			inspectCommand(),
			authCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		appLog.Error("schedopt failed", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, overlays the environment and sets up
// logging. The returned closer flushes the optional log file.
func loadConfig(c *cli.Context) (*config.Config, io.Closer, error) {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", path, err)
	}
	config.ApplyEnv(cfg)
	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	cfg.Normalize()
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))

	var closer io.Closer = io.NopCloser(nil)
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, nil, err
		}
		f, err := appLog.OpenFile(cfg.LogFile)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		closer = f
	}

	appLog.Info("effective config",
		"config_path", path,
		"source", ics.RedactURL(cfg.Feed.URL),
		"group", cfg.Preferences.PreferredGroup,
		"fallback", cfg.Preferences.FallbackGroupBehavior,
		"mode", cfg.Preferences.OptimizationMode,
		"timezone", cfg.Preferences.Timezone,
		"slot", cfg.Slot.Mode,
		"google", cfg.Google.Enabled,
		"caldav", cfg.CalDAV.Enabled,
	)
	return cfg, closer, nil
}

func newRunner(cfg *config.Config) *pipeline.Runner {
	return pipeline.NewRunner(ics.NewFetcher(cfg.Feed.CacheDir, nil))
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Fetch, optimize and write the schedule once.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Usage: "ICS feed URL or path (overrides config)"},
			&cli.StringFlag{Name: "group", Usage: "Preferred group letter (overrides config)"},
			&cli.StringFlag{Name: "output", Usage: "Output directory (overrides config)"},
			&cli.StringFlag{Name: "calendar-name", Usage: "Calendar name for the output and sync targets"},
			&cli.BoolFlag{Name: "sync-google", Usage: "Push the result to Google Calendar"},
			&cli.BoolFlag{Name: "sync-caldav", Usage: "Push the result to the CalDAV calendar"},
			&cli.BoolFlag{Name: "dry-run", Usage: "Optimize only; write and sync nothing"},
		},
		Action: func(c *cli.Context) error {
			cfg, closer, err := loadConfig(c)
			if err != nil {
				return err
			}
			defer closer.Close()

			if v := c.String("url"); v != "" {
				cfg.Feed.URL = v
			}
			if v := c.String("group"); v != "" {
				cfg.Preferences.PreferredGroup = v
			}
			if v := c.String("output"); v != "" {
				cfg.Output.Dir = v
			}
			if v := c.String("calendar-name"); v != "" {
				cfg.Output.CalendarName = v
				cfg.Google.CalendarName = v
				cfg.CalDAV.CalendarName = v
			}
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return err
			}

			req := pipeline.Request{
				SyncGoogle: c.Bool("sync-google") || (!c.IsSet("sync-google") && cfg.Google.Enabled),
				SyncCalDAV: c.Bool("sync-caldav") || (!c.IsSet("sync-caldav") && cfg.CalDAV.Enabled),
				DryRun:     c.Bool("dry-run"),
			}
			rep, err := newRunner(cfg).Run(c.Context, cfg, req)
			if err != nil {
				return err
			}
			printSummary(os.Stdout, rep)
			if rep.GoogleError != "" || rep.CalDAVError != "" {
				return errors.New("one or more sync targets failed")
			}
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API and refresh on the configured cron schedule.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "HTTP listen address (overrides config)"},
			&cli.BoolFlag{Name: "no-initial-run", Usage: "Skip the run at startup"},
		},
		Action: func(c *cli.Context) error {
			cfg, closer, err := loadConfig(c)
			if err != nil {
				return err
			}
			defer closer.Close()

			if v := c.String("listen"); v != "" {
				cfg.Listen = v
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}

			// Root context with cancellation on SIGINT/SIGTERM.
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := web.NewServer(cfg, c.String("config"), newRunner(cfg), version)
			httpSrv := &http.Server{
				Addr:              cfg.Listen,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			refresh := func() {
				if srv.Config().Feed.URL == "" {
					appLog.Warn("refresh skipped: no feed configured")
					return
				}
				if err := srv.Refresh(ctx); err != nil {
					appLog.Error("scheduled refresh failed", err)
				}
			}

			sched := cron.New(cron.WithLocation(loc))
			if cfg.RefreshCron != "" {
				if _, err := sched.AddFunc(cfg.RefreshCron, refresh); err != nil {
					return fmt.Errorf("refresh schedule %q: %w", cfg.RefreshCron, err)
				}
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen, "version", version)
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				sched.Start()
				appLog.Info("refresh scheduler started", "cron", cfg.RefreshCron, "timezone", loc.String())
				if !c.Bool("no-initial-run") {
					refresh()
				}
				<-gctx.Done()
				<-sched.Stop().Done()
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				appLog.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpSrv.Shutdown(shutdownCtx)
			})

			err = g.Wait()
			appLog.Info("schedopt exiting")
			return err
		},
	}
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Show clusters, decisions and issues without writing anything.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Usage: "ICS feed URL or path (overrides config)"},
			&cli.StringFlag{Name: "group", Usage: "Preferred group letter (overrides config)"},
			&cli.BoolFlag{Name: "json", Usage: "Print the full report as JSON"},
		},
		Action: func(c *cli.Context) error {
			cfg, closer, err := loadConfig(c)
			if err != nil {
				return err
			}
			defer closer.Close()

			if v := c.String("url"); v != "" {
				cfg.Feed.URL = v
			}
			if v := c.String("group"); v != "" {
				cfg.Preferences.PreferredGroup = v
			}
			cfg.Normalize()

			rep, err := newRunner(cfg).Run(c.Context, cfg, pipeline.Request{DryRun: true})
			if err != nil {
				return err
			}
			if c.Bool("json") {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			loc, _ := cfg.Location()
			printInspection(os.Stdout, rep, loc)
			return nil
		},
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authorize Google Calendar access and save the token.",
		Action: func(c *cli.Context) error {
			cfg, closer, err := loadConfig(c)
			if err != nil {
				return err
			}
			defer closer.Close()

			oauthCfg, err := gcal.OAuthConfig(cfg.Google.CredentialsFile)
			if err != nil {
				return err
			}
			fmt.Printf("Open the following link in your browser, then paste the authorization code:\n%s\n", gcal.AuthCodeURL(oauthCfg))
			fmt.Print("Authorization code: ")

			code, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			code = strings.TrimSpace(code)
			if code == "" {
				return errors.New("no authorization code entered")
			}

			tok, err := gcal.Exchange(c.Context, oauthCfg, code)
			if err != nil {
				return err
			}
			if err := gcal.SaveToken(cfg.Google.TokenFile, tok); err != nil {
				return err
			}
			appLog.Info("google token saved", "file", cfg.Google.TokenFile)
			return nil
		},
	}
}
