package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"commoditydash/internal/app"
	"commoditydash/internal/cache"
	"commoditydash/internal/config"
	"commoditydash/internal/fetcher"
	"commoditydash/internal/observability"
	"commoditydash/internal/prices"
	"commoditydash/internal/views"
)

const (
	exitFailure    = 1
	exitValidation = 2
)

// buildFunc wires the price loader from settings.
type buildFunc func(s config.Settings, logger *slog.Logger) cache.Loader

func defaultBuild(s config.Settings, logger *slog.Logger) cache.Loader {
	return app.Build(s, logger, nil).Fetcher
}

type options struct {
	configPath string
	tickers    string
	start      string
	end        string
	days       int
	interval   string
	windows    string
	view       string
	format     string
	retries    int
	backoff    float64
	last       int
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: .env: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(defaultBuild).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, views.Describe(err))
		stop()
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, prices.ErrValidation) {
		return exitValidation
	}
	return exitFailure
}

func newRootCmd(build buildFunc) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download commodity prices and print a view as CSV or JSON",
		Long: `fetch downloads OHLCV series for the given tickers, normalizes them and
prints one view: the price table, daily returns, moving averages, the latest
daily change or a per-ticker summary.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.NoArgs(cmd, args); err != nil {
				return prices.Invalid(err.Error())
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts, build)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return prices.Invalid(err.Error())
	})

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", os.Getenv("CONFIG_FILE"), "path to a YAML or JSON settings file")
	f.StringVar(&opts.tickers, "tickers", "", "comma-separated tickers (default from settings)")
	f.StringVar(&opts.start, "start", "", "first day, YYYY-MM-DD or RFC 3339")
	f.StringVar(&opts.end, "end", "", "end of the window, YYYY-MM-DD or RFC 3339 (default now)")
	f.IntVar(&opts.days, "days", 0, "lookback in days when --start is not given (default from settings)")
	f.StringVar(&opts.interval, "interval", "", "sampling interval such as 1d, 1h, 1w (default from settings)")
	f.StringVar(&opts.windows, "windows", "", "comma-separated moving-average windows (default from settings)")
	f.StringVar(&opts.view, "view", string(views.Prices), "prices, returns, ma, change or summary")
	f.StringVar(&opts.format, "format", string(views.CSV), "csv or json")
	f.IntVar(&opts.retries, "retries", 0, "download attempts (default from settings)")
	f.Float64Var(&opts.backoff, "backoff", 0, "linear backoff multiplier in seconds (default from settings)")
	f.IntVar(&opts.last, "last", 0, "keep only the last N returns per ticker")
	return cmd
}

func run(ctx context.Context, stdout, stderr io.Writer, opts options, build buildFunc) error {
	settings, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := observability.NewLogger(stderr, settings.Log.Format, settings.Log.Level)
	if err != nil {
		return prices.Invalid(err.Error())
	}

	kind, err := views.ParseKind(opts.view)
	if err != nil {
		return err
	}
	format, err := views.ParseFormat(opts.format, views.CSV)
	if err != nil {
		return err
	}
	params, err := fetchParams(opts, settings, time.Now)
	if err != nil {
		return err
	}
	windows := settings.MovingAverageWindows
	if strings.TrimSpace(opts.windows) != "" {
		if windows, err = views.ParseWindows(opts.windows); err != nil {
			return err
		}
	}
	if opts.last < 0 {
		return prices.Invalid("--last must not be negative")
	}

	table, err := build(settings, logger).Fetch(ctx, params)
	if err != nil {
		return err
	}
	logger.Debug("fetched prices", "rows", table.Len(), "tickers", strings.Join(table.Tickers(), ","))
	return views.Render(stdout, table, kind, format, views.Options{Windows: windows, Last: opts.last})
}

func fetchParams(opts options, s config.Settings, now func() time.Time) (fetcher.Params, error) {
	tickers := config.SplitList(opts.tickers)
	if len(tickers) == 0 {
		tickers = s.DefaultTickers
	}
	start, err := views.ParseDate("start", opts.start)
	if err != nil {
		return fetcher.Params{}, err
	}
	end, err := views.ParseDate("end", opts.end)
	if err != nil {
		return fetcher.Params{}, err
	}
	switch {
	case opts.days < 0:
		return fetcher.Params{}, prices.Invalid("--days must be positive")
	case opts.days > 0 && start.IsZero():
		if end.IsZero() {
			end = now().UTC()
		}
		start = end.AddDate(0, 0, -opts.days)
	}
	return fetcher.Params{
		Tickers:  tickers,
		Start:    start,
		End:      end,
		Interval: opts.interval,
		Retries:  opts.retries,
		Backoff:  opts.backoff,
	}, nil
}
