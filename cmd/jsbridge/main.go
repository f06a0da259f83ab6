// Command jsbridge evaluates JavaScript files and expressions in a jsbridge context.
//
//	jsbridge [flags] [file ...]
//	jsbridge -e '1 + 1'
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/buke/jsbridge"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	cfg := jsbridge.LoadConfigOrDefault()

	flags := pflag.NewFlagSet("jsbridge", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.SetOutput(stderr)
	evals := flags.StringArrayP("eval", "e", nil, "evaluate an expression (repeatable)")
	timeout := flags.DurationP("timeout", "t", cfg.Timeout, "bound every evaluation; 0 disables the watchdog")
	hooks := flags.Bool("hooks", cfg.Hooks, "log every operation on exposed objects")
	toolkit := flags.String("toolkit", orDefault(cfg.Toolkit, "bridge"), "global name of the toolkit object; empty disables it")
	origin := flags.String("origin", cfg.Origin, "origin of the context")
	metricsAddr := flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	logLevel := flags.String("log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	logDev := flags.Bool("log-dev", cfg.LogDevelopment, "human readable log output")
	if err := flags.Parse(args); err != nil {
		return err
	}

	logger, err := jsbridge.NewLogger(*logLevel, *logDev)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", *logLevel, err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg.Timeout = *timeout
	cfg.Hooks = *hooks
	cfg.Toolkit = *toolkit
	cfg.Origin = *origin

	reg := prometheus.NewRegistry()
	opts := []jsbridge.RuntimeOption{
		jsbridge.WithConfig(cfg),
		jsbridge.WithLogger(logger),
		jsbridge.WithMetrics(reg),
		jsbridge.WithNameResolver(jsbridge.TableResolver()),
	}
	if *hooks {
		opts = append(opts, jsbridge.WithHook(&jsbridge.LogHook{Logger: logger}))
	}
	rt := jsbridge.NewRuntime(opts...)
	defer rt.Close()

	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
		logger.Info("serving metrics", zap.String("addr", *metricsAddr))
	}

	ctx, err := rt.NewContext(nil, jsbridge.WithTag("Top"))
	if err != nil {
		return err
	}
	defer ctx.Close()

	for _, path := range flags.Args() {
		if _, err := ctx.EvalFile(path); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	for _, code := range *evals {
		v, err := ctx.Eval(code, jsbridge.EvalFileName("<eval>"), jsbridge.EvalAwait(true))
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, v.String())
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
