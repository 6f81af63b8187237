package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"clusterkit/internal/app"
	"clusterkit/internal/config"
	"clusterkit/internal/trigger"
)

const (
	shutdownTimeout = 10 * time.Second
	opTimeout       = 30 * time.Second
)

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", defaultConfigPath, "path to the config file (.yaml, .yml or .json)")
	return fs, path
}

// withApp builds the app, runs fn and stops it again. Nothing is started,
// so only the store is touched.
func withApp(path string, stderr io.Writer, fn func(ctx context.Context, a *app.App) int) int {
	a, err := app.New(path)
	if err != nil {
		fmt.Fprintf(stderr, "load: %v\n", err)
		return exitRuntimeError
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	code := fn(ctx, a)

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	_ = a.Stop(sctx, app.StopAppStop)
	return code
}

func runServe(args []string, _, stderr io.Writer) int {
	fs, path := newFlagSet("serve", stderr)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.New(*path)
	if err != nil {
		fmt.Fprintf(stderr, "fatal: %v\n", err)
		return exitRuntimeError
	}
	if err := a.Start(context.Background()); err != nil {
		fmt.Fprintf(stderr, "fatal start: %v\n", err)
		return exitRuntimeError
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.Logger().Debug("sd_notify ready failed")
	}

	reason := app.StopAppStop
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = a.Stop(sctx, reason)
	if reason == app.StopFatalError {
		fmt.Fprintf(stderr, "fatal: %v\n", a.Err())
		return exitRuntimeError
	}
	return exitSuccess
}

func runValidate(args []string, stdout, stderr io.Writer) int {
	fs, path := newFlagSet("validate", stderr)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	cfg, err := config.NewConfigManager(*path).Load()
	if err != nil {
		fmt.Fprintf(stderr, "invalid config %s: %v\n", *path, err)
		return exitRuntimeError
	}
	driver := cfg.Store.Driver
	if driver == "" {
		driver = "memory"
	}
	fmt.Fprintf(stdout, "config ok: store=%s scheduler.enabled=%t tasks=%d\n", driver, cfg.Scheduler.Enabled, len(cfg.Tasks))
	return exitSuccess
}

func runSchedule(args []string, stdout, stderr io.Writer) int {
	fs, path := newFlagSet("schedule", stderr)
	name := fs.String("name", "", "task name (required)")
	every := fs.Duration("every", 0, "period between firings; 0 fires once")
	first := fs.String("first", "", "first due instant in RFC3339 (default now)")
	bean := fs.String("bean", app.BeanLog, "bean to run")
	arg := fs.String("arg", "", "JSON argument passed to the bean")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if strings.TrimSpace(*name) == "" {
		fmt.Fprintln(stderr, "schedule: -name is required")
		return exitUsage
	}
	if *every < 0 {
		fmt.Fprintln(stderr, "schedule: -every must be >= 0")
		return exitUsage
	}
	var firstAt time.Time
	if *first != "" {
		t, err := time.Parse(time.RFC3339, *first)
		if err != nil {
			fmt.Fprintf(stderr, "schedule: -first: %v\n", err)
			return exitUsage
		}
		firstAt = t
	}
	var payload any
	if *arg != "" {
		if !json.Valid([]byte(*arg)) {
			fmt.Fprintln(stderr, "schedule: -arg must be valid JSON")
			return exitUsage
		}
		payload = json.RawMessage(*arg)
	}

	return withApp(*path, stderr, func(ctx context.Context, a *app.App) int {
		err := a.Scheduler().ScheduleDynamic(ctx, *name, *every, firstAt, *bean, payload)
		switch {
		case errors.Is(err, trigger.ErrDuplicatedTask):
			fmt.Fprintf(stderr, "schedule: task %q already exists\n", *name)
			return exitDuplicate
		case err != nil:
			fmt.Fprintf(stderr, "schedule: %v\n", err)
			return exitRuntimeError
		}
		fmt.Fprintf(stdout, "scheduled %s every=%s bean=%s\n", *name, *every, *bean)
		return exitSuccess
	})
}

func runCancel(args []string, stdout, stderr io.Writer) int {
	fs, path := newFlagSet("cancel", stderr)
	name := fs.String("name", "", "task name (required)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if strings.TrimSpace(*name) == "" {
		fmt.Fprintln(stderr, "cancel: -name is required")
		return exitUsage
	}
	return withApp(*path, stderr, func(ctx context.Context, a *app.App) int {
		if err := a.Scheduler().CancelDynamic(ctx, *name); err != nil {
			fmt.Fprintf(stderr, "cancel: %v\n", err)
			return exitRuntimeError
		}
		fmt.Fprintf(stdout, "cancelled %s\n", *name)
		return exitSuccess
	})
}

func runList(args []string, stdout, stderr io.Writer) int {
	fs, path := newFlagSet("list", stderr)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	return withApp(*path, stderr, func(ctx context.Context, a *app.App) int {
		names, err := a.Factory().AllDynamic(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "list: %v\n", err)
			return exitRuntimeError
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tBEAN\tPERIOD\tLAST SCHEDULED\tLAST COMPLETED")
		for _, n := range names {
			tc, err := a.Factory().Get(n, true).Get(ctx)
			if err != nil {
				fmt.Fprintf(stderr, "list: %v\n", err)
				return exitRuntimeError
			}
			if tc == nil {
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", n, tc.Bean, tc.Period, formatInstant(tc.LastScheduled), formatInstant(tc.LastCompletion))
		}
		_ = tw.Flush()
		return exitSuccess
	})
}

func formatInstant(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
