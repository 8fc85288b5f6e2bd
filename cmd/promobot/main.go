package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"promobot/internal/app"
	"promobot/internal/config"
	"promobot/internal/task/scheduler"
	logx "promobot/pkg/logx"
)

var (
	cfgPath string
	envFile string
)

func main() {
	root := &cobra.Command{
		Use:           "promobot",
		Short:         "Campaign scheduling and bulk message dispatch",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return config.LoadDotEnv(envFile)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (json or yaml)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional KEY=VALUE file loaded before PROMOBOT_* variables are read")

	root.AddCommand(runCmd(), validateCmd(), cronCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler, dispatcher and ops server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

			reason := app.StopSIGTERM
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

			sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
			defer scancel()
			stopErr := a.Stop(sctx, reason)
			return errors.Join(a.Err(), stopErr)
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate the config without starting anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m := config.NewManager(cfgPath, logx.Nop())
			cfg, err := m.Parse()
			if err != nil {
				return err
			}
			if _, err := app.Resolve(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", cfgPath)
			return nil
		},
	}
}

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect schedule expressions",
	}
	var (
		count int
		tz    string
	)
	next := &cobra.Command{
		Use:   "next <spec>",
		Short: "Print the next fire times of a schedule spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := cronLocation(tz)
			if err != nil {
				return err
			}
			runs, err := scheduler.NextRuns(args[0], time.Now(), loc, count)
			if err != nil {
				return err
			}
			for _, t := range runs {
				fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC3339))
			}
			return nil
		},
	}
	next.Flags().IntVarP(&count, "count", "n", 5, "number of fire times")
	next.Flags().StringVar(&tz, "tz", "", "IANA timezone (default: scheduler.timezone from the config, then local)")
	cmd.AddCommand(next)
	return cmd
}

// cronLocation prefers the flag, then the configured scheduler zone.
func cronLocation(tz string) (*time.Location, error) {
	if tz == "" {
		if cfg, err := config.NewManager(cfgPath, logx.Nop()).Parse(); err == nil {
			tz = cfg.Scheduler.Timezone
		}
	}
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}
