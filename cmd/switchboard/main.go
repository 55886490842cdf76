// Command switchboard runs the multi-agent voice gateway.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vango-go/vai-switchboard/pkg/gateway/config"
)

type appDeps struct {
	loadConfig   func() (config.Config, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func newRootCmd(stderr io.Writer, deps appDeps) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "switchboard",
		Short:         "Multi-agent realtime voice gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetErr(stderr)

	rootCmd.AddCommand(
		newServeCmd(stderr, deps),
		newAgentsCmd(deps),
		newConsoleCmd(stderr, deps),
	)
	return rootCmd
}

// newLogger honours the configured level; config errors fall back to info so
// they can still be reported.
func newLogger(stderr io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
}

// loadDotEnv reads .env without overriding variables already set. A missing
// file is not an error.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps appDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "switchboard: %v\n", err)
		return 1
	}

	cmd := newRootCmd(stderr, deps)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "switchboard: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultAppDeps()))
}
