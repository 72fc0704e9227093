package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"jobrelay/internal/app"
	"jobrelay/internal/job"
	logx "jobrelay/pkg/logx"
)

// Version is set at build time.
var Version = "dev"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "jobrelay",
	Short: "Relay job status updates from compute engines to connected users",
	Long: `jobrelay consumes job status messages from per-engine queues, persists
them, fans them out to every relay instance and pushes them to the users
subscribed to each job. It also polls submitted jobs and sends progress
notifications.

Run without a subcommand to serve.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay, poller and HTTP surface",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var (
	publishEngine string
	publishFile   string
)

var publishCmd = &cobra.Command{
	Use:   "publish [message]",
	Short: "Push a raw status message into an engine's ingestion queue",
	Long: `Push a raw status message into an engine's ingestion queue, as an engine
would. The message is taken from the argument, from --file, or from stdin.

Examples:
  jobrelay publish --engine sciml '{"id":"J1","loss":0.3,"iter":12}'
  jobrelay publish --engine pyciemss --file update.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPublish,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (json or yaml)")
	publishCmd.Flags().StringVarP(&publishEngine, "engine", "e", string(job.EngineGeneric), "engine kind: generic, sciml or pyciemss")
	publishCmd.Flags().StringVarP(&publishFile, "file", "f", "", "read the message from a file")

	rootCmd.AddCommand(serveCmd, publishCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stop()
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSIGTERM
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	stopCtx, stop := context.WithTimeout(context.Background(), 20*time.Second)
	defer stop()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	var body []byte
	var err error
	switch {
	case len(args) == 1:
		body = []byte(args[0])
	case publishFile != "":
		body, err = os.ReadFile(publishFile)
	default:
		body, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return fmt.Errorf("read message: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return errors.New("empty message")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	queue, err := app.Publish(ctx, cfgPath, job.EngineKind(publishEngine), body, logx.NewConsole("warn"))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %d bytes to %s\n", len(body), queue)
	return nil
}
