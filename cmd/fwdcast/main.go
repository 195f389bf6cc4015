// Command fwdcast shares a local directory through a public relay for a
// limited time.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fwdcast/fwdcast/agent"
	"github.com/fwdcast/fwdcast/internal/logging"
	"github.com/fwdcast/fwdcast/internal/version"
	"github.com/fwdcast/fwdcast/share"
)

var (
	buildVersion = "dev"
	commit       = "unknown"
	date         = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "fwdcast [dir]",
		Short:   "Share a local directory through a public relay, temporarily",
		Args:    cobra.MaximumNArgs(1),
		Version: version.String(buildVersion, commit, date),
		RunE:    run,
	}

	f := rootCmd.Flags()
	f.String("relay", "ws://localhost:8080/ws", "relay registration endpoint")
	f.String("dir", ".", "directory to share (also first positional arg)")
	f.Duration("duration", agent.DefaultDuration, "share lifetime, between 1m and 120m")
	f.String("password", "", "require this password from viewers")
	f.StringSlice("exclude", nil, "glob patterns to hide, repeatable")
	f.Int("retries", 10, "relay connection attempts before giving up")
	f.Duration("retry-delay", 500*time.Millisecond, "pause between connection attempts")
	f.Int64("max-file-bytes", 0, "largest file to serve, 0 for no limit")
	f.String("log-level", "warn", "log level: trace, debug, info, warn, error")

	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("relay", "relay")
	bindFlag("dir", "dir")
	bindFlag("duration", "duration")
	bindFlag("password", "password")
	bindFlag("exclude", "exclude")
	bindFlag("retries", "retries")
	bindFlag("retry_delay", "retry-delay")
	bindFlag("max_file_bytes", "max-file-bytes")
	bindFlag("log_level", "log-level")

	viper.SetEnvPrefix("FWDCAST")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// consoleObserver prints share lifecycle events for a human at a terminal.
type consoleObserver struct{}

func (consoleObserver) URL(sessionID, url string) {
	fmt.Printf("Sharing at %s (session %s)\n", url, sessionID)
	fmt.Println("Press Ctrl-C to stop sharing early.")
}

func (consoleObserver) Stats(s agent.TransferStats) {
	fmt.Printf("\rServed %d requests, %s sent", s.Requests, formatBytes(s.BytesSent))
}

func (consoleObserver) Expired() {
	fmt.Println("\nShare expired.")
}

func (consoleObserver) Disconnect(err error) {
	fmt.Printf("\nDisconnected from relay: %v\n", err)
}

func (consoleObserver) Error(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logging.Configure(logging.Config{
		Level:   viper.GetString("log_level"),
		Output:  os.Stderr,
		Service: "fwdcast",
	})

	root := viper.GetString("dir")
	if len(args) == 1 {
		root = args[0]
	}
	dir, err := share.Open(root, viper.GetStringSlice("exclude"))
	if err != nil {
		return err
	}

	a, err := agent.New(agent.Config{
		RelayURL:     viper.GetString("relay"),
		Dir:          dir,
		Duration:     viper.GetDuration("duration"),
		Password:     viper.GetString("password"),
		MaxRetries:   viper.GetInt("retries"),
		RetryDelay:   viper.GetDuration("retry_delay"),
		MaxFileBytes: viper.GetInt64("max_file_bytes"),
		Observer:     consoleObserver{},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	if ctx.Err() != nil {
		fmt.Println("\nStopped sharing.")
	}
	return nil
}
