package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rpucella.net/vhd-sync/internal/config"
	"rpucella.net/vhd-sync/internal/metrics"
)

// verboseLogKey enables debug logging when set to "true".
const verboseLogKey = "VHD_LOG_VERBOSE"

type globals struct {
	account string
	verbose bool
	cfg     config.Config
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "vhd",
		Short:         "Mirror a cloud storage bucket into a local folder",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.setup()
		},
	}
	root.PersistentFlags().StringVarP(&g.account, "account", "a", "", "account to use (default: the only configured one)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log debug output")

	root.AddCommand(
		newLsCommand(g),
		newTreeCommand(g),
		newInfoCommand(g),
		newGetCommand(g),
		newPutCommand(g),
		newMkdirCommand(g),
		newRmCommand(g),
		newMvCommand(g),
		newCpCommand(g),
		newDfCommand(g),
		newWatchCommand(g),
		newAccountCommand(g),
		newShellCommand(g),
	)
	return root
}

func (g *globals) setup() error {
	cfg, err := config.Parse()
	if err != nil {
		return err
	}
	g.cfg = cfg

	level, err := cfg.Level()
	if err != nil {
		return err
	}
	if g.verbose || os.Getenv(verboseLogKey) == "true" {
		level = log.DebugLevel
	}
	log.SetLevel(level)

	if cfg.MetricsAddr != "" {
		go func() {
			log.WithField("addr", cfg.MetricsAddr).Debug("Serving metrics")
			if err := http.ListenAndServe(cfg.MetricsAddr, metrics.Handler()); err != nil {
				log.WithError(err).Warn("Metrics server stopped")
			}
		}()
	}
	return nil
}
