package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	// Portal backends register themselves.
	_ "github.com/agentworkforce/adcsync/internal/adcapi"
	_ "github.com/agentworkforce/adcsync/internal/adcweb"
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		log.WithError(err).Error("adcsync failed")
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCommand(out io.Writer) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "adcsync",
		Short: "Keep the ADC portal in step with local sensor and lab data",
		// Execute's caller reports the error.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return configureLogging(flags.logLevel, flags.logFormat)
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default ~/.adcsync.yaml)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", envOrDefault("ADCSYNC_LOG_LEVEL", "info"), "log level")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", envOrDefault("ADCSYNC_LOG_FORMAT", "text"), "log format: text or json")

	root.AddCommand(
		newRunCommand(flags),
		newPutCommand(flags),
		newCheckCommand(flags),
	)
	return root
}

func configureLogging(level, format string) error {
	parsed, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return err
	}
	log.SetLevel(parsed)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
