package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/client"
	"github.com/itchio/headway/state"
	"github.com/pkg/errors"
)

var (
	configPath = ""
	verbose    = false
	jsonout    = false
)

func help(cmd *cobra.Command, _ []string) {
	if err := cmd.Help(); err != nil {
		log.WithField("error", err).Fatal("help")
	}
}

// newConsumer sends library messages to logrus
func newConsumer(fields log.Fields) *state.Consumer {
	entry := log.WithFields(fields)
	return &state.Consumer{
		OnMessage: func(level string, message string) {
			switch level {
			case "debug":
				entry.Debug(message)
			case "warning":
				entry.Warn(message)
			case "error":
				entry.Error(message)
			default:
				entry.Info(message)
			}
		},
		OnProgressLabel: func(label string) {
			entry.Debug(label)
		},
	}
}

func loadConfig() *cloudlet.Config {
	if configPath == "" {
		return cloudlet.DefaultConfig()
	}

	config, err := cloudlet.LoadConfig(configPath)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
			"path":  configPath,
			"func":  "cloudlet.LoadConfig",
		}).Fatal("invalid configuration")
	}
	return config
}

// fail prints the error class and cause, then exits
func fail(err error) {
	log.WithField("error", fmt.Sprintf("%+v", err)).Debug("failure details")
	fmt.Fprintln(os.Stderr, describe(err))
	os.Exit(1)
}

// describe returns "<kind>: <cause>". Failures reported by a cloudlet
// already carry their kind, and are printed as received.
func describe(err error) string {
	var remote *client.RemoteError
	if errors.As(err, &remote) {
		return fmt.Sprintf("%s: %s", remote.Kind, remote.Reason)
	}
	return fmt.Sprintf("%s: %v", cloudlet.KindOf(err), err)
}

func setupLogging() {
	log.SetOutput(os.Stderr)
	if jsonout {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if verbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

func main() {
	root := &cobra.Command{
		Use:  "cloudlet",
		Long: "cloudlet builds VM overlays against a base VM, and synthesizes VMs from them on demand.",
		Run:  help,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "yaml configuration file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", verbose, "log debug messages")
	root.PersistentFlags().BoolVarP(&jsonout, "json", "j", jsonout, "log in json")

	root.AddCommand(baseCommand())
	root.AddCommand(overlayCommand())
	root.AddCommand(serveCommand())
	root.AddCommand(sessionsCommand())
	root.AddCommand(synthesizeCommand())

	if err := root.Execute(); err != nil {
		log.WithField("error", err).Fatal("failed to execute root command")
	}
}
