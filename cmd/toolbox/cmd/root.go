// Package cmd provides CLI commands for toolbox.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	log       *logrus.Logger
)

func init() {
	log = logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

var rootCmd = &cobra.Command{
	Use:   "toolbox",
	Short: "Run security and developer tools in on-demand container sandboxes",
	Long: `toolbox launches tool servers in containers when they are first needed,
talks to them over stdio, and stops them again once they sit idle.

Long-lived service sandboxes (such as a VPN) keep running until stopped and
can share their network with the tools launched next to them.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(strings.ToLower(logLevel))
		if err != nil {
			return err
		}
		log.SetLevel(level)

		switch logFormat {
		case "text":
		case "json":
			log.SetFormatter(&logrus.JSONFormatter{})
		default:
			return fmt.Errorf("unknown log format %q", logFormat)
		}
		return nil
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: TOOLBOX_CONFIG env var or toolbox.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text",
		"log format (text, json)")
}
