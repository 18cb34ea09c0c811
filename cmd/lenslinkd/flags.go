package main

import (
	"flag"
)

// cliFlags holds parsed command-line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	validate    bool
	showVersion bool
}

func parseFlags() *cliFlags {
	flags := &cliFlags{}

	flag.StringVar(&flags.configPath, "config", "", "Path to YAML config (empty = defaults + env)")
	flag.StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&flags.logFormat, "log-format", "json", "Log format (json, text)")
	flag.BoolVar(&flags.validate, "validate", false, "Validate configuration and exit")
	flag.BoolVar(&flags.showVersion, "version", false, "Show version information")
	flag.Parse()

	return flags
}
