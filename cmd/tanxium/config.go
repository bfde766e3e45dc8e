package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

func runConfigCheck(args []string) int {
	fs := pflag.NewFlagSet("config check", pflag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	printCfg := fs.Bool("print", false, "Print the effective configuration as YAML")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}

	source := cfg.SourcePath
	if source == "" {
		source = "(defaults)"
	}
	fmt.Printf("Configuration OK: %s\n", source)

	if *printCfg {
		if cfg.API.Auth.APIKey != "" {
			cfg.API.Auth.APIKey = "********"
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render configuration: %v\n", err)
			return 1
		}
		fmt.Print(string(out))
	}
	return 0
}
