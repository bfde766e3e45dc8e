package main

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/yasumu/tanxium/internal/config"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "worker":
		return runWorkerNoun(args)
	case "script":
		return runScriptNoun(args)
	case "config":
		return runConfigNoun(args)

	case "start":
		return runSystemStart(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `tanxium - script runtime host for Yasumu

Usage:
  tanxium <noun> <action> [flags]

Commands:
  system start          Run the host: worker supervisor, bridge and HTTP API
  worker serve          Run a script worker over stdin/stdout (spawned by the host)
  script run <file>     Execute one exported function of a script file
  config check          Load and validate the configuration
  version               Print version information

Use "tanxium <noun> help" for details on a noun.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func runSystemNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		fmt.Fprintln(os.Stderr, "Usage: tanxium system start [--config PATH]")
		return boolToCode(len(args) > 0)
	}
	switch args[0] {
	case "start":
		return runSystemStart(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", args[0])
		return 1
	}
}

func runWorkerNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		fmt.Fprintln(os.Stderr, "Usage: tanxium worker serve [--codec json|cbor] [--heartbeat-interval D] [--execution-timeout D] [--scripts-dir DIR]")
		return boolToCode(len(args) > 0)
	}
	switch args[0] {
	case "serve":
		return runWorkerServe(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown worker action: %s\n", args[0])
		return 1
	}
}

func runScriptNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		fmt.Fprintln(os.Stderr, "Usage: tanxium script run <file> [--target NAME] [--context JSON] [--context-type rest|test]")
		return boolToCode(len(args) > 0)
	}
	switch args[0] {
	case "run":
		return runScriptRun(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown script action: %s\n", args[0])
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		fmt.Fprintln(os.Stderr, "Usage: tanxium config check [--config PATH] [--print]")
		return boolToCode(len(args) > 0)
	}
	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

// boolToCode maps an explicit help request to 0 and a missing action to 1.
func boolToCode(explicitHelp bool) int {
	if explicitHelp {
		return 0
	}
	return 1
}

// loadConfig loads path, or the discovered config when path is empty. With
// nothing to discover the defaults are used.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.Discover()
	}
	if path == "" {
		return config.Defaults(), nil
	}
	return config.Load(path)
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := pflag.NewFlagSet("version", pflag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("tanxium %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}
