// Command storyforge serves chapter generation over HTTP and provides operator tooling.
package main

import (
	"flag"
	"fmt"
	"os"

	"storyforge/pkg/logx"
	"storyforge/pkg/version"
)

const usage = `usage: storyforge [-config path] <command> [args]

commands:
  serve                 run the HTTP API
  stats                 print per-provider attempt and fallback totals from Prometheus
  secrets set NAME      store NAME in the encrypted secrets file
  secrets list          list the names in the encrypted secrets file
  version               print build information
`

func main() {
	configPath := flag.String("config", "", "Path to a JSON or YAML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	os.Exit(run(*configPath, flag.Args()))
}

// run dispatches a subcommand and returns the process exit code.
func run(configPath string, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	var err error
	switch args[0] {
	case "serve":
		err = runServe(configPath)
	case "stats":
		err = runStats(configPath)
	case "secrets":
		err = runSecrets(configPath, args[1:])
	case "version":
		fmt.Println(version.String())
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}

	if err != nil {
		logx.NewLogger("storyforge").Error("%s failed: %v", args[0], err)
		return 1
	}
	return 0
}
