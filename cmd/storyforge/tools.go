package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"storyforge/pkg/config"
	"storyforge/pkg/metrics"
)

const (
	secretsPasswordEnv = "STORYFORGE_SECRETS_PASSWORD"
	defaultSecretsDir  = ".storyforge"
	statsTimeout       = 15 * time.Second
)

//nolint:gochecknoglobals // one buffered reader so consecutive prompts share piped input
var stdinReader = bufio.NewReader(os.Stdin)

func runStats(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Metrics.PrometheusURL == "" {
		return errors.New("metrics.prometheus_url is not configured")
	}

	qs, err := metrics.NewQueryService(cfg.Metrics.PrometheusURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()

	stats, err := qs.GetProviderStats(ctx)
	if err != nil {
		return err
	}
	sideEffectFailures, err := qs.GetSideEffectFailures(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tSUCCESS\tFAILURE\tSKIPPED\tGENERATIONS\tFALLBACK\tFALLBACK RATE\tBREAKER")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%.1f%%\t%s\n",
			s.Provider, s.Successes, s.Failures, s.Skipped, s.Generations, s.FallbackWins,
			s.FallbackRate*100, breakerLabel(s.BreakerState))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nillustration trigger failures: %d\n", sideEffectFailures)
	return nil
}

func breakerLabel(state float64) string {
	switch state {
	case 0:
		return "CLOSED"
	case 1:
		return "OPEN"
	case 2:
		return "HALF_OPEN"
	default:
		return "-"
	}
}

func runSecrets(configPath string, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: storyforge secrets set NAME | secrets list")
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	dir := secretsDir(cfg)

	switch args[0] {
	case "set":
		if len(args) != 2 || strings.TrimSpace(args[1]) == "" {
			return errors.New("usage: storyforge secrets set NAME")
		}
		return setSecret(dir, args[1])
	case "list":
		password, err := readHidden("Secrets password: ")
		if err != nil {
			return err
		}
		if err := config.LoadSecretsFile(dir, password); err != nil {
			return err
		}
		names := config.GetDecryptedSecretNames()
		sort.Strings(names)
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	default:
		return fmt.Errorf("unknown secrets command %q", args[0])
	}
}

func setSecret(dir, name string) error {
	var password string
	var err error
	if config.SecretsFileExists(dir) {
		if password, err = readHidden("Secrets password: "); err != nil {
			return err
		}
		if err := config.LoadSecretsFile(dir, password); err != nil {
			return err
		}
	} else {
		if password, err = readHidden("New secrets password: "); err != nil {
			return err
		}
		confirm, err := readHidden("Confirm password: ")
		if err != nil {
			return err
		}
		if password != confirm {
			return errors.New("passwords do not match")
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create secrets dir: %w", err)
		}
	}

	value, err := readHidden(fmt.Sprintf("Value for %s: ", name))
	if err != nil {
		return err
	}
	if value == "" {
		return errors.New("empty value")
	}
	config.SetSecret(name, value)
	if err := config.SaveSecretsToFile(dir, password); err != nil {
		return err
	}
	fmt.Printf("%s saved to %s\n", name, dir)
	return nil
}

func secretsDir(cfg *config.Config) string {
	if cfg.SecretsDir != "" {
		return cfg.SecretsDir
	}
	return defaultSecretsDir
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// readHidden prompts on stderr and reads a line without echo. Piped input is read as-is.
func readHidden(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if !stdinIsTerminal() {
		line, err := stdinReader.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read input: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(b), nil
}
