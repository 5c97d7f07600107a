// telefilesd is the telefiles daemon: it runs the Telegram sessions, the
// automation engine and the JSON-RPC server.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli"

	"github.com/telefiles/telefiles/internal/daemon"
	"github.com/telefiles/telefiles/internal/telegram"
)

var (
	version = "0.1.0"
	commit  = "unknown"
)

func main() {
	app := cli.App{
		Name:      "telefilesd",
		HelpName:  "telefilesd",
		Usage:     "Telegram media automation daemon.",
		UsageText: "telefilesd <command> [arguments...]",
		Version:   version,
		Commands: []cli.Command{
			{
				Name:   "start",
				Usage:  "start the daemon",
				Action: start,
				Flags: []cli.Flag{
					cli.StringFlag{
						Name:  "config-dir, c",
						Usage: "directory for database, sessions and downloads",
					},
					cli.StringFlag{
						Name:  "db",
						Usage: "override the database path",
					},
					cli.StringFlag{
						Name:  "socket",
						Usage: "override the RPC unix socket path",
					},
					cli.StringFlag{
						Name:  "listen",
						Usage: "TCP address for the RPC server (fallback to socket when empty)",
					},
					cli.StringFlag{
						Name:   "secret",
						Usage:  "bearer token protecting the RPC endpoints",
						EnvVar: "TELEFILES_SECRET",
					},
					cli.StringFlag{
						Name:  "env-file, e",
						Usage: "load environment variables from this file",
					},
					cli.BoolFlag{
						Name:  "verbose, v",
						Usage: "enable debug logging",
					},
					cli.DurationFlag{
						Name:  "shutdown-timeout",
						Usage: "maximum time to wait for graceful shutdown",
						Value: 30 * time.Second,
					},
				},
			},
			{
				Name:   "version",
				Usage:  "print version information",
				Action: printVersion,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "telefilesd: %s\n", err.Error())
		os.Exit(1)
	}
}

func printVersion(ctx *cli.Context) error {
	fmt.Printf("%s %s (%s_%s)\nCommit: %s\n",
		ctx.App.Name, ctx.App.Version, runtime.GOOS, runtime.GOARCH, commit)
	return nil
}

func start(c *cli.Context) error {
	if envFile := c.String("env-file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	} else {
		// Best effort: a .env next to the binary is common in deployments.
		_ = godotenv.Load()
	}

	accounts, err := accountsFromEnv()
	if err != nil {
		return err
	}

	r := daemon.New(daemon.Config{
		ConfigDir:       c.String("config-dir"),
		DBPath:          c.String("db"),
		SocketPath:      c.String("socket"),
		Addr:            c.String("listen"),
		Secret:          c.String("secret"),
		Accounts:        accounts,
		AuthInput:       terminalInput{},
		Version:         version,
		Commit:          commit,
		Verbose:         c.Bool("verbose"),
		ShutdownTimeout: c.Duration("shutdown-timeout"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return r.Start(ctx)
}

// accountsFromEnv reads the Telegram account list from the environment:
// TELEFILES_APP_ID and TELEFILES_APP_HASH are the API credentials,
// TELEFILES_ACCOUNTS a comma-separated list of account ids.
func accountsFromEnv() ([]telegram.AccountConfig, error) {
	rawIDs := strings.TrimSpace(os.Getenv("TELEFILES_ACCOUNTS"))
	if rawIDs == "" {
		return nil, nil
	}
	appID, err := strconv.Atoi(os.Getenv("TELEFILES_APP_ID"))
	if err != nil {
		return nil, fmt.Errorf("TELEFILES_APP_ID must be a number: %w", err)
	}
	appHash := os.Getenv("TELEFILES_APP_HASH")
	if appHash == "" {
		return nil, fmt.Errorf("TELEFILES_APP_HASH is required when accounts are configured")
	}

	var accounts []telegram.AccountConfig
	for _, part := range strings.Split(rawIDs, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid account id %q: %w", part, err)
		}
		accounts = append(accounts, telegram.AccountConfig{
			ID:      id,
			AppID:   appID,
			AppHash: appHash,
		})
	}
	return accounts, nil
}

// terminalInput answers interactive auth prompts from stdin. The phone
// number may come from TELEFILES_PHONE to keep first-run scripts hands-off.
type terminalInput struct{}

func (terminalInput) GetPhoneNumber() (string, error) {
	if phone := os.Getenv("TELEFILES_PHONE"); phone != "" {
		return phone, nil
	}
	return prompt("Phone number: ")
}

func (terminalInput) GetCode() (string, error) {
	return prompt("Login code: ")
}

func (terminalInput) GetPassword() (string, error) {
	return prompt("2FA password: ")
}

func prompt(label string) (string, error) {
	fmt.Print(label)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
