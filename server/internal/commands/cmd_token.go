package commands

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/relaycast/relaycast/pkg/types"
	"github.com/relaycast/relaycast/server/internal/auth"
	"github.com/relaycast/relaycast/server/internal/config"
)

type TokenCmd struct {
	flags *Flags

	identity  string
	ttl       time.Duration
	secretEnv string
	dbPath    string
}

// NewTokenCmd creates a new token command.
func NewTokenCmd(flags *Flags) *TokenCmd {
	return &TokenCmd{flags: flags}
}

// Register adds the token command to the application.
func (cmd *TokenCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "token",
		Usage: "Create and manage client credentials",
		Description: `Client credentials are presented once, at the websocket handshake.

Sealed tokens are encrypted with the relay's session secret and need no
server-side state; set them as the session cookie your web app issues.
Issued tokens are random strings stored in the relay's token database and
can be revoked.`,
		Commands: []*cli.Command{
			cmd.mintCmd(),
			cmd.issueCmd(),
			cmd.revokeCmd(),
			cmd.listCmd(),
		},
	})

	return app
}

func (cmd *TokenCmd) identityFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "identity",
		Aliases:     []string{"i"},
		Usage:       "identity the token resolves to",
		Required:    true,
		Destination: &cmd.identity,
	}
}

func (cmd *TokenCmd) dbFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "db",
		Usage:       "path to the relay's token database (handshake.token_db)",
		Sources:     cli.EnvVars("RELAY_TOKEN_DB"),
		Required:    true,
		Destination: &cmd.dbPath,
	}
}

func (cmd *TokenCmd) mintCmd() *cli.Command {
	return &cli.Command{
		Name:      "mint",
		Usage:     "Mint a sealed session token",
		UsageText: "relayctl token mint --identity <id> [--ttl 24h]",
		Flags: []cli.Flag{
			cmd.identityFlag(),
			&cli.DurationFlag{
				Name:        "ttl",
				Usage:       "token lifetime; 0 never expires",
				Value:       24 * time.Hour,
				Destination: &cmd.ttl,
			},
			&cli.StringFlag{
				Name:        "secret-env",
				Usage:       "environment variable holding the hex session secret",
				Value:       DefaultSecretEnv,
				Destination: &cmd.secretEnv,
			},
		},
		Action: cmd.runMint,
	}
}

func (cmd *TokenCmd) runMint(ctx context.Context, c *cli.Command) error {
	secret, err := config.HandshakeConfig{SecretEnv: cmd.secretEnv}.Secret()
	if err != nil {
		return err
	}
	if secret == nil {
		return fmt.Errorf("%s is not set", cmd.secretEnv)
	}
	sealed, err := auth.NewSealedTokens(secret)
	if err != nil {
		return err
	}
	token, err := sealed.Mint(types.Identity(cmd.identity), cmd.ttl)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.Root().Writer, token)
	return nil
}

func (cmd *TokenCmd) issueCmd() *cli.Command {
	return &cli.Command{
		Name:      "issue",
		Usage:     "Issue a revocable token",
		UsageText: "relayctl token issue --db <path> --identity <id> [--ttl 0]",
		Flags: []cli.Flag{
			cmd.dbFlag(),
			cmd.identityFlag(),
			&cli.DurationFlag{
				Name:        "ttl",
				Usage:       "token lifetime; 0 never expires",
				Destination: &cmd.ttl,
			},
		},
		Action: cmd.runIssue,
	}
}

func (cmd *TokenCmd) runIssue(ctx context.Context, c *cli.Command) error {
	store, err := auth.OpenTokenStore(cmd.dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	token, err := store.Issue(types.Identity(cmd.identity), cmd.ttl)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.Root().Writer, token)
	return nil
}

func (cmd *TokenCmd) revokeCmd() *cli.Command {
	return &cli.Command{
		Name:      "revoke",
		Usage:     "Revoke an issued token",
		UsageText: "relayctl token revoke --db <path> <token>",
		Flags:     []cli.Flag{cmd.dbFlag()},
		Action:    cmd.runRevoke,
	}
}

func (cmd *TokenCmd) runRevoke(ctx context.Context, c *cli.Command) error {
	token := c.Args().First()
	if token == "" {
		return errors.New("token argument is required")
	}
	store, err := auth.OpenTokenStore(cmd.dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Revoke(token); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.Root().Writer, "revoked")
	return nil
}

func (cmd *TokenCmd) listCmd() *cli.Command {
	return &cli.Command{
		Name:      "ls",
		Usage:     "List issued tokens",
		UsageText: "relayctl token ls --db <path>",
		Flags:     []cli.Flag{cmd.dbFlag()},
		Action:    cmd.runList,
	}
}

func (cmd *TokenCmd) runList(ctx context.Context, c *cli.Command) error {
	store, err := auth.OpenTokenStore(cmd.dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	tokens, err := store.List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.Root().Writer, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TOKEN\tIDENTITY\tISSUED\tEXPIRES")
	for _, t := range tokens {
		expires := "never"
		if !t.ExpiresAt.IsZero() {
			expires = t.ExpiresAt.UTC().Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			t.Token, t.Identity, t.IssuedAt.UTC().Format(time.RFC3339), expires)
	}
	return w.Flush()
}
