package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/iliyamo/agent-gateway/internal/utils"
)

func newTokenCmd() *cobra.Command {
	var (
		secret string
		issuer string
		client string
		scopes []string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a service token for an upstream caller",
		Example: `  gatewayctl token --client sms-frontend --scopes execute
  gatewayctl token --client web --scopes credentials,sessions,audit --ttl 720h`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				secret = os.Getenv("JWT_SECRET")
			}
			if issuer == "" {
				issuer = os.Getenv("JWT_ISSUER")
			}
			if secret == "" {
				return errors.New("signing secret required: pass --secret or set JWT_SECRET")
			}
			for _, s := range scopes {
				if !knownScope(s) {
					return fmt.Errorf("unknown scope %q", s)
				}
			}
			tok, err := utils.NewServiceToken(secret, issuer, client, scopes, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.Token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", tok.Exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HS256 signing secret (default $JWT_SECRET)")
	cmd.Flags().StringVar(&issuer, "issuer", "", "iss claim (default $JWT_ISSUER)")
	cmd.Flags().StringVar(&client, "client", "", "client id placed in the sub claim")
	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{utils.ScopeExecute}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func knownScope(s string) bool {
	switch s {
	case utils.ScopeExecute, utils.ScopeCredentials, utils.ScopeSessions, utils.ScopeAudit:
		return true
	}
	return false
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a base64 ENCRYPTION_KEY for credential sealing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := utils.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), k)
			return nil
		},
	}
}
