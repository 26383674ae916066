package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petal-labs/reelflow/auth"
)

// NewTokenCmd creates the "token" subcommand, which mints bearer tokens for
// operators and observers.
func NewTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API token",
		Args:  cobra.NoArgs,
		RunE:  runToken,
	}
	addConfigFlags(cmd)
	cmd.Flags().String("subject", "", "Token subject, usually the operator's name (required)")
	cmd.Flags().String("role", auth.RoleOperator, "Role: operator or observer")
	cmd.Flags().Duration("ttl", 0, "Token lifetime (default: auth.token_ttl)")
	return cmd
}

func runToken(cmd *cobra.Command, _ []string) error {
	subject, _ := cmd.Flags().GetString("subject")
	role, _ := cmd.Flags().GetString("role")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	if subject == "" {
		return exitError(exitInput, "--subject is required")
	}
	if role != auth.RoleOperator && role != auth.RoleObserver {
		return exitError(exitInput, "unknown role %q (want %s or %s)", role, auth.RoleOperator, auth.RoleObserver)
	}

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	verifier := auth.NewVerifier(auth.Config{
		Secret: cfg.Auth.JWTSecret,
		Issuer: cfg.Auth.Issuer,
		TTL:    cfg.Auth.TokenTTL,
	})
	if !verifier.Enabled() {
		return exitError(exitConfig, "auth.jwt_secret is not set")
	}

	token, err := verifier.Issue(subject, role, ttl)
	if err != nil {
		return exitError(exitRuntime, "issuing token: %v", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
