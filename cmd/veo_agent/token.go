package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/veo-automator/internal/config"
	"github.com/jonathan/veo-automator/internal/server"
	"github.com/jonathan/veo-automator/internal/server/middleware"
)

var (
	tokenSubject string
	tokenScope   string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an API bearer token",
	Long:  "Signs a token with JWT_SECRET for the serve API. Operators can start and stop batches; viewers can only read.",
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "cli", "Token subject")
	tokenCmd.Flags().StringVar(&tokenScope, "scope", middleware.ScopeOperator, "Token scope: operator or viewer")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadJWTConfig()
	if err != nil {
		return err
	}
	if cfg == nil {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	token, err := server.NewJWTService(cfg).GenerateToken(tokenSubject, tokenScope)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
