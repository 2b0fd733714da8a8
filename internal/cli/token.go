package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vedran77/chatrelay/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign a development token with the relay's JWT secret",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		secret := viper.GetString("secret")
		if secret == "" {
			return errors.New("a signing secret is required (--secret or CHATCTL_SECRET)")
		}

		userID := uuid.New()
		if raw, _ := cmd.Flags().GetString("user"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			userID = id
		}
		name, _ := cmd.Flags().GetString("name")
		email, _ := cmd.Flags().GetString("email")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		token, err := auth.IssueToken(auth.Claims{UserID: userID, Name: name, Email: email}, secret, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("user", "", "user id (random when empty)")
	tokenCmd.Flags().String("name", "", "display name")
	tokenCmd.Flags().String("email", "", "email address")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().String("secret", "", "JWT signing secret")
	_ = viper.BindPFlag("secret", tokenCmd.Flags().Lookup("secret"))

	rootCmd.AddCommand(tokenCmd)
}
