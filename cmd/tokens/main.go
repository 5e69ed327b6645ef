// Command darkroom-tokens issues, lists and revokes device tokens
package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/lgulliver/darkroom/internal/auth"
	"github.com/lgulliver/darkroom/internal/common"
	"github.com/lgulliver/darkroom/pkg/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// backend opens the token service and returns a func releasing its resources
type backend func(cfg *config.Config) (*auth.Service, func(), error)

func main() {
	if err := newRootCommand(os.Stdout, openBackend).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openBackend(cfg *config.Config) (*auth.Service, func(), error) {
	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, nil, err
	}

	var (
		cache       *common.Cache
		invalidator auth.Invalidator
	)
	if cfg.Redis.Enabled() {
		if cache, err = common.NewCache(&cfg.Redis); err != nil {
			log.Warn().Err(err).Msg("Redis unavailable; revoked tokens stay cached until they expire")
			cache = nil
		} else {
			invalidator = cache
		}
	}

	release := func() {
		if cache != nil {
			cache.Close()
		}
		db.Close()
	}
	return auth.NewService(db, invalidator), release, nil
}

func newRootCommand(out io.Writer, open backend) *cobra.Command {
	var (
		service *auth.Service
		release func()
	)

	rootCmd := &cobra.Command{
		Use:           "darkroom-tokens",
		Short:         "Administer device tokens accepted by the upload gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadFromEnv()
			cfg.Logging.SetupLogging()

			var err error
			service, release, err = open(cfg)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if release != nil {
				release()
			}
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)

	var issue auth.IssueRequest
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a device token; the value is printed once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, value, err := service.IssueDeviceToken(cmd.Context(), issue)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Issued device token %s for %s\n", token.ID, token.UserID)
			fmt.Fprintln(out, value)
			return nil
		},
	}
	issueCmd.Flags().StringVar(&issue.UserID, "user", "", "Owner of the token")
	issueCmd.Flags().StringVar(&issue.Role, "role", "photographer", "Role granted to the device")
	issueCmd.Flags().StringVar(&issue.Label, "label", "", "Device label")
	issueCmd.Flags().DurationVar(&issue.TTL, "ttl", 0, "Token lifetime (0 never expires)")

	var listUser string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's device tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := service.ListDeviceTokens(cmd.Context(), listUser)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tROLE\tEXPIRES\tSTATUS")
			for _, token := range tokens {
				expires := "never"
				if token.ExpiresAt != nil {
					expires = token.ExpiresAt.Format(time.RFC3339)
				}
				status := "active"
				if !token.Usable(time.Now()) {
					status = "inactive"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", token.ID, token.Label, token.Role, expires, status)
			}
			return w.Flush()
		},
	}
	listCmd.Flags().StringVar(&listUser, "user", "", "Owner of the tokens")

	var revokeUser string
	revokeCmd := &cobra.Command{
		Use:   "revoke <token-id>",
		Short: "Revoke a device token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid token id %q", args[0])
			}
			if err := service.RevokeDeviceToken(cmd.Context(), id, revokeUser); err != nil {
				return err
			}
			fmt.Fprintf(out, "Revoked device token %s\n", id)
			return nil
		},
	}
	revokeCmd.Flags().StringVar(&revokeUser, "user", "", "Owner of the token")

	for _, cmd := range []*cobra.Command{issueCmd, listCmd, revokeCmd} {
		_ = cmd.MarkFlagRequired("user")
		rootCmd.AddCommand(cmd)
	}
	return rootCmd
}
