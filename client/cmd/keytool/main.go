// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/efchatnet/efdm/client"
	"github.com/efchatnet/efdm/client/keystore"
)

const (
	passphraseEnv = "EFDM_PASSPHRASE"
	tokenEnv      = "EFDM_TOKEN"
)

type options struct {
	store  string
	userID int64
	server string
}

func newRootCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "efdm-keytool",
		Short: "Manage efdm client keys",
		Long: `efdm-keytool creates and publishes the key pairs of an efdm user.
Private keys are kept in a local key store sealed with the passphrase
read from ` + passphraseEnv + `.`,
		Example: `  # Create keys for user 42
  EFDM_PASSPHRASE=secret efdm-keytool generate --user 42

  # Publish them
  EFDM_PASSPHRASE=secret EFDM_TOKEN=$JWT efdm-keytool register --user 42 --server https://efchat.net`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.store, "store", "s", "efdm-keys.db", "path to the local key store")
	cmd.PersistentFlags().Int64VarP(&opts.userID, "user", "u", 0, "user id the keys belong to")
	cmd.MarkPersistentFlagRequired("user")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "generate",
			Short: "Generate and store new key pairs",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(opts, func(ctx context.Context, s *keystore.Store) error {
					if _, err := s.LoadKeys(ctx, opts.userID); err == nil {
						return fmt.Errorf("keys for user %d already exist", opts.userID)
					} else if !errors.Is(err, client.ErrNoKeys) {
						return err
					}
					session, err := client.CreateSession(ctx, s, opts.userID)
					if err != nil {
						return err
					}
					return printPublic(cmd, session)
				})
			},
		},
		&cobra.Command{
			Use:   "public",
			Short: "Print the stored public keys",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(opts, func(ctx context.Context, s *keystore.Store) error {
					session, err := client.LoadSession(ctx, s, opts.userID)
					if err != nil {
						return err
					}
					return printPublic(cmd, session)
				})
			},
		},
		registerCommand(&opts),
	)
	return cmd
}

func registerCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Publish the stored public keys to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			token := os.Getenv(tokenEnv)
			if token == "" {
				return fmt.Errorf("%s is not set", tokenEnv)
			}
			return withStore(*opts, func(ctx context.Context, s *keystore.Store) error {
				session, err := client.LoadSession(ctx, s, opts.userID)
				if err != nil {
					return err
				}
				m := client.NewMessenger(client.NewAPI(opts.server, token), session, nil)
				created, err := m.Register(ctx)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(cmd.OutOrStdout(), "Registered keys for user %d.\n", opts.userID)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Keys for user %d were already registered.\n", opts.userID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8081", "base URL of the efdm server")
	return cmd
}

func withStore(opts options, fn func(context.Context, *keystore.Store) error) error {
	passphrase := os.Getenv(passphraseEnv)
	if passphrase == "" {
		return fmt.Errorf("%s is not set", passphraseEnv)
	}
	s, err := keystore.Open(opts.store, passphrase)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(context.Background(), s)
}

func printPublic(cmd *cobra.Command, session *client.Session) error {
	reg, err := session.Registration()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "# user %d encryption key\n%s\n# user %d signing key\n%s\n",
		session.UserID(), reg.PublicKey, session.UserID(), reg.SigningPublicKey)
	return nil
}

func main() {
	if err := fang.Execute(
		context.Background(),
		newRootCommand(),
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}
