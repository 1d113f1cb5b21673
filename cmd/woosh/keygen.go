package main

import (
	"fmt"

	"github.com/layer-3/woosh/config"
	"github.com/layer-3/woosh/core"
	"github.com/layer-3/woosh/crypto/dhkex"
	"github.com/layer-3/woosh/crypto/kdf"
	"github.com/layer-3/woosh/crypto/seal"
	"github.com/spf13/cobra"
)

func keygenCmd(cfg *config.Config) *cobra.Command {
	var serverPublic string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a DH key pair, and derive the session key against a server public value",
		RunE: func(cmd *cobra.Command, args []string) error {
			group := dhkex.RFC3526Group14()
			kp, err := group.GenerateKeyPair(nil)
			if err != nil {
				return err
			}
			defer kp.Wipe()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "private: %s\npublic:  %s\n", dhkex.EncodeHex(kp.Private), kp.PublicHex())
			if serverPublic == "" {
				return nil
			}

			secret, err := group.SharedSecret(kp.Private, serverPublic)
			if err != nil {
				return err
			}
			params := kdf.Params{Salt: []byte(cfg.KDFSalt), Info: []byte(cfg.KDFInfo)}
			key, err := params.DeriveSessionKey(secret)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "key:     %s\n", seal.EncodeBlob(key))
			return nil
		},
	}

	cmd.Flags().StringVar(&serverPublic, "server-public", "", "server public value (hex) to derive the session key against")
	return cmd
}

func tokenCmd(cfg *config.Config) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(cfg.JWTSecret) < 16 {
				return fmt.Errorf("jwt secret must be at least 16 bytes")
			}
			tk := newTokenizer(cfg)
			token, err := tk.IdentityToToken(&core.Identity{UserID: args[0], Email: email})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "email claim")
	return cmd
}
