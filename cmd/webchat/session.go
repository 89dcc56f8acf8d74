package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/NeboLoop/webchat-go-sdk/session"
)

func newSessionCmd() *cobra.Command {
	var flags commonFlags

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Print the session id for the channel",
		Long:  "Prints the session id the client registers with, creating and storing one if the channel has none yet.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			store, closer, err := openStore(cfg.Session)
			if err != nil {
				return err
			}
			defer closer.Close()

			id := session.GetID(cmd.Context(), store, cfg.ChannelUUID, cfg.SessionID, logger)
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
