package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/store"
)

func newSessionsCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List persisted sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadCLIConfig(configFile)
			if err != nil {
				return err
			}

			st, err := store.NewStore(&cfg.Store)
			if err != nil {
				return err
			}
			if st == nil {
				return fmt.Errorf("no store path configured")
			}

			ids, err := st.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
				return nil
			}

			for _, id := range ids {
				rec, err := st.Load(cmd.Context(), id)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  (unreadable: %v)\n", id, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %d messages  %s\n",
					rec.SessionID, rec.SavedAt.Format("2006-01-02 15:04"), len(rec.Messages), rec.CWD)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Path to config JSON file")
	return cmd
}
