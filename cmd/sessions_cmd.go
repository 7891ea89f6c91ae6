package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawstream/internal/reconnect"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage persisted execution records",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsGCCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List resumable execution records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.FindPrefix(context.Background(), prefix, cfg.Staleness())
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("no resumable executions")
				return nil
			}
			fmt.Println(styleHeader.Render("SESSION") + "\t" + styleHeader.Render("EXECUTION") + "\t" + styleHeader.Render("AGE"))
			for _, r := range recs {
				fmt.Printf("%s\t%s\t%s\n", r.SessionKey, r.ExecutionID, time.Since(r.CreatedAt).Round(time.Second))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "session key prefix filter")
	return cmd
}

func sessionsGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Delete stale execution records now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			sw, err := reconnect.NewSweeper(st, cfg.Reconnect.GCSchedule, cfg.Staleness())
			if err != nil {
				return err
			}
			sw.Sweep(context.Background())
			return nil
		},
	}
}
