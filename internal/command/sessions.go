package command

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/adamavenir/intercom/internal/config"
	"github.com/adamavenir/intercom/internal/db"
	"github.com/adamavenir/intercom/internal/types"
)

func NewSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions recorded in the bridge database",
		Args:  cobra.NoArgs,
		RunE:  runSessions,
	}
	cmd.Flags().Bool("json", false, "output as JSON")
	cmd.Flags().Bool("all", false, "include terminated sessions")
	return cmd
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath(cmd))
	if err != nil {
		return err
	}
	conn, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer conn.Close()
	if err := db.InitSchema(conn); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	all, _ := cmd.Flags().GetBool("all")
	var sessions []types.Session
	if all {
		sessions, err = db.ListSessions(conn)
	} else {
		sessions, err = db.ListLiveSessions(conn)
	}
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	}

	if len(sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODE\tSTATUS\tCONN\tCHANNEL\tLAST ACTIVITY")
	for _, s := range sessions {
		channel := "-"
		if s.ChannelID != nil {
			channel = *s.ChannelID
		}
		last := time.UnixMilli(s.LastActivityAt).Format("2006-01-02 15:04:05")
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.ProtocolMode, s.Status, s.Connectivity, channel, last)
	}
	return w.Flush()
}
