package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/agentuity/go-relay/api"
	"github.com/agentuity/go-relay/env"
	"github.com/agentuity/go-relay/relay"
	"github.com/agentuity/go-relay/session"
	"github.com/agentuity/go-relay/tui"
	"github.com/spf13/cobra"
)

const defaultAdminAddr = "localhost:8080"

func adminClient(cmd *cobra.Command) *api.Client {
	addr := env.FlagOrEnv(cmd, "addr", "RELAY_ADMIN_ADDR", defaultAdminAddr)
	return api.New(cmd.Context(), env.NewLogger(cmd, "console"), addr)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderStats(w io.Writer, stats relay.Stats) {
	tui.Table(w, []string{"Metric", "Value"}, [][]string{
		{"activeConnections", strconv.FormatInt(stats.ActiveConnections, 10)},
		{"activeSessions", strconv.Itoa(stats.ActiveSessions)},
		{"totalParticipantBindings", strconv.Itoa(stats.TotalParticipantBindings)},
	})
}

func renderSessions(w io.Writer, sessions []session.Info, now time.Time) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, tui.Muted("no sessions"))
		return
	}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		joiner := s.JoinerID
		if joiner == "" {
			joiner = "-"
		}
		rows = append(rows, []string{
			s.SessionID,
			s.InitiatorID,
			joiner,
			tui.State(s.IsActive),
			s.StartTime.Local().Format(time.RFC3339),
			now.Sub(s.StartTime).Truncate(time.Second).String(),
		})
	}
	fmt.Fprintln(w, tui.Title(fmt.Sprintf("%d sessions", len(sessions))))
	tui.Table(w, []string{"Session", "Initiator", "Joiner", "State", "Started", "Age"}, rows)
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show connection and session counts of a running relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats relay.Stats
			if err := adminClient(cmd).Do(http.MethodGet, "/stats", nil, &stats); err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(cmd.OutOrStdout(), stats)
			}
			renderStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
	cmd.Flags().String("addr", "", "relay admin address (env RELAY_ADMIN_ADDR, default "+defaultAdminAddr+")")
	cmd.Flags().Bool("json", false, "print raw JSON")
	return cmd
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List the live sessions of a running relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var sessions []session.Info
			if err := adminClient(cmd).Do(http.MethodGet, "/sessions", nil, &sessions); err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(cmd.OutOrStdout(), sessions)
			}
			renderSessions(cmd.OutOrStdout(), sessions, time.Now())
			return nil
		},
	}
	cmd.Flags().String("addr", "", "relay admin address (env RELAY_ADMIN_ADDR, default "+defaultAdminAddr+")")
	cmd.Flags().Bool("json", false, "print raw JSON")
	return cmd
}
