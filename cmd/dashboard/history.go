package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/agent-dashboard/internal/config"
	"github.com/p-blackswan/agent-dashboard/internal/store"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	titleStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
)

func historyCmd() *cobra.Command {
	var (
		dbPath string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived team sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openArchive(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			sessions, err := st.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), sessions)
			}
			return renderSessions(cmd.OutOrStdout(), sessions)
		},
	}

	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "archive database (default DB_PATH)")
	cmd.PersistentFlags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")

	show := &cobra.Command{
		Use:   "show [id]",
		Short: "Show one archived session with its agents, tasks and messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid session id %q", args[0])
			}

			st, err := openArchive(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			detail, err := st.GetSession(cmd.Context(), id)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), detail)
			}
			return renderDetail(cmd.OutOrStdout(), detail)
		},
	}
	cmd.AddCommand(show)

	return cmd
}

// openArchive opens the store read-side with logging silenced so command
// output stays clean.
func openArchive(dbPath string) (*store.Store, error) {
	if dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		dbPath = cfg.DBPath
	}
	return store.New(dbPath, zerolog.Nop())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func renderSessions(w io.Writer, sessions []store.Session) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(w, "No archived sessions.")
		return err
	}

	t := newTable("ID", "TEAM", "ENDED", "AGENTS", "TASKS", "MESSAGES", "STATUS")
	for _, s := range sessions {
		t.Row(
			strconv.FormatInt(s.ID, 10),
			s.TeamName,
			s.EndTime.Local().Format(time.DateTime),
			strconv.Itoa(s.AgentCount),
			strconv.Itoa(s.TaskCount),
			strconv.Itoa(s.MessageCount),
			s.Status,
		)
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func renderDetail(w io.Writer, d *store.SessionDetail) error {
	s := d.Session
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Session %d: %s", s.ID, s.TeamName)))
	fmt.Fprintf(w, "Ended:   %s\n", s.EndTime.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Status:  %s\n\n", s.Status)

	if len(d.Agents) > 0 {
		agents := newTable("AGENT", "TYPE", "STATUS")
		for _, a := range d.Agents {
			agents.Row(a.Name, a.AgentType, a.Status)
		}
		fmt.Fprintln(w, agents.Render())
	}

	if len(d.Tasks) == 0 {
		fmt.Fprintln(w, "No tasks.")
	} else {
		tasks := newTable("ID", "SUBJECT", "STATUS", "OWNER")
		for _, t := range d.Tasks {
			status := t.Status
			if t.RawStatus != "" {
				status = fmt.Sprintf("%s (%s)", t.Status, t.RawStatus)
			}
			tasks.Row(t.TaskID, t.Subject, status, t.Owner)
		}
		fmt.Fprintln(w, tasks.Render())
	}

	_, err := fmt.Fprintf(w, "%d messages\n", len(d.Messages))
	return err
}
