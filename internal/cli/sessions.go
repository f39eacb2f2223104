package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/neul-labs/openclaw/internal/config"
	"github.com/neul-labs/openclaw/pkg/eventlog"
	"github.com/neul-labs/openclaw/pkg/projection"
)

var (
	sessionsShowTail  int
	sessionsEndReason string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage sessions",
	Long:  `List, show, and end sessions recorded in the event log.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-key>",
	Short: "Show one session's projected state",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsEndCmd = &cobra.Command{
	Use:   "end <session-key>",
	Short: "End a session",
	Long: `Append the terminal event to a session. The daemon picks the ended
state up on its next read; queued commands for the session are refused
from then on.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsEnd,
}

func init() {
	sessionsShowCmd.Flags().IntVar(&sessionsShowTail, "tail", 10, "recent messages to print")
	sessionsEndCmd.Flags().StringVar(&sessionsEndReason, "reason", "operator", "end reason recorded in the log")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsEndCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// openSessionLog opens the session log named by the active config.
// Callers close the returned log.
func openSessionLog() (*eventlog.Log, *projection.Engine, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	lg, err := eventlog.New(cfg.EventLog.Dir, cfg.EventLog.MaxPayloadBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open event log: %w", err)
	}

	return lg, projection.NewEngine(lg), nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	lg, engine, err := openSessionLog()
	if err != nil {
		return err
	}
	defer lg.Close()

	keys, err := lg.ListSessions()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tAGENT\tSTATE\tMESSAGES\tLAST ACTIVITY")
	for _, key := range keys {
		proj, err := engine.Project(key)
		if err != nil || proj.LastSequence == 0 {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			key, proj.AgentID, proj.State, proj.MessageCount,
			proj.LastActivity.Local().Format(time.RFC3339))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	key := eventlog.SessionKey(args[0])
	if err := key.Validate(); err != nil {
		return err
	}

	lg, engine, err := openSessionLog()
	if err != nil {
		return err
	}
	defer lg.Close()

	proj, err := engine.Project(key)
	if err != nil {
		return fmt.Errorf("failed to project session: %w", err)
	}
	if proj.LastSequence == 0 {
		return fmt.Errorf("session %s not found", key)
	}

	cmd.Printf("Session: %s\n", proj.SessionKey)
	cmd.Printf("Agent: %s\n", proj.AgentID)
	cmd.Printf("Channel: %s\n", proj.Channel)
	cmd.Printf("Peer: %s\n", proj.PeerID)
	cmd.Printf("State: %s", proj.State)
	if proj.EndReason != "" {
		cmd.Printf(" (%s)", proj.EndReason)
	}
	cmd.Println()
	cmd.Printf("Messages: %d\n", proj.MessageCount)
	cmd.Printf("Sequence: %d\n", proj.LastSequence)
	if proj.LastModel != "" {
		cmd.Printf("Model: %s\n", proj.LastModel)
	}
	cmd.Printf("Tokens: %d in / %d out\n", proj.Usage.InputTokens, proj.Usage.OutputTokens)
	cmd.Printf("Created: %s\n", proj.CreatedAt.Local().Format(time.RFC3339))
	cmd.Printf("Last activity: %s\n", proj.LastActivity.Local().Format(time.RFC3339))

	recent := proj.RecentMessages(sessionsShowTail)
	if len(recent) > 0 {
		cmd.Println()
		for _, m := range recent {
			marker := "<"
			if m.Direction == projection.DirectionInbound {
				marker = ">"
			}
			cmd.Printf("  %s %s %s\n", m.Timestamp.Local().Format("15:04:05"), marker, m.Content)
		}
	}

	return nil
}

func runSessionsEnd(cmd *cobra.Command, args []string) error {
	key := eventlog.SessionKey(args[0])
	if err := key.Validate(); err != nil {
		return err
	}

	lg, engine, err := openSessionLog()
	if err != nil {
		return err
	}
	defer lg.Close()

	proj, err := engine.Project(key)
	if err != nil {
		return fmt.Errorf("failed to project session: %w", err)
	}
	if proj.LastSequence == 0 {
		return fmt.Errorf("session %s not found", key)
	}
	if proj.State != projection.StateActive {
		cmd.Printf("Session %s already ended (%s)\n", key, proj.EndReason)
		return nil
	}

	if _, err := lg.Append(key, proj.AgentID, eventlog.SessionEnded{Reason: sessionsEndReason}); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}

	cmd.Printf("Session %s ended (%s)\n", key, sessionsEndReason)
	return nil
}
