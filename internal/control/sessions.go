package control

import (
	"encoding/json"
	"fmt"

	"recall/internal/config"
	"recall/internal/store"

	"github.com/spf13/cobra"
)

func openStore(cfg *config.Config) (*store.Store, error) {
	if err := config.MustStatePaths(cfg); err != nil {
		return nil, err
	}
	return store.Open(cfg.Store.Path, cfg.Store.Passphrase)
}

// NewSessionsCmd groups session inspection commands.
func NewSessionsCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect recorded sessions",
	}
	cmd.AddCommand(newSessionsListCmd(cfgPath))
	cmd.AddCommand(newSessionsShowCmd(cfgPath))
	cmd.AddCommand(newSessionsDeleteCmd(cfgPath))
	return cmd
}

func newSessionsListCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			sessions, err := st.ListSessions()
			if err != nil {
				return err
			}
			for _, s := range sessions {
				degraded := ""
				if s.Degraded {
					degraded = " (degraded)"
				}
				fmt.Printf("%s  %s  %s%s\n", s.StartedAt.Format("2006-01-02 15:04:05"), s.ID, s.State, degraded)
			}
			return nil
		},
	}
}

func newSessionsShowCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session transcript and speakers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			sess, err := st.GetSession(args[0])
			if err != nil {
				return err
			}
			if sess == nil {
				return fmt.Errorf("no session %s", args[0])
			}
			tr, err := st.GetTranscript(sess.ID)
			if err != nil {
				return err
			}
			segs, err := st.ListSegments(sess.ID)
			if err != nil {
				return err
			}
			assigns, err := st.ListAssignments(sess.ID)
			if err != nil {
				return err
			}
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				out := map[string]any{
					"session":     sess,
					"transcript":  tr,
					"segments":    segs,
					"assignments": assigns,
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
			}
			if tr == nil {
				// failed before persistence wrote a transcript
				fmt.Printf("session %s  %s  (no transcript)\n", sess.ID, sess.State)
			} else {
				fmt.Printf("session %s  %s  source=%s\n\n%s\n", sess.ID, sess.State, tr.Source, tr.Text)
			}
			bySeg := make(map[string]store.Assignment, len(assigns))
			for _, a := range assigns {
				bySeg[a.SegmentID] = a
			}
			speakers, err := st.ListSpeakers()
			if err != nil {
				return err
			}
			names := make(map[string]string, len(speakers))
			for i, sp := range speakers {
				name := fmt.Sprintf("speaker %d", i+1)
				if sp.Label != nil {
					name = *sp.Label
				}
				names[sp.ID] = name
			}
			if len(segs) > 0 {
				fmt.Println()
			}
			for _, seg := range segs {
				who := "unknown"
				if a, ok := bySeg[seg.ID]; ok {
					who = names[a.SpeakerID]
				}
				fmt.Printf("[%6.1fs-%6.1fs] %-12s %s\n", float64(seg.StartMS)/1000, float64(seg.EndMS)/1000, who, seg.Text)
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "output JSON")
	return cmd
}

func newSessionsDeleteCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its derived records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.DeleteSession(args[0]); err != nil {
				return err
			}
			fmt.Println("deleted")
			return nil
		},
	}
}
