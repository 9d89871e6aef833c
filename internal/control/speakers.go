package control

import (
	"fmt"

	"recall/internal/config"

	"github.com/spf13/cobra"
)

// NewSpeakersCmd groups speaker roster commands.
func NewSpeakersCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "speakers",
		Short: "Manage the speaker roster",
	}
	cmd.AddCommand(newSpeakersListCmd(cfgPath))
	cmd.AddCommand(newSpeakersRenameCmd(cfgPath))
	cmd.AddCommand(newSpeakersDeleteCmd(cfgPath))
	return cmd
}

func newSpeakersListCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known speakers",
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
			speakers, err := st.ListSpeakers()
			if err != nil {
				return err
			}
			for _, sp := range speakers {
				label := "(unnamed)"
				if sp.Label != nil {
					label = *sp.Label
				}
				fmt.Printf("%s  %s  enrolled %s\n", sp.ID, label, sp.CreatedAt.Format("2006-01-02"))
			}
			return nil
		},
	}
}

func newSpeakersRenameCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <speaker-id> <label>",
		Short: "Assign a human label to a speaker",
		Args:  cobra.ExactArgs(2),
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
			if err := st.RenameSpeaker(args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("renamed")
			return nil
		},
	}
}

func newSpeakersDeleteCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <speaker-id>",
		Short: "Forget a speaker and their embeddings",
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
			if err := st.DeleteSpeaker(args[0]); err != nil {
				return err
			}
			fmt.Println("deleted")
			return nil
		},
	}
}
