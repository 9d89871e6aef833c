package control

import (
	"fmt"
	"os"
	"time"

	"recall/internal/config"
	"recall/internal/logging"
	"recall/internal/pipeline"

	"github.com/spf13/cobra"
)

// NewTranscribeCmd processes an existing WAV file through the full
// pipeline without the daemon. Useful for imports and for re-running
// a retained recording after a persistence failure.
func NewTranscribeCmd(cfgPath *string) *cobra.Command {
	var apiBase string
	var keep bool
	cmd := &cobra.Command{
		Use:   "transcribe <wav-file>",
		Short: "Process a WAV file as a new session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if apiBase != "" {
				cfg.API.Base = apiBase
			}
			logger, err := logging.Configure(cfg)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			pipe := pipeline.New(cfg, logger)
			wavPath := args[0]
			if keep {
				// Work on a copy so the source file survives cleanup.
				wavPath, err = copyToTemp(args[0])
				if err != nil {
					return err
				}
			}
			out, err := pipe.Process(cmd.Context(), st, wavPath, cfg.API.Base, time.Now())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "session %s  %s", out.SessionID, out.Status)
			if out.Degraded {
				fmt.Fprint(w, "  (degraded)")
			}
			fmt.Fprintf(w, "\nspeakers created: %d  segments unassigned: %d\n\n%s\n",
				out.SpeakersCreated, out.SegmentsUnknown, out.Transcript.Text)
			return nil
		},
	}
	cmd.Flags().StringVar(&apiBase, "api-base", "", "transcription service base URL")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the source WAV file")
	return cmd
}

func copyToTemp(src string) (string, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "recall-import-*.wav")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
