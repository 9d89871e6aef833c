package main

import (
	"fmt"
	"os"

	"recall/internal/control"
	"recall/internal/daemon"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	root := &cobra.Command{
		Use:   "recall",
		Short: "Recall — local-first voice session recorder",
		Long: `Recall captures microphone audio into sessions, sends each sealed recording
to a transcription service for transcript + diarization, matches diarized
voices against a local speaker roster, and stores everything in an
encrypted local database. Raw audio is deleted once the session persists.

Key commands:
  start|stop|restart        Daemon lifecycle
  record start|stop         Control the active recording
  status [--json]           Uptime + recent sessions
  sessions list|show|delete Browse stored sessions
  speakers list|rename      Manage the speaker roster
  transcribe <file.wav>     Process a WAV file without the daemon
  mic list|set              Select microphone
  doctor                    Check deps/store/embed/service
  health|tail-log           Liveness, log tail

Notable flags/env:
  --api-base <url>          Transcription service base URL
  --metrics-addr <addr>     Enable /metrics (Prometheus text)
  Env overrides: RECALL_API_BASE, RECALL_METRICS_ADDR,
                 RECALL_LOG_LEVEL/FORMAT, RECALL_STORE_PASSPHRASE,
                 RECALL_MATCH_THRESHOLD, RECALL_EMBED_COMMAND`,
		Example: `  recall start --api-base https://scribe.example.com
  recall record start
  recall record stop
  recall sessions list
  recall sessions show 2f1c...
  recall speakers rename 9a40... "Alice"
  recall transcribe meeting.wav --keep
  recall health`,
		DisableFlagsInUseLine: true,
	}

	root.Version = version
	root.SetVersionTemplate("Recall v{{.Version}}\n")

	cfgPath := root.PersistentFlags().StringP("config", "c", "", "Path to config file (TOML). Defaults to ~/.config/recall/config.toml")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(daemon.NewStartCmd(cfgPath))
	root.AddCommand(daemon.NewStopCmd(cfgPath))
	root.AddCommand(daemon.NewRestartCmd(cfgPath))
	root.AddCommand(control.NewRecordCmd(cfgPath))
	root.AddCommand(control.NewStatusCmd(cfgPath))
	root.AddCommand(control.NewSessionsCmd(cfgPath))
	root.AddCommand(control.NewSpeakersCmd(cfgPath))
	root.AddCommand(control.NewTranscribeCmd(cfgPath))
	root.AddCommand(control.NewMicCmd(cfgPath))
	root.AddCommand(control.NewDoctorCmd(cfgPath))
	root.AddCommand(control.NewHealthCmd(cfgPath))
	root.AddCommand(control.NewTailLogCmd(cfgPath))

	// Hidden internal serve command used by start.
	root.AddCommand(daemon.NewServeCmd(cfgPath))

	applyColorHelp(root)

	return root.Execute()
}

func applyColorHelp(root *cobra.Command) {
	const (
		boldBlue = "\033[1;34m"
		bold     = "\033[1m"
		dim      = "\033[2m"
		reset    = "\033[0m"
	)
	root.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd != root {
			// Subcommands keep cobra's default help.
			fmt.Fprintln(cmd.OutOrStdout(), cmd.UsageString())
			return
		}
		out := cmd.OutOrStdout()
		write := func(format string, args ...any) { _, _ = fmt.Fprintf(out, format, args...) }
		writeln := func(line string) { _, _ = fmt.Fprintln(out, line) }

		write("%sRecall%s — local-first voice session recorder %s(v%s)%s\n", boldBlue, reset, dim, version, reset)
		write("%sRecords sessions, transcribes remotely, identifies speakers locally.%s\n\n", dim, reset)

		write("%sUsage%s\n", bold, reset)
		write("  recall [command] [flags]\n\n")

		write("%sKey commands%s\n", bold, reset)
		writeln("  start|stop|restart          daemon lifecycle")
		writeln("  record start|stop           control the active recording")
		writeln("  status [--json]             uptime + recent sessions")
		writeln("  sessions list|show|delete   browse stored sessions")
		writeln("  speakers list|rename|delete manage the speaker roster")
		writeln("  transcribe <file.wav>       process a WAV without the daemon")
		writeln("  mic list|set                select input device")
		writeln("  doctor                      check deps/store/embed/service")
		writeln("  health                      control-socket liveness ping")
		writeln("  tail-log                    show last log lines")
		writeln("")

		write("%sNotable flags & env%s\n", bold, reset)
		writeln("  --api-base <url>        transcription service base URL")
		writeln("  --metrics-addr <addr>   enable /metrics (Prometheus)")
		writeln("  RECALL_API_BASE, RECALL_METRICS_ADDR, RECALL_LOG_LEVEL/FORMAT,")
		writeln("  RECALL_STORE_PASSPHRASE, RECALL_MATCH_THRESHOLD, RECALL_EMBED_COMMAND")
		writeln("")

		write("%sMore%s\n", bold, reset)
		writeln("  recall [command] --help   full flags for any command")
	})
}
