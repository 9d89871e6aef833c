package doctor

import (
	"context"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"recall/internal/config"
	"recall/internal/embed"
	"recall/internal/store"
)

// Result represents a diagnostic check.
type Result struct {
	Name   string
	Pass   bool
	Detail string
}

// Run executes doctor checks.
func Run(cfg *config.Config) []Result {
	return []Result{
		checkFile("config path", cfg.Paths.ConfigPath),
		checkStore(cfg),
		checkEmbedExecutable(cfg.Embed.Command),
		checkService(cfg.API.Base),
		checkPortAudioPkgConfig(),
	}
}

func checkFile(label, path string) Result {
	if path == "" {
		return Result{Name: label, Pass: false, Detail: "not set"}
	}
	if _, err := os.Stat(os.ExpandEnv(path)); err != nil {
		return Result{Name: label, Pass: false, Detail: err.Error()}
	}
	return Result{Name: label, Pass: true, Detail: path}
}

func checkStore(cfg *config.Config) Result {
	label := "store"
	if err := config.MustStatePaths(cfg); err != nil {
		return Result{Name: label, Pass: false, Detail: err.Error()}
	}
	st, err := store.Open(cfg.Store.Path, cfg.Store.Passphrase)
	if err != nil {
		return Result{Name: label, Pass: false, Detail: err.Error()}
	}
	st.Close()
	detail := cfg.Store.Path
	if cfg.Store.Passphrase != "" {
		detail += " (encrypted)"
	}
	return Result{Name: label, Pass: true, Detail: detail}
}

func checkEmbedExecutable(cmd string) Result {
	label := "embed.command"
	if cmd == "" {
		return Result{Name: label, Pass: false, Detail: "not set; speaker identification disabled"}
	}
	argv, err := embed.ParseArgs(os.ExpandEnv(cmd))
	if err != nil || len(argv) == 0 {
		return Result{Name: label, Pass: false, Detail: "unparseable command line; check quoting"}
	}
	path := argv[0]
	// If contains a path separator, treat as explicit path.
	if strings.Contains(path, "/") || strings.Contains(path, "\\") {
		info, err := os.Stat(path)
		if err != nil {
			return Result{Name: label, Pass: false, Detail: err.Error()}
		}
		if info.IsDir() {
			return Result{Name: label, Pass: false, Detail: "is a directory; set embed.command to an executable file"}
		}
		if info.Mode().Perm()&0o111 == 0 {
			return Result{Name: label, Pass: false, Detail: "not executable; chmod +x or choose another command"}
		}
		return Result{Name: label, Pass: true, Detail: path}
	}
	// Else search PATH.
	resolved, err := exec.LookPath(path)
	if err != nil {
		return Result{Name: label, Pass: false, Detail: err.Error()}
	}
	return Result{Name: label, Pass: true, Detail: resolved}
}

func checkService(base string) Result {
	label := "api.base"
	if base == "" {
		return Result{Name: label, Pass: false, Detail: "not set; sessions will use placeholder transcripts"}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base, nil)
	if err != nil {
		return Result{Name: label, Pass: false, Detail: err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Result{Name: label, Pass: false, Detail: err.Error()}
	}
	resp.Body.Close()
	return Result{Name: label, Pass: true, Detail: base}
}

func checkPortAudioPkgConfig() Result {
	pkg, err := exec.LookPath("pkg-config")
	if err != nil {
		return Result{Name: "pkg-config", Pass: false, Detail: "pkg-config not found (brew install pkg-config)"}
	}
	cmd := exec.Command(pkg, "--exists", "portaudio-2.0")
	if err := cmd.Run(); err != nil {
		return Result{Name: "portaudio", Pass: false, Detail: "portaudio-2.0 not found (brew install portaudio)"}
	}
	versionCmd := exec.Command(pkg, "--modversion", "portaudio-2.0")
	if out, err := versionCmd.Output(); err == nil {
		return Result{Name: "portaudio", Pass: true, Detail: strings.TrimSpace(string(out))}
	}
	return Result{Name: "portaudio", Pass: true, Detail: "found via pkg-config"}
}
