package doctor

import (
	"os"
	"testing"
)

func TestCheckEmbedExecutable(t *testing.T) {
	if r := checkEmbedExecutable(""); r.Pass {
		t.Fatalf("empty command should fail")
	}
	if r := checkEmbedExecutable("/bin/sh"); !r.Pass {
		t.Fatalf("/bin/sh should pass: %s", r.Detail)
	}
	if r := checkEmbedExecutable("sh"); !r.Pass {
		t.Fatalf("PATH lookup for sh should pass: %s", r.Detail)
	}
	if r := checkEmbedExecutable(`/bin/sh -c "echo hi"`); !r.Pass {
		t.Fatalf("command line with arguments should pass: %s", r.Detail)
	}

	dir := t.TempDir()
	if r := checkEmbedExecutable(dir); r.Pass {
		t.Fatalf("directory should fail")
	}
	plain := dir + "/notexec"
	if err := os.WriteFile(plain, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if r := checkEmbedExecutable(plain); r.Pass {
		t.Fatalf("non-executable file should fail")
	}
}

func TestCheckFile(t *testing.T) {
	if r := checkFile("config path", ""); r.Pass {
		t.Fatalf("empty path should fail")
	}
	dir := t.TempDir()
	path := dir + "/config.toml"
	if r := checkFile("config path", path); r.Pass {
		t.Fatalf("missing file should fail")
	}
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if r := checkFile("config path", path); !r.Pass {
		t.Fatalf("existing file should pass: %s", r.Detail)
	}
}
