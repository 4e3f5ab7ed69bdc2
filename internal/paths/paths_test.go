package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveConfigDirLadder(t *testing.T) {
	tmp := t.TempDir()

	t.Run("env override wins when writable", func(t *testing.T) {
		override := filepath.Join(tmp, "override")
		getenv := func(key string) string {
			if key == EnvConfigDir {
				return override
			}
			return ""
		}
		home := filepath.Join(tmp, "home1")
		got := resolveConfigDir(getenv, home, tmp)
		if got != override {
			t.Errorf("resolveConfigDir = %q, want %q", got, override)
		}
	})

	t.Run("preferred home dir when no override", func(t *testing.T) {
		home := filepath.Join(tmp, "home2")
		if err := os.MkdirAll(home, 0750); err != nil {
			t.Fatal(err)
		}
		got := resolveConfigDir(func(string) string { return "" }, home, tmp)
		want := filepath.Join(home, ".clawdis")
		if got != want {
			t.Errorf("resolveConfigDir = %q, want %q", got, want)
		}
	})

	t.Run("legacy home dir when preferred unwritable", func(t *testing.T) {
		home := filepath.Join(tmp, "home3")
		if err := os.MkdirAll(home, 0750); err != nil {
			t.Fatal(err)
		}
		// An existing file blocks creation of the preferred directory.
		if err := os.WriteFile(filepath.Join(home, ".clawdis"), []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
		got := resolveConfigDir(func(string) string { return "" }, home, tmp)
		want := filepath.Join(home, ".warelay")
		if got != want {
			t.Errorf("resolveConfigDir = %q, want %q", got, want)
		}
	})
}

func TestIsWritableDir(t *testing.T) {
	tmp := t.TempDir()

	if !isWritableDir(filepath.Join(tmp, "fresh")) {
		t.Error("expected fresh subdirectory to be writable")
	}

	blocked := filepath.Join(tmp, "blocked")
	if err := os.WriteFile(blocked, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if isWritableDir(blocked) {
		t.Error("expected path occupied by a file to be rejected")
	}
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	tests := []struct {
		in   string
		want string
	}{
		{"~", home},
		{"~/sub/dir", filepath.Join(home, "sub/dir")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}
	for _, tt := range tests {
		got, err := ExpandTilde(tt.in)
		if err != nil {
			t.Errorf("ExpandTilde(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ExpandTilde(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
