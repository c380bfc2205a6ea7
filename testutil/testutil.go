package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// WriteLedger writes content to a ledger file in a fresh temporary
// directory and returns its path.
func WriteLedger(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "ledger")
	err := os.WriteFile(path, []byte(content), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	return path
}

func ReadFile(t *testing.T, path string) string {
	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(buf)
}

// MirrorDirs creates a mirror root, a mount point and a ledger path
// outside of both.
type MirrorDirs struct {
	Root       string
	MountPoint string
	Ledger     string
}

func NewMirrorDirs(t *testing.T) MirrorDirs {
	dir := t.TempDir()
	d := MirrorDirs{
		Root:       filepath.Join(dir, "root"),
		MountPoint: filepath.Join(dir, "mnt"),
		Ledger:     filepath.Join(dir, "ledger"),
	}
	for _, p := range []string{d.Root, d.MountPoint} {
		err := os.Mkdir(p, 0o755)
		if err != nil {
			t.Fatal(err)
		}
	}
	return d
}

// RequireFuse skips the test unless a fuse mount is likely to work.
func RequireFuse(t *testing.T) {
	_, err := os.Stat("/dev/fuse")
	if err != nil {
		t.Skip("/dev/fuse not available")
	}
	_, err = exec.LookPath("fusermount3")
	if err != nil {
		_, err = exec.LookPath("fusermount")
	}
	if err != nil && os.Getuid() != 0 {
		t.Skip("fusermount not found in path")
	}
}
