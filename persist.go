package quotafs

import (
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"
)

// SnapshotWriter durably replaces the ledger with a snapshot.
type SnapshotWriter interface {
	Persist(snap Snapshot) error
}

// FileWriter rewrites the whole ledger file on every Persist by writing a
// sibling temporary file, syncing it and renaming it over the ledger.
//
// There is no write ahead log, so the cost of a charge grows with the
// number of distinct users in the ledger. This is fine for the few hundred
// users of a typical mount but does not scale to very large tables.
type FileWriter struct {
	path string

	// Called once the temporary file is durable but before the rename.
	beforeRename func(tmpPath string) error
}

func NewFileWriter(path string) *FileWriter {
	return &FileWriter{path: path}
}

func (w *FileWriter) Path() string {
	return w.path
}

func (w *FileWriter) tmpPrefix() string {
	return "." + filepath.Base(w.path) + ".tmp-"
}

func (w *FileWriter) Persist(snap Snapshot) error {
	dir := filepath.Dir(w.path)

	tmp, err := os.CreateTemp(dir, w.tmpPrefix()+"*")
	if err != nil {
		return &IOError{Op: "persist", Path: w.path, Err: err}
	}
	tmpPath := tmp.Name()

	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return &IOError{Op: "persist", Path: w.path, Err: err}
	}

	if _, err := snap.WriteTo(tmp); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		return fail(err)
	}
	if w.beforeRename != nil {
		if err := w.beforeRename(tmpPath); err != nil {
			return fail(err)
		}
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return fail(err)
	}

	// The new ledger is already visible, a failed directory sync only
	// weakens durability of the rename itself.
	if err := syncDir(dir); err != nil {
		klog.ErrorS(err, "unable to sync ledger directory", "dir", dir)
	}
	return nil
}

// RemoveStaleTemps deletes temporary files left behind by a crash during
// Persist. It must only be called before the writer is in use.
func (w *FileWriter) RemoveStaleTemps() (int, error) {
	dir := filepath.Dir(w.path)
	ents, err := os.ReadDir(dir)
	if err != nil {
		return 0, &IOError{Op: "cleanup", Path: w.path, Err: err}
	}
	nRemoved := 0
	prefix := w.tmpPrefix()
	for _, ent := range ents {
		if ent.IsDir() || !strings.HasPrefix(ent.Name(), prefix) {
			continue
		}
		err := os.Remove(filepath.Join(dir, ent.Name()))
		if err != nil && !os.IsNotExist(err) {
			return nRemoved, &IOError{Op: "cleanup", Path: w.path, Err: err}
		}
		nRemoved += 1
	}
	return nRemoved, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
