package session

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/banshee-data/sessionsync/internal/monitoring"
)

// Backup copies the session directory to <backupRoot>/<session dir name>,
// replacing an earlier copy of the same session. It returns the
// destination path.
func (s *Session) Backup(backupRoot string) (string, error) {
	if backupRoot == "" {
		return "", fmt.Errorf("no backup directory configured")
	}
	if _, err := os.Stat(s.Dir); err != nil {
		return "", fmt.Errorf("session directory unavailable: %w", err)
	}
	dest := filepath.Join(backupRoot, filepath.Base(s.Dir))
	if err := os.MkdirAll(backupRoot, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup root: %w", err)
	}
	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("failed to clear previous backup: %w", err)
	}
	if err := copyTree(s.Dir, dest); err != nil {
		return "", err
	}
	monitoring.Logf("session: backup complete: %s", dest)
	return dest, nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
