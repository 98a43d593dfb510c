package workspace

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// MarkerName 记录最近一次成功拉取的 unix 时间戳，最后写入
	MarkerName = ".cached_download"

	PlaceholderName = "README.md"

	placeholderHeader = "<!-- workspace placeholder -->"
)

type State string

const (
	StateEmpty State = "empty"
	StateReady State = "ready"
	StateStale State = "stale"
)

// Inspect reports the population state of workDir.
//
// A fresh marker means ready. A stale marker means the archive should be
// fetched again. Without a marker, a directory holding only the placeholder
// (or nothing) is empty, and anything else is a pre-provisioned workspace.
func Inspect(workDir string, ttl time.Duration, now time.Time) (State, error) {
	entries, err := os.ReadDir(workDir)
	if errors.Is(err, fs.ErrNotExist) {
		return StateEmpty, nil
	}
	if err != nil {
		return "", err
	}

	if ts, ok := readMarker(workDir); ok {
		if now.Sub(ts) < ttl {
			return StateReady, nil
		}
		return StateStale, nil
	}

	for _, e := range entries {
		if e.Name() == MarkerName {
			continue
		}
		if e.Name() == PlaceholderName && isPlaceholder(filepath.Join(workDir, e.Name())) {
			continue
		}
		return StateReady, nil
	}
	return StateEmpty, nil
}

func readMarker(workDir string) (time.Time, bool) {
	data, err := os.ReadFile(filepath.Join(workDir, MarkerName))
	if err != nil {
		return time.Time{}, false
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, int64(secs*float64(time.Second))), true
}

func writeMarker(workDir string, ts time.Time) error {
	content := strconv.FormatInt(ts.Unix(), 10)
	return writeFileAtomic(filepath.Join(workDir, MarkerName), []byte(content), 0o644)
}

// WritePlaceholder writes the notice shown when project files could not be
// fetched. It never overwrites a real README.
func WritePlaceholder(workDir, slug string) error {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return err
	}
	p := filepath.Join(workDir, PlaceholderName)
	if _, err := os.Stat(p); err == nil && !isPlaceholder(p) {
		return nil
	}

	content := fmt.Sprintf("%s\n# %s\n\nThe project files for %s could not be loaded right now.\n"+
		"You can still explore the shell; reconnect later to try again.\n", placeholderHeader, slug, slug)
	return writeFileAtomic(p, []byte(content), 0o644)
}

func isPlaceholder(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, len(placeholderHeader))
	n, _ := f.Read(buf)
	return bytes.Equal(buf[:n], []byte(placeholderHeader))
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
