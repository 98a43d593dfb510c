package sanitize

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var fileNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// SafeJoin joins segments onto base and guarantees the symlink-resolved result
// stays equal to or below the symlink-resolved base. Paths that do not exist
// yet are resolved through their longest existing ancestor.
func SafeJoin(base string, segments ...string) (string, error) {
	root, err := resolve(base)
	if err != nil {
		return "", fmt.Errorf("resolve base %q: %w", base, err)
	}

	for _, seg := range segments {
		if strings.ContainsRune(seg, 0) || filepath.IsAbs(seg) {
			return "", fmt.Errorf("%w: %q", ErrPathEscape, seg)
		}
	}

	joined := filepath.Join(append([]string{root}, segments...)...)
	target, err := resolve(joined)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", joined, err)
	}

	if !within(root, target) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, filepath.Join(segments...))
	}
	return target, nil
}

// ValidateFileName accepts a single path component made of safe characters.
func ValidateFileName(name string) error {
	if name == "" || name == "." || strings.Contains(name, "..") || !fileNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	return nil
}

// resolve 返回绝对路径，并对最长的已存在前缀解析符号链接
func resolve(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	existing := abs
	var tail []string
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			parts := append([]string{resolved}, tail...)
			return filepath.Join(parts...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		tail = append([]string{filepath.Base(existing)}, tail...)
		existing = parent
	}
}

func within(root, target string) bool {
	if target == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(os.PathSeparator)) {
		prefix += string(os.PathSeparator)
	}
	return strings.HasPrefix(target, prefix)
}
