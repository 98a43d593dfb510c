package workspace

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"

	"terminal/internal/sanitize"
)

// AllowedExtensions 是压缩包中允许出现的文件扩展名（小写），空串表示无扩展名
var AllowedExtensions = map[string]bool{
	"":          true,
	".c":        true,
	".h":        true,
	".md":       true,
	".py":       true,
	".txt":      true,
	".sh":       true,
	".makefile": true,
}

// checkArchive validates every entry before anything touches the disk and
// returns the number of regular files.
func checkArchive(files []*zip.File, maxBytes int64) (int, error) {
	var total uint64
	count := 0
	for _, f := range files {
		name := f.Name
		if strings.ContainsRune(name, 0) || strings.Contains(name, `\`) || path.IsAbs(name) {
			return 0, fmt.Errorf("%w: unsafe entry name %q", ErrCorruptArchive, name)
		}
		for _, seg := range strings.Split(name, "/") {
			if seg == ".." {
				return 0, fmt.Errorf("%w: entry %q escapes the archive root", ErrCorruptArchive, name)
			}
		}

		mode := f.Mode()
		if mode.IsDir() || strings.HasSuffix(name, "/") {
			continue
		}
		if !mode.IsRegular() {
			return 0, fmt.Errorf("%w: %q is not a regular file", ErrDisallowedFile, name)
		}
		if ext := strings.ToLower(path.Ext(name)); !AllowedExtensions[ext] {
			return 0, fmt.Errorf("%w: %q", ErrDisallowedFile, name)
		}

		total += f.UncompressedSize64
		if maxBytes > 0 && total > uint64(maxBytes) {
			return 0, fmt.Errorf("%w: uncompressed size exceeds %d bytes", ErrCorruptArchive, maxBytes)
		}
		count++
	}
	return count, nil
}

// extractZip 将已校验的压缩包解压到 destDir，每个目标路径都经过 SafeJoin
func extractZip(zr *zip.Reader, destDir string, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = math.MaxInt64 - 1
	}
	var written int64
	for _, f := range zr.File {
		target, err := sanitize.SafeJoin(destDir, filepath.FromSlash(f.Name))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
		}

		if f.Mode().IsDir() || strings.HasSuffix(f.Name, "/") {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		n, err := writeZipEntry(f, target, maxBytes-written)
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}

// 每个文件在独立函数中关闭，避免 defer 堆积
func writeZipEntry(f *zip.File, target string, budget int64) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: open %q: %v", ErrCorruptArchive, f.Name, err)
	}
	defer rc.Close()

	perm := os.FileMode(0o644)
	if f.Mode()&0o111 != 0 {
		perm = 0o755
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	// 按声明大小之外再限制实际写入量，防止伪造头部的压缩炸弹
	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if err != nil {
		return n, fmt.Errorf("%w: read %q: %v", ErrCorruptArchive, f.Name, err)
	}
	if n > budget {
		return n, fmt.Errorf("%w: %q exceeds the extraction limit", ErrCorruptArchive, f.Name)
	}
	return n, out.Close()
}

// promote 把暂存目录中的文件逐个移动到工作区，已存在的同名文件被覆盖
func promote(stagingDir, workDir string) error {
	return filepath.WalkDir(stagingDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(stagingDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target, err := sanitize.SafeJoin(workDir, rel)
		if err != nil {
			return err
		}

		if d.IsDir() {
			fi, err := os.Lstat(target)
			if err == nil && !fi.IsDir() {
				if err := os.Remove(target); err != nil {
					return err
				}
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			return os.MkdirAll(target, 0o755)
		}
		return os.Rename(p, target)
	})
}
