package workspace

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"terminal/internal/monitor"
	"terminal/internal/sanitize"

	"golang.org/x/sync/singleflight"
)

type Options struct {
	// BaseDir 是所有项目工作区的父目录
	BaseDir         string
	CacheTTL        time.Duration
	Timeout         time.Duration
	MaxExtractBytes int64
}

// Fetcher materialises project archives into workspaces. Concurrent calls
// for the same workspace share one fetch.
type Fetcher struct {
	source ArchiveSource
	opts   Options
	group  singleflight.Group
	logger *slog.Logger

	now       func() time.Time
	freeBytes func(path string) (uint64, error)
}

func NewFetcher(source ArchiveSource, opts Options, logger *slog.Logger) *Fetcher {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	return &Fetcher{
		source:    source,
		opts:      opts,
		logger:    logger.With("component", "asset-fetcher", "source", source.Name()),
		now:       time.Now,
		freeBytes: FreeBytes,
	}
}

// WorkDir returns the workspace directory of slug under the base directory.
func (f *Fetcher) WorkDir(slug string) (string, error) {
	if err := os.MkdirAll(f.opts.BaseDir, 0o755); err != nil {
		return "", err
	}
	return sanitize.SafeJoin(f.opts.BaseDir, slug)
}

// State reports the population state of workDir.
func (f *Fetcher) State(workDir string) (State, error) {
	return Inspect(workDir, f.opts.CacheTTL, f.now())
}

// EnsureAssets makes sure workDir holds the project files of slug. It is a
// no-op when the workspace is ready. On failure the workspace is left as it
// was before the call and the returned error wraps ErrAssetFetchFailed.
func (f *Fetcher) EnsureAssets(ctx context.Context, slug, workDir string) error {
	ch := f.group.DoChan(workDir, func() (any, error) {
		// 共享的拉取不随单个调用方取消
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.opts.Timeout)
		defer cancel()
		return nil, f.ensure(fetchCtx, slug, workDir)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (f *Fetcher) ensure(ctx context.Context, slug, workDir string) error {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fetchErr(slug, err, nil)
	}

	state, err := f.State(workDir)
	if err != nil {
		return fetchErr(slug, err, nil)
	}
	if state == StateReady {
		f.logger.Debug("Workspace ready, skipping fetch", "project", slug, "dir", workDir)
		return nil
	}

	start := time.Now()
	f.logger.Info("Fetching project files", "project", slug, "state", state)

	err = f.fetch(ctx, slug, workDir)
	monitor.AssetFetchDuration.WithLabelValues(f.source.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		monitor.AssetFetchFailures.WithLabelValues(FailureKind(err)).Inc()
		f.logger.Error("Project fetch failed", "project", slug, "error", err)
		return err
	}

	f.logger.Info("Project files ready", "project", slug, "duration", time.Since(start).String())
	return nil
}

func (f *Fetcher) fetch(ctx context.Context, slug, workDir string) error {
	size, err := f.source.Stat(ctx, slug)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return fetchErr(slug, ErrObjectNotFound, err)
		}
		return fetchErr(slug, errors.New("stat archive"), err)
	}
	if size == 0 {
		return fetchErr(slug, ErrEmptyArchive, nil)
	}

	// 压缩包与解压后的文件需要大约两倍空间
	free, err := f.freeBytes(workDir)
	if err != nil {
		return fetchErr(slug, errors.New("check disk space"), err)
	}
	if free < uint64(size)*2 {
		return fetchErr(slug, ErrInsufficientSpace, fmt.Errorf("need %d bytes, have %d", uint64(size)*2, free))
	}

	parent := filepath.Dir(workDir)
	archivePath, err := f.download(ctx, slug, parent)
	if err != nil {
		return err
	}
	defer os.Remove(archivePath)

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		if zr != nil {
			zr.Close()
		}
		return fetchErr(slug, ErrCorruptArchive, err)
	}
	defer zr.Close()

	files, err := checkArchive(zr.File, f.opts.MaxExtractBytes)
	if err != nil {
		return fetchErr(slug, err, nil)
	}
	if files == 0 {
		return fetchErr(slug, ErrEmptyArchive, errors.New("archive holds no files"))
	}

	// 先解压到同一文件系统下的暂存目录，全部成功后再移入工作区
	staging, err := os.MkdirTemp(parent, "."+slug+"-staging-*")
	if err != nil {
		return fetchErr(slug, errors.New("create staging dir"), err)
	}
	defer os.RemoveAll(staging)

	if err := extractZip(&zr.Reader, staging, f.opts.MaxExtractBytes); err != nil {
		return fetchErr(slug, err, nil)
	}

	placeholder := filepath.Join(workDir, PlaceholderName)
	if isPlaceholder(placeholder) {
		_ = os.Remove(placeholder)
	}
	if err := promote(staging, workDir); err != nil {
		return fetchErr(slug, errors.New("move files into workspace"), err)
	}

	if err := writeMarker(workDir, f.now()); err != nil {
		return fetchErr(slug, errors.New("write cache marker"), err)
	}

	f.logger.Info("Extracted project archive", "project", slug, "files", files, "size", size)
	return nil
}

func (f *Fetcher) download(ctx context.Context, slug, dir string) (string, error) {
	body, err := f.source.Open(ctx, slug)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return "", fetchErr(slug, ErrObjectNotFound, err)
		}
		return "", fetchErr(slug, errors.New("open archive"), err)
	}
	defer body.Close()

	tmp, err := os.CreateTemp(dir, "."+slug+"-*.zip")
	if err != nil {
		return "", fetchErr(slug, errors.New("create temp file"), err)
	}

	n, err := io.Copy(tmp, body)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fetchErr(slug, errors.New("download archive"), err)
	}
	if n == 0 {
		os.Remove(tmp.Name())
		return "", fetchErr(slug, ErrEmptyArchive, errors.New("downloaded zero bytes"))
	}

	f.logger.Debug("Downloaded project archive", "project", slug, "bytes", n)
	return tmp.Name(), nil
}
