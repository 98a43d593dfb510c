package workspace

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type zipEntry struct {
	name string
	body string
	mode os.FileMode
}

func buildZip(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		if e.mode != 0 {
			hdr.SetMode(e.mode)
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(w, e.body); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// countingSource 包装 LocalSource 并统计 Open 次数
type countingSource struct {
	*LocalSource
	opens atomic.Int32
	delay time.Duration
}

func (s *countingSource) Open(ctx context.Context, slug string) (io.ReadCloser, error) {
	s.opens.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.LocalSource.Open(ctx, slug)
}

type fixture struct {
	archives string
	base     string
	source   *countingSource
	fetcher  *Fetcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	archives := t.TempDir()
	base := t.TempDir()
	src := &countingSource{LocalSource: NewLocalSource(archives)}
	f := NewFetcher(src, Options{BaseDir: base, CacheTTL: 24 * time.Hour, MaxExtractBytes: 1 << 20}, testLogger())
	return &fixture{archives: archives, base: base, source: src, fetcher: f}
}

func (fx *fixture) putArchive(t *testing.T, slug string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(fx.archives, slug+".zip"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func (fx *fixture) workDir(t *testing.T, slug string) string {
	t.Helper()
	dir, err := fx.fetcher.WorkDir(slug)
	if err != nil {
		t.Fatal(err)
	}
	return dir
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

func TestEnsureAssetsExtractsAndMarks(t *testing.T) {
	fx := newFixture(t)
	fx.putArchive(t, "minishell", buildZip(t,
		zipEntry{name: "src/"},
		zipEntry{name: "src/main.c", body: "int main(void) { return 0; }\n"},
		zipEntry{name: "Makefile", body: "all:\n"},
		zipEntry{name: "README.md", body: "# minishell\n"},
	))
	dir := fx.workDir(t, "minishell")

	if err := fx.fetcher.EnsureAssets(context.Background(), "minishell", dir); err != nil {
		t.Fatalf("EnsureAssets: %v", err)
	}

	if got := readFile(t, filepath.Join(dir, "src", "main.c")); got != "int main(void) { return 0; }\n" {
		t.Errorf("main.c = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, MarkerName)); err != nil {
		t.Errorf("marker missing: %v", err)
	}
	if state, _ := fx.fetcher.State(dir); state != StateReady {
		t.Errorf("State = %s, want ready", state)
	}

	// staging 与临时下载文件都应被清理
	leftovers, _ := filepath.Glob(filepath.Join(fx.base, ".minishell-*"))
	if len(leftovers) != 0 {
		t.Errorf("temporary files left behind: %v", leftovers)
	}
}

func TestEnsureAssetsIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	fx.putArchive(t, "fdf", buildZip(t, zipEntry{name: "fdf.c", body: "original"}))
	dir := fx.workDir(t, "fdf")
	ctx := context.Background()

	if err := fx.fetcher.EnsureAssets(ctx, "fdf", dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "fdf.c"), []byte("edited"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fx.fetcher.EnsureAssets(ctx, "fdf", dir); err != nil {
		t.Fatal(err)
	}

	if got := fx.source.opens.Load(); got != 1 {
		t.Errorf("archive opened %d times, want 1", got)
	}
	if got := readFile(t, filepath.Join(dir, "fdf.c")); got != "edited" {
		t.Errorf("second call re-extracted: fdf.c = %q", got)
	}
}

func TestEnsureAssetsConcurrentCallsShareOneFetch(t *testing.T) {
	fx := newFixture(t)
	fx.source.delay = 50 * time.Millisecond
	fx.putArchive(t, "cub3d", buildZip(t, zipEntry{name: "cub3d.c", body: "x"}))
	dir := fx.workDir(t, "cub3d")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- fx.fetcher.EnsureAssets(context.Background(), "cub3d", dir)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("EnsureAssets: %v", err)
		}
	}
	if got := fx.source.opens.Load(); got != 1 {
		t.Errorf("archive opened %d times, want 1", got)
	}
	if got := readFile(t, filepath.Join(dir, "cub3d.c")); got != "x" {
		t.Errorf("cub3d.c = %q", got)
	}
}

func TestEnsureAssetsFailures(t *testing.T) {
	tests := []struct {
		name    string
		archive []byte
		missing bool
		free    uint64
		want    error
	}{
		{name: "not found", missing: true, want: ErrObjectNotFound},
		{name: "zero bytes", archive: []byte{}, want: ErrEmptyArchive},
		{name: "not a zip", archive: []byte("definitely not a zip file"), want: ErrCorruptArchive},
		{name: "no files", archive: buildZip(t, zipEntry{name: "empty/"}), want: ErrEmptyArchive},
		{
			name:    "disallowed extension",
			archive: buildZip(t, zipEntry{name: "ok.c", body: "x"}, zipEntry{name: "payload.so", body: "x"}),
			want:    ErrDisallowedFile,
		},
		{
			name:    "symlink entry",
			archive: buildZip(t, zipEntry{name: "link", body: "/etc/passwd", mode: os.ModeSymlink | 0o777}),
			want:    ErrDisallowedFile,
		},
		{
			name:    "zip slip",
			archive: buildZip(t, zipEntry{name: "../escape.c", body: "x"}),
			want:    ErrCorruptArchive,
		},
		{
			name:    "too large",
			archive: buildZip(t, zipEntry{name: "big.txt", body: string(bytes.Repeat([]byte("a"), 2<<20))}),
			want:    ErrCorruptArchive,
		},
		{
			name:    "insufficient space",
			archive: buildZip(t, zipEntry{name: "a.c", body: "x"}),
			free:    1,
			want:    ErrInsufficientSpace,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			if !tt.missing {
				fx.putArchive(t, "push_swap", tt.archive)
			}
			if tt.free > 0 {
				fx.fetcher.freeBytes = func(string) (uint64, error) { return tt.free, nil }
			}
			dir := fx.workDir(t, "push_swap")

			err := fx.fetcher.EnsureAssets(context.Background(), "push_swap", dir)
			if !errors.Is(err, tt.want) {
				t.Fatalf("EnsureAssets error = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrAssetFetchFailed) {
				t.Errorf("error should wrap ErrAssetFetchFailed: %v", err)
			}

			entries, _ := os.ReadDir(dir)
			if len(entries) != 0 {
				t.Errorf("failed fetch left files in workspace: %v", entries)
			}
			if state, _ := fx.fetcher.State(dir); state != StateEmpty {
				t.Errorf("State = %s, want empty", state)
			}
			if _, err := os.Stat(filepath.Join(fx.base, "escape.c")); err == nil {
				t.Error("zip slip wrote outside the workspace")
			}
		})
	}
}

func TestEnsureAssetsRefetchesStaleWorkspace(t *testing.T) {
	fx := newFixture(t)
	fx.putArchive(t, "minitalk", buildZip(t, zipEntry{name: "server.c", body: "v2"}))
	dir := fx.workDir(t, "minitalk")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "server.c"), []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := writeMarker(dir, time.Now().Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}

	if state, _ := fx.fetcher.State(dir); state != StateStale {
		t.Fatalf("State = %s, want stale", state)
	}
	if err := fx.fetcher.EnsureAssets(context.Background(), "minitalk", dir); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, filepath.Join(dir, "server.c")); got != "v2" {
		t.Errorf("server.c = %q, want v2", got)
	}
	if state, _ := fx.fetcher.State(dir); state != StateReady {
		t.Errorf("State = %s, want ready", state)
	}
}

func TestPlaceholderLifecycle(t *testing.T) {
	fx := newFixture(t)
	dir := fx.workDir(t, "ft_irc")

	if err := WritePlaceholder(dir, "ft_irc"); err != nil {
		t.Fatal(err)
	}
	if state, _ := fx.fetcher.State(dir); state != StateEmpty {
		t.Fatalf("placeholder-only workspace should be empty, got %s", state)
	}

	fx.putArchive(t, "ft_irc", buildZip(t, zipEntry{name: "ircserv.c", body: "x"}))
	if err := fx.fetcher.EnsureAssets(context.Background(), "ft_irc", dir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, PlaceholderName)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("placeholder should be removed after a successful fetch, stat err = %v", err)
	}
}

func TestWritePlaceholderKeepsRealReadme(t *testing.T) {
	dir := t.TempDir()
	readme := filepath.Join(dir, PlaceholderName)
	if err := os.WriteFile(readme, []byte("# real"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WritePlaceholder(dir, "fdf"); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, readme); got != "# real" {
		t.Errorf("README overwritten: %q", got)
	}
}

func TestPreProvisionedWorkspaceIsReady(t *testing.T) {
	fx := newFixture(t)
	dir := fx.workDir(t, "minirt")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.c"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := fx.fetcher.EnsureAssets(context.Background(), "minirt", dir); err != nil {
		t.Fatal(err)
	}
	if got := fx.source.opens.Load(); got != 0 {
		t.Errorf("pre-provisioned workspace triggered %d fetches", got)
	}
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	b, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(b)))}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func TestS3Source(t *testing.T) {
	archive := buildZip(t, zipEntry{name: "philo.c", body: "x"})
	client := &fakeS3{objects: map[string][]byte{"project-files/philosophers.zip": archive}}
	src := NewS3Source(client, "bucket", "project-files/")
	ctx := context.Background()

	size, err := src.Stat(ctx, "philosophers")
	if err != nil || size != int64(len(archive)) {
		t.Fatalf("Stat = %d, %v", size, err)
	}
	if _, err := src.Stat(ctx, "fdf"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Stat(missing) error = %v, want ErrObjectNotFound", err)
	}
	if _, err := src.Open(ctx, "fdf"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Open(missing) error = %v, want ErrObjectNotFound", err)
	}

	base := t.TempDir()
	f := NewFetcher(src, Options{BaseDir: base}, testLogger())
	dir, err := f.WorkDir("philosophers")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.EnsureAssets(ctx, "philosophers", dir); err != nil {
		t.Fatalf("EnsureAssets via S3: %v", err)
	}
	if got := readFile(t, filepath.Join(dir, "philo.c")); got != "x" {
		t.Errorf("philo.c = %q", got)
	}
}

func TestFailureKind(t *testing.T) {
	if got := FailureKind(fetchErr("x", ErrInsufficientSpace, nil)); got != "insufficient-space" {
		t.Errorf("FailureKind = %q", got)
	}
	if got := FailureKind(errors.New("boom")); got != "other" {
		t.Errorf("FailureKind = %q", got)
	}
}
