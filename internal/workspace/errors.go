package workspace

import (
	"errors"
	"fmt"
)

var (
	ErrAssetFetchFailed = errors.New("asset fetch failed")

	ErrObjectNotFound = errors.New("project archive not found")

	ErrInsufficientSpace = errors.New("insufficient disk space")

	ErrCorruptArchive = errors.New("corrupt archive")

	ErrDisallowedFile = errors.New("disallowed file in archive")

	ErrEmptyArchive = errors.New("empty archive")
)

// FetchError 描述一次失败的拉取：Kind 为上面的分类哨兵，Err 为底层原因
type FetchError struct {
	Slug string
	Kind error
	Err  error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v for %s: %v", ErrAssetFetchFailed, e.Slug, e.Kind)
	}
	return fmt.Sprintf("%v for %s: %v: %v", ErrAssetFetchFailed, e.Slug, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() []error {
	errs := []error{ErrAssetFetchFailed}
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func fetchErr(slug string, kind, err error) error {
	return &FetchError{Slug: slug, Kind: kind, Err: err}
}

// FailureKind returns the short label of a fetch failure for metrics.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrObjectNotFound):
		return "not-found"
	case errors.Is(err, ErrInsufficientSpace):
		return "insufficient-space"
	case errors.Is(err, ErrDisallowedFile):
		return "disallowed-file-type"
	case errors.Is(err, ErrEmptyArchive):
		return "empty"
	case errors.Is(err, ErrCorruptArchive):
		return "corrupt-archive"
	default:
		return "other"
	}
}
