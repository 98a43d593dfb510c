package sanitize

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSlugFormat = errors.New("invalid project identifier format")

	ErrSlugNotWhitelisted = errors.New("project not available")

	ErrPathEscape = errors.New("path escapes base directory")

	ErrInvalidFileName = errors.New("invalid file name")
)

// SlugError 记录被拒绝的原始输入，Unwrap 返回具体的哨兵错误
type SlugError struct {
	Slug string
	Err  error
}

func (e *SlugError) Error() string {
	return fmt.Sprintf("%v: %q", e.Err, e.Slug)
}

func (e *SlugError) Unwrap() error { return e.Err }
