package sanitize

import (
	"regexp"
	"sort"
	"strings"
)

const maxSlugLength = 64

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Allowlist is the fixed set of project slugs a terminal may be opened for.
type Allowlist struct {
	set map[string]struct{}
}

func NewAllowlist(slugs []string) *Allowlist {
	a := &Allowlist{set: make(map[string]struct{}, len(slugs))}
	for _, s := range slugs {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			a.set[s] = struct{}{}
		}
	}
	return a
}

func (a *Allowlist) Contains(slug string) bool {
	_, ok := a.set[slug]
	return ok
}

// Slugs returns the allowlisted slugs in sorted order.
func (a *Allowlist) Slugs() []string {
	out := make([]string, 0, len(a.set))
	for s := range a.set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Sanitize trims raw, checks its characters and membership, and returns the
// lower-cased slug.
func (a *Allowlist) Sanitize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || len(trimmed) > maxSlugLength || !slugPattern.MatchString(trimmed) {
		return "", &SlugError{Slug: raw, Err: ErrInvalidSlugFormat}
	}

	slug := strings.ToLower(trimmed)
	if !a.Contains(slug) {
		return "", &SlugError{Slug: raw, Err: ErrSlugNotWhitelisted}
	}
	return slug, nil
}

// DefaultProjects 与前端作品集中的项目保持一致
var DefaultProjects = []string{
	"minishell",
	"push_swap",
	"philosophers",
	"minitalk",
	"fdf",
	"ft_irc",
	"minirt",
	"cub3d",
	"ft_transcendence",
}

var defaultAllowlist = NewAllowlist(DefaultProjects)

// SanitizeSlug validates raw against the built-in project allowlist.
func SanitizeSlug(raw string) (string, error) {
	return defaultAllowlist.Sanitize(raw)
}
