package sandbox

import (
	"sort"
	"strings"
	"time"
)

type Options struct {
	ShellPath string
	Args      []string
	// Restricted 追加 --restricted（rbash 会禁止 cd 和带 / 的命令名）
	Restricted bool
	Dir        string
	Home       string
	Path       string
	// Env 是额外环境变量，加载器劫持类变量会被丢弃
	Env            map[string]string
	Rows           uint16
	Cols           uint16
	Limits         Limits
	TerminateGrace time.Duration
}

// Limits are the per-process resource ceilings applied right after start.
type Limits struct {
	CPUSeconds    uint64
	FileSizeBytes uint64
	MaxProcesses  uint64
}

const (
	DefaultRows = 24
	DefaultCols = 80

	maxDimension = 1000

	prompt = `\[\033[1;32m\]coder@portfolio\[\033[0m\]:\[\033[1;34m\]\w\[\033[0m\]\$ `
)

var blockedEnvPrefixes = []string{"LD_", "BASH_FUNC_", "DYLD_"}

var blockedEnvKeys = map[string]bool{
	"BASH_ENV":       true,
	"ENV":            true,
	"SHELLOPTS":      true,
	"BASHOPTS":       true,
	"IFS":            true,
	"PROMPT_COMMAND": true,
	"GCONV_PATH":     true,
}

// BuildEnv returns the shell environment. Nothing is inherited from the
// gateway process.
func BuildEnv(opts Options) []string {
	env := map[string]string{
		"PATH":       opts.Path,
		"HOME":       opts.Home,
		"TERM":       "xterm-256color",
		"COLORTERM":  "truecolor",
		"SHELL":      opts.ShellPath,
		"LANG":       "C.UTF-8",
		"USER":       "coder",
		"PS1":        prompt,
		"LESSSECURE": "1",
	}
	for k, v := range opts.Env {
		if envBlocked(k) {
			continue
		}
		env[k] = v
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func envBlocked(key string) bool {
	upper := strings.ToUpper(key)
	if blockedEnvKeys[upper] {
		return true
	}
	for _, p := range blockedEnvPrefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	return false
}

func validSize(rows, cols uint16) bool {
	return rows > 0 && cols > 0 && rows <= maxDimension && cols <= maxDimension
}
