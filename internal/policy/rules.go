package policy

import (
	"regexp"
	"strings"
)

// rule 是一条允许规则：程序名 + 参数形状校验
type rule struct {
	name     string
	programs []string
	args     func(args []string) bool
}

func (r rule) match(program string, args []string) bool {
	for _, p := range r.programs {
		if p == program {
			return r.args(args)
		}
	}
	return false
}

var (
	relPathPattern  = regexp.MustCompile(`^[A-Za-z0-9_.+\-/]+$`)
	shortFlag       = regexp.MustCompile(`^-[A-Za-z0-9]+$`)
	longFlag        = regexp.MustCompile(`^--[a-z][a-z-]*(=[a-z]+)?$`)
	compilerFlag    = regexp.MustCompile(`^-[A-Za-z0-9_=.,+\-]+$`)
	makeTarget      = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-]*$`)
	makeJobs        = regexp.MustCompile(`^-j[0-9]*$`)
	localBinary     = regexp.MustCompile(`^\./[A-Za-z0-9_][A-Za-z0-9_.\-]*$`)
	plainArgument   = regexp.MustCompile(`^[A-Za-z0-9_.,:=+\-]+$`)
	manTopic        = regexp.MustCompile(`^[A-Za-z0-9_.+\-]+$`)
	echoForbidden   = ";&|<>`$\\!\x00"
	compilerBlocked = []string{"-wrapper", "-fplugin", "-specs", "-B", "-Xlinker", "-Wl,", "-fuse-ld", "-iplugindir", "-no-canonical-prefixes"}
)

// allowRules 按顺序匹配，首个命中即放行
var allowRules = []rule{
	{name: "list", programs: []string{"ls"}, args: each(orFn(isFlag, isRelPath))},
	{name: "read", programs: []string{"cat"}, args: readArgs},
	{name: "chdir", programs: []string{"cd"}, args: atMost(1, isRelPath)},
	{name: "pwd", programs: []string{"pwd"}, args: none},
	{name: "echo", programs: []string{"echo"}, args: each(isEchoText)},
	{name: "clear", programs: []string{"clear"}, args: none},
	{name: "make", programs: []string{"make"}, args: each(orFn(isMakeTarget, isMakeFlag))},
	{name: "compile", programs: []string{"gcc", "cc", "clang", "g++", "c++"}, args: compileArgs},
	{name: "touch", programs: []string{"touch"}, args: atLeastOne(isRelPath)},
	{name: "mkdir", programs: []string{"mkdir"}, args: mkdirArgs},
	{name: "help", programs: []string{"help"}, args: atMost(1, isManTopic)},
	{name: "man", programs: []string{"man"}, args: exactlyOne(isManTopic)},
	{name: "download", programs: []string{"download"}, args: exactlyOne(isRelPath)},
}

// isRelPath 只接受工作区内的相对路径：无绝对路径、无 ~、无 .. 段、无通配符
func isRelPath(s string) bool {
	if !relPathPattern.MatchString(s) || strings.HasPrefix(s, "/") || strings.HasPrefix(s, "-") {
		return false
	}
	for _, seg := range strings.Split(s, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}

func isFlag(s string) bool {
	return shortFlag.MatchString(s) || longFlag.MatchString(s)
}

func isEchoText(s string) bool {
	return !strings.ContainsAny(s, echoForbidden)
}

func isMakeTarget(s string) bool { return makeTarget.MatchString(s) }

func isMakeFlag(s string) bool { return makeJobs.MatchString(s) || s == "-s" }

func isManTopic(s string) bool { return manTopic.MatchString(s) && !strings.HasPrefix(s, "-") }

func readArgs(args []string) bool {
	files := 0
	for _, a := range args {
		switch {
		case shortFlag.MatchString(a):
		case isRelPath(a):
			files++
		default:
			return false
		}
	}
	return files > 0
}

func mkdirArgs(args []string) bool {
	dirs := 0
	for _, a := range args {
		switch {
		case a == "-p":
		case isRelPath(a):
			dirs++
		default:
			return false
		}
	}
	return dirs > 0
}

func compileArgs(args []string) bool {
	if len(args) == 0 {
		return false
	}
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			if !compilerFlag.MatchString(a) {
				return false
			}
			for _, blocked := range compilerBlocked {
				if strings.HasPrefix(a, blocked) {
					return false
				}
			}
			if strings.Contains(a, "plugin") {
				return false
			}
			continue
		}
		if !isRelPath(a) {
			return false
		}
	}
	return true
}

func runLocalArgs(args []string) bool {
	for _, a := range args {
		if !plainArgument.MatchString(a) {
			return false
		}
	}
	return true
}

func none(args []string) bool { return len(args) == 0 }

func each(fn func(string) bool) func([]string) bool {
	return func(args []string) bool {
		for _, a := range args {
			if !fn(a) {
				return false
			}
		}
		return true
	}
}

func atMost(n int, fn func(string) bool) func([]string) bool {
	return func(args []string) bool {
		return len(args) <= n && each(fn)(args)
	}
}

func atLeastOne(fn func(string) bool) func([]string) bool {
	return func(args []string) bool {
		return len(args) > 0 && each(fn)(args)
	}
}

func exactlyOne(fn func(string) bool) func([]string) bool {
	return func(args []string) bool {
		return len(args) == 1 && fn(args[0])
	}
}

func orFn(fns ...func(string) bool) func(string) bool {
	return func(s string) bool {
		for _, fn := range fns {
			if fn(s) {
				return true
			}
		}
		return false
	}
}

// 以下为拒绝检查使用的特征列表

var escapeIndicators = []string{
	"docker", "kubectl", "sudo", "ssh", "--privileged", "--cap-add",
	"nsenter", "unshare", "mount", "umount", "chroot", "pivot_root",
	"cgroup", "setns", "ptrace", "ld.so", "proc", "/dev/", "/sys/",
}

// su 需要按词匹配，否则会误伤 "sum"、"sudo" 之类的词
var escapeWords = []string{"su", "doas", "pkexec", "nc", "ncat", "socat"}

var operators = []string{";", "&&", "||", "`", "$(", "|", ">", "<", "&", "\n"}

type pattern struct {
	name string
	re   *regexp.Regexp
}

var dangerousPatterns = []pattern{
	{"recursive-force-delete", regexp.MustCompile(`\brm\s+(-[A-Za-z]*r[A-Za-z]*f|-[A-Za-z]*f[A-Za-z]*r|-r\s+-f|-f\s+-r)`)},
	{"world-writable-chmod", regexp.MustCompile(`\bchmod\s+(-R\s+)?0?777\b`)},
	{"fork-bomb", regexp.MustCompile(`:\(\)\s*\{`)},
	{"pipe-to-shell", regexp.MustCompile(`\b(curl|wget)\b.*\|\s*(ba|z|da)?sh\b`)},
	{"device-redirect", regexp.MustCompile(`>\s*/(dev|proc|sys)\b`)},
	{"mkfs", regexp.MustCompile(`\bmkfs(\.\w+)?\b`)},
	{"raw-copy", regexp.MustCompile(`\bdd\s+if=`)},
}
