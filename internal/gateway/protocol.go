package gateway

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"terminal/internal/sandbox"
)

type resizeFrame struct {
	Rows *int `json:"rows"`
	Cols *int `json:"cols"`
}

// clientFrame 是客户端发来的 JSON 帧
type clientFrame struct {
	Input  *string      `json:"input"`
	Resize *resizeFrame `json:"resize"`
}

type outputFrame struct {
	Output string `json:"output"`
}

type errorFrame struct {
	Error string `json:"error"`
}

type inbound struct {
	input    string
	hasInput bool
	resize   bool
	rows     uint16
	cols     uint16
}

// parseFrame decodes one client message. Anything that is not a JSON object
// is raw input.
func parseFrame(data []byte) (inbound, bool) {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return inbound{input: string(data), hasInput: true}, true
	}

	var msg inbound
	if f.Input != nil {
		msg.input, msg.hasInput = *f.Input, true
	}
	if f.Resize != nil {
		msg.resize = true
		msg.rows = dimension(f.Resize.Rows, sandbox.DefaultRows)
		msg.cols = dimension(f.Resize.Cols, sandbox.DefaultCols)
	}
	return msg, msg.hasInput || msg.resize
}

func dimension(v *int, def uint16) uint16 {
	if v == nil || *v <= 0 || *v > 0xffff {
		return def
	}
	return uint16(*v)
}

// utf8Carry holds back a trailing partial UTF-8 sequence so that a multi-byte
// character split across two pty reads is sent intact.
type utf8Carry struct {
	pending []byte
}

func (c *utf8Carry) push(chunk []byte) string {
	buf := append(c.pending, chunk...)
	c.pending = nil

	cut := len(buf)
	// 最多回看 3 个字节寻找未完成的多字节序列
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(buf[i]) {
			continue
		}
		if !utf8.FullRune(buf[i:]) {
			cut = i
		}
		break
	}

	if cut < len(buf) {
		c.pending = append([]byte(nil), buf[cut:]...)
	}
	return string(buf[:cut])
}

func (c *utf8Carry) flush() string {
	s := string(c.pending)
	c.pending = nil
	return s
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)|\x1b[@-Z\\-_]`)

// looksLikePrompt reports whether output ends the way an interactive shell
// prompt does.
func looksLikePrompt(output string) bool {
	plain := ansiEscape.ReplaceAllString(output, "")
	plain = strings.TrimRight(plain, " \t")
	if plain == "" {
		return false
	}
	switch plain[len(plain)-1] {
	case '$', '#', '>', '%':
		return true
	}
	return false
}
