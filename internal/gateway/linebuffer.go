package gateway

import (
	"regexp"
	"strings"
	"unicode"
)

type stepKind int

const (
	// stepForward 原样写入 shell 的按键
	stepForward stepKind = iota
	// stepSubmit 行结束符，需要先校验 Line
	stepSubmit
)

type step struct {
	kind stepKind
	data string
	// 以下字段仅对 stepSubmit 有效
	line       string
	verifiable bool
}

const (
	keyCtrlA     = 0x01
	keyCtrlB     = 0x02
	keyCtrlC     = 0x03
	keyCtrlD     = 0x04
	keyCtrlE     = 0x05
	keyCtrlF     = 0x06
	keyBackspace = 0x08
	keyTab       = 0x09
	keyCtrlK     = 0x0b
	keyCtrlL     = 0x0c
	keyCtrlU     = 0x15
	keyCtrlW     = 0x17
	keyEsc       = 0x1b
	keyDelete    = 0x7f

	pasteStart = "[200~"
	pasteEnd   = "[201~"

	maxEscLen = 16
)

// lineKill discards whatever the shell's editor holds, wherever the cursor
// is: end of line, kill line, then ^C for editors where ^U only kills to the
// left of the cursor. No CR follows, so nothing is ever submitted.
const lineKill = "\x05\x15\x03"

// 允许转发的光标类转义序列：方向键、Home/End、Delete（CSI 与 SS3 两种形式）
var cursorSequence = regexp.MustCompile(`^(\[([0-9]+(;[0-9]+)?)?[ABCDHF]|\[[13478]~|O[ABCDHF])$`)

// lineBuffer tracks what the shell's line editor holds so that a line can
// be validated when it is submitted.
//
// Only keys with a known effect reach the shell. Cursor movement, history
// recall and completion are forwarded but make the line unverifiable until
// ^C or the next submit. Every other control key and escape sequence is
// dropped, since readline binds some of them to actions that run the line
// without a CR (^O, ^X^E, M-#). Bracketed-paste markers are dropped too, so
// a CR inside a paste is always a submit the gateway sees.
type lineBuffer struct {
	line       []rune
	unverified bool

	inEsc  bool
	escSeq []rune
}

// feed splits input into forwardable keystroke runs and submit points.
func (b *lineBuffer) feed(input string) []step {
	var steps []step
	var fwd strings.Builder

	flush := func() {
		if fwd.Len() > 0 {
			steps = append(steps, step{kind: stepForward, data: fwd.String()})
			fwd.Reset()
		}
	}

	for _, r := range input {
		if b.inEsc {
			b.consumeEsc(r, &fwd)
			continue
		}

		switch {
		case r == '\r' || r == '\n':
			flush()
			steps = append(steps, step{
				kind:       stepSubmit,
				data:       string(r),
				line:       string(b.line),
				verifiable: !b.unverified,
			})
			b.reset()
			continue
		case r == keyEsc:
			b.inEsc = true
			b.escSeq = b.escSeq[:0]
			continue
		case r == keyBackspace || r == keyDelete:
			if len(b.line) > 0 {
				b.line = b.line[:len(b.line)-1]
			}
		case r == keyCtrlC:
			b.reset()
		case r == keyCtrlU:
			// 光标位置未知时 ^U 只删除光标左侧，unverified 保持不变
			b.line = b.line[:0]
		case r == keyCtrlW:
			b.eraseWord()
		case r == keyCtrlL || r == keyCtrlK || r == keyCtrlD:
			// 光标在行尾时不改变行内容
		case r == keyTab || r == keyCtrlA || r == keyCtrlB || r == keyCtrlE || r == keyCtrlF:
			b.unverified = true
		case unicode.IsControl(r):
			continue
		default:
			b.line = append(b.line, r)
		}
		fwd.WriteRune(r)
	}

	flush()
	return steps
}

func (b *lineBuffer) consumeEsc(r rune, fwd *strings.Builder) {
	b.escSeq = append(b.escSeq, r)
	n := len(b.escSeq)

	switch {
	case n == 1 && (r == '[' || r == 'O'):
		return
	case n > 1 && b.escSeq[0] == '[' && (r < 0x40 || r > 0x7e) && n <= maxEscLen:
		// CSI 直到 0x40-0x7E 结束
		return
	}

	b.inEsc = false
	seq := string(b.escSeq)
	switch {
	case seq == pasteStart || seq == pasteEnd:
	case cursorSequence.MatchString(seq):
		fwd.WriteRune(keyEsc)
		fwd.WriteString(seq)
		b.unverified = true
	}
}

func (b *lineBuffer) eraseWord() {
	i := len(b.line)
	for i > 0 && b.line[i-1] == ' ' {
		i--
	}
	for i > 0 && b.line[i-1] != ' ' {
		i--
	}
	b.line = b.line[:i]
}

func (b *lineBuffer) reset() {
	b.line = b.line[:0]
	b.unverified = false
	b.inEsc = false
}
