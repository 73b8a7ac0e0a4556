package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf16"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var contentPageNr = regexp.MustCompile(`_(\d+)\.txt$`)

// parsePDF dumps each page's content stream with pdfcpu and decodes the
// text-showing operators. Fonts with custom CMaps (Identity-H) come out
// as their raw codes and are filtered as unprintable.
func parsePDF(path string) (p Parsed, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdfcpu: %v", r)
		}
	}()

	tmp, err := os.MkdirTemp("", "pdf-content-*")
	if err != nil {
		return Parsed{}, err
	}
	defer os.RemoveAll(tmp)

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.ExtractContentFile(path, tmp, nil, conf); err != nil {
		return Parsed{}, fmt.Errorf("extract content: %w", err)
	}

	entries, err := os.ReadDir(tmp)
	if err != nil {
		return Parsed{}, err
	}
	type page struct {
		nr   int
		path string
	}
	var pages []page
	for _, e := range entries {
		m := contentPageNr.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		nr, _ := strconv.Atoi(m[1])
		pages = append(pages, page{nr: nr, path: filepath.Join(tmp, e.Name())})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].nr < pages[j].nr })

	parts := make([]string, 0, len(pages))
	for _, pg := range pages {
		data, err := os.ReadFile(pg.path)
		if err != nil {
			return Parsed{}, err
		}
		if text := normalizeWhitespace(contentStreamText(data)); text != "" {
			parts = append(parts, text)
		}
	}

	return Parsed{
		Text:     strings.Join(parts, "\n\n"),
		Metadata: map[string]string{"pages": strconv.Itoa(len(pages))},
	}, nil
}

type operandKind int

const (
	opNumber operandKind = iota
	opString
	opName
	opArray
	opOther
)

type operand struct {
	kind  operandKind
	num   float64
	str   string
	items []operand
}

// contentStreamText interprets the text operators of a PDF content
// stream: Tj, TJ, ' and " show strings, T*, Td, TD and ET move lines.
func contentStreamText(data []byte) string {
	var (
		b     strings.Builder
		stack []operand
		arr   [][]operand
	)

	newline := func() {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
	}
	space := func() {
		s := b.String()
		if b.Len() > 0 && !strings.HasSuffix(s, " ") && !strings.HasSuffix(s, "\n") {
			b.WriteByte(' ')
		}
	}
	push := func(o operand) {
		if len(arr) > 0 {
			arr[len(arr)-1] = append(arr[len(arr)-1], o)
			return
		}
		stack = append(stack, o)
	}
	lastString := func() (string, bool) {
		for i := len(stack) - 1; i >= 0; i-- {
			if stack[i].kind == opString {
				return stack[i].str, true
			}
		}
		return "", false
	}

	lx := &pdfLexer{data: data}
	for {
		tok, ok := lx.next()
		if !ok {
			break
		}
		switch tok.kind {
		case tokArrayOpen:
			arr = append(arr, nil)
		case tokArrayClose:
			if len(arr) == 0 {
				continue
			}
			items := arr[len(arr)-1]
			arr = arr[:len(arr)-1]
			push(operand{kind: opArray, items: items})
		case tokString:
			push(operand{kind: opString, str: tok.text})
		case tokNumber:
			push(operand{kind: opNumber, num: tok.num})
		case tokName:
			push(operand{kind: opName, str: tok.text})
		case tokDict:
			push(operand{kind: opOther})
		case tokOperator:
			switch tok.text {
			case "Tj":
				if s, ok := lastString(); ok {
					b.WriteString(s)
				}
			case "'", `"`:
				newline()
				if s, ok := lastString(); ok {
					b.WriteString(s)
				}
			case "TJ":
				if len(stack) > 0 && stack[len(stack)-1].kind == opArray {
					for _, it := range stack[len(stack)-1].items {
						switch it.kind {
						case opString:
							b.WriteString(it.str)
						case opNumber:
							// Large negative kerning is a word gap.
							if it.num < -200 {
								space()
							}
						}
					}
				}
			case "T*", "ET":
				newline()
			case "Td", "TD":
				if len(stack) >= 2 && stack[len(stack)-1].kind == opNumber && stack[len(stack)-1].num != 0 {
					newline()
				} else {
					space()
				}
			case "Tm":
				space()
			case "ID":
				lx.skipInlineImage()
			}
			stack = stack[:0]
			arr = arr[:0]
		}
	}
	return b.String()
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokString
	tokName
	tokOperator
	tokArrayOpen
	tokArrayClose
	tokDict
)

type pdfToken struct {
	kind tokenKind
	text string
	num  float64
}

type pdfLexer struct {
	data []byte
	pos  int
}

func isPDFSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func isPDFDelim(c byte) bool {
	return strings.IndexByte("()<>[]{}/%", c) >= 0
}

func (l *pdfLexer) next() (pdfToken, bool) {
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		switch {
		case isPDFSpace(c):
			l.pos++
		case c == '%':
			for l.pos < len(l.data) && l.data[l.pos] != '\n' && l.data[l.pos] != '\r' {
				l.pos++
			}
		case c == '(':
			l.pos++
			return pdfToken{kind: tokString, text: decodePDFString(l.literal())}, true
		case c == '<':
			if l.pos+1 < len(l.data) && l.data[l.pos+1] == '<' {
				l.pos += 2
				return pdfToken{kind: tokDict}, true
			}
			l.pos++
			return pdfToken{kind: tokString, text: decodePDFString(l.hex())}, true
		case c == '>':
			l.pos++
			if l.pos < len(l.data) && l.data[l.pos] == '>' {
				l.pos++
			}
			return pdfToken{kind: tokDict}, true
		case c == '[':
			l.pos++
			return pdfToken{kind: tokArrayOpen}, true
		case c == ']':
			l.pos++
			return pdfToken{kind: tokArrayClose}, true
		case c == '{' || c == '}':
			l.pos++
		case c == '/':
			l.pos++
			return pdfToken{kind: tokName, text: l.regular()}, true
		default:
			word := l.regular()
			if word == "" {
				l.pos++
				continue
			}
			if n, err := strconv.ParseFloat(word, 64); err == nil {
				return pdfToken{kind: tokNumber, num: n}, true
			}
			return pdfToken{kind: tokOperator, text: word}, true
		}
	}
	return pdfToken{}, false
}

func (l *pdfLexer) regular() string {
	start := l.pos
	for l.pos < len(l.data) && !isPDFSpace(l.data[l.pos]) && !isPDFDelim(l.data[l.pos]) {
		l.pos++
	}
	return string(l.data[start:l.pos])
}

// literal reads a (string) body; the opening paren is already consumed.
func (l *pdfLexer) literal() []byte {
	var out []byte
	depth := 1
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		l.pos++
		switch c {
		case '\\':
			if l.pos >= len(l.data) {
				return out
			}
			e := l.data[l.pos]
			l.pos++
			switch e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b':
				out = append(out, '\b')
			case 'f':
				out = append(out, '\f')
			case '\r':
				if l.pos < len(l.data) && l.data[l.pos] == '\n' {
					l.pos++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for i := 0; i < 2 && l.pos < len(l.data) && l.data[l.pos] >= '0' && l.data[l.pos] <= '7'; i++ {
						v = v*8 + int(l.data[l.pos]-'0')
						l.pos++
					}
					out = append(out, byte(v))
				} else {
					out = append(out, e)
				}
			}
		case '(':
			depth++
			out = append(out, c)
		case ')':
			depth--
			if depth == 0 {
				return out
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return out
}

// hex reads a <hex string> body; the opening bracket is already consumed.
func (l *pdfLexer) hex() []byte {
	var digits []byte
	for l.pos < len(l.data) && l.data[l.pos] != '>' {
		c := l.data[l.pos]
		if unicode.Is(unicode.ASCII_Hex_Digit, rune(c)) {
			digits = append(digits, c)
		}
		l.pos++
	}
	l.pos++
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, len(digits)/2)
	for i := range out {
		v, _ := strconv.ParseUint(string(digits[2*i:2*i+2]), 16, 8)
		out[i] = byte(v)
	}
	return out
}

func (l *pdfLexer) skipInlineImage() {
	for l.pos+2 < len(l.data) {
		if isPDFSpace(l.data[l.pos]) && l.data[l.pos+1] == 'E' && l.data[l.pos+2] == 'I' &&
			(l.pos+3 >= len(l.data) || isPDFSpace(l.data[l.pos+3])) {
			l.pos += 3
			return
		}
		l.pos++
	}
	l.pos = len(l.data)
}

// decodePDFString handles UTF-16BE strings (with BOM) and otherwise treats
// bytes as Latin-1, which matches PDFDocEncoding for printable text.
func decodePDFString(raw []byte) string {
	if len(raw) >= 2 && raw[0] == 0xFE && raw[1] == 0xFF {
		u := make([]uint16, 0, (len(raw)-2)/2)
		for i := 2; i+1 < len(raw); i += 2 {
			u = append(u, uint16(raw[i])<<8|uint16(raw[i+1]))
		}
		return string(utf16.Decode(u))
	}
	var b strings.Builder
	for _, c := range raw {
		r := rune(c)
		if unicode.IsPrint(r) || r == '\n' || r == '\t' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
