package serialization

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// IndentWidth is the number of spaces per nesting level used by Indent.
const IndentWidth = 2

// Indent pretty-prints an XML fragment for display. Each element starts on
// its own line indented IndentWidth spaces per level; text-only elements
// stay on one line and their text, including whitespace, is kept exactly.
// Whitespace between elements is dropped. Several top-level elements are
// allowed, since PSRP bodies are fragments of an <Objs> document.
func Indent(text string) (string, error) {
	p := &printer{dec: xml.NewDecoder(strings.NewReader(text))}
	if err := p.run(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCLIXML, err)
	}
	return p.b.String(), nil
}

type printer struct {
	dec *xml.Decoder
	b   strings.Builder

	stack    []xml.Name
	hasChild []bool
	open     bool   // last start tag still needs its '>'
	text     []byte // character data not yet written
}

func (p *printer) run() error {
	for {
		tok, err := p.dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			p.beginChild()
			p.b.WriteByte('<')
			p.b.WriteString(qualified(t.Name))
			for _, a := range t.Attr {
				p.b.WriteByte(' ')
				p.b.WriteString(qualified(a.Name))
				p.b.WriteString(`="`)
				p.escapeAttr(a.Value)
				p.b.WriteByte('"')
			}
			p.open = true
			p.stack = append(p.stack, t.Name)
			p.hasChild = append(p.hasChild, false)

		case xml.EndElement:
			n := len(p.stack)
			if n == 0 || p.stack[n-1] != t.Name {
				return fmt.Errorf("unexpected end element </%s>", qualified(t.Name))
			}
			child := p.hasChild[n-1]
			if child {
				// Trailing text belongs to the element being closed.
				p.flushMixedText()
			}
			p.stack = p.stack[:n-1]
			p.hasChild = p.hasChild[:n-1]

			if child {
				p.newline(n - 1)
			} else {
				if p.open && len(p.text) == 0 {
					p.b.WriteString(" />")
					p.open = false
					continue
				}
				p.closeStart()
				p.escape(p.text)
				p.text = p.text[:0]
			}
			p.b.WriteString("</")
			p.b.WriteString(qualified(t.Name))
			p.b.WriteByte('>')

		case xml.CharData:
			p.text = append(p.text, t...)

		case xml.Comment:
			p.beginChild()
			p.b.WriteString("<!--")
			p.b.Write(t)
			p.b.WriteString("-->")

		case xml.ProcInst:
			p.beginChild()
			p.b.WriteString("<?")
			p.b.WriteString(t.Target)
			if len(t.Inst) > 0 {
				p.b.WriteByte(' ')
				p.b.Write(t.Inst)
			}
			p.b.WriteString("?>")

		case xml.Directive:
			p.beginChild()
			p.b.WriteString("<!")
			p.b.Write(t)
			p.b.WriteByte('>')
		}
	}

	if len(p.stack) > 0 {
		return fmt.Errorf("unclosed element <%s>", qualified(p.stack[len(p.stack)-1]))
	}
	p.flushMixedText()
	return nil
}

// beginChild starts a new line for a child node of the current element.
func (p *printer) beginChild() {
	p.flushMixedText()
	p.closeStart()
	if n := len(p.hasChild); n > 0 {
		p.hasChild[n-1] = true
	}
	p.newline(len(p.stack))
}

// flushMixedText writes pending text that sits next to sibling elements or
// at the top level on its own line. Whitespace there is formatting and is
// dropped.
func (p *printer) flushMixedText() {
	if trimmed := bytes.TrimSpace(p.text); len(trimmed) > 0 {
		p.closeStart()
		p.newline(len(p.stack))
		p.escape(trimmed)
	}
	p.text = p.text[:0]
}

func (p *printer) closeStart() {
	if p.open {
		p.b.WriteByte('>')
		p.open = false
	}
}

func (p *printer) newline(depth int) {
	if p.b.Len() > 0 {
		p.b.WriteByte('\n')
	}
	p.b.WriteString(strings.Repeat(" ", depth*IndentWidth))
}

// textEscaper escapes only what character data requires, so quotes and
// line breaks in string values stay readable. A carriage return is kept as
// a reference because parsers normalize a literal one to '\n'.
var textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "\r", "&#xD;")

func (p *printer) escape(s []byte) {
	_, _ = textEscaper.WriteString(&p.b, string(s))
}

func (p *printer) escapeAttr(s string) {
	_ = xml.EscapeText(&p.b, []byte(s))
}

func qualified(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}
