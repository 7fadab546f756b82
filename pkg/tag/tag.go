package tag

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Tag represents a node inside an iRODS protocol message. A message is a tree
// of named tags where leaf tags carry a scalar value and branch tags carry an
// ordered list of children. Tags are constructed bottom-up and must not be
// mutated after being handed to the wire layer.
type Tag struct {
	Name     string
	Value    string
	Children []Tag
}

// New constructs a branch tag holding the given children in order.
func New(name string, children ...Tag) Tag {
	return Tag{Name: name, Children: children}
}

// NewValue constructs a leaf tag holding the given scalar value.
func NewValue(name, value string) Tag {
	return Tag{Name: name, Value: value}
}

// NewInt constructs a leaf tag holding the given integer value.
func NewInt(name string, value int64) Tag {
	return Tag{Name: name, Value: strconv.FormatInt(value, 10)}
}

// Get returns the first direct child with the given name, or nil when no such
// child exists.
func (t *Tag) Get(name string) *Tag {
	for i := range t.Children {
		if t.Children[i].Name == name {
			return &t.Children[i]
		}
	}

	return nil
}

// String returns the scalar value of the first direct child with the given
// name, or an empty string when no such child exists.
func (t *Tag) String(name string) string {
	child := t.Get(name)
	if child == nil {
		return ""
	}

	return child.Value
}

// Int returns the scalar value of the first direct child with the given name
// interpreted as an integer. Zero is returned for a missing or malformed
// child.
func (t *Tag) Int(name string) int64 {
	value, err := strconv.ParseInt(t.String(name), 10, 64)
	if err != nil {
		return 0
	}

	return value
}

// Encode serializes the tag tree into its iRODS XML wire representation.
func (t Tag) Encode() []byte {
	var buffer bytes.Buffer
	t.encode(&buffer)
	return buffer.Bytes()
}

func (t Tag) encode(buffer *bytes.Buffer) {
	buffer.WriteByte('<')
	buffer.WriteString(t.Name)
	buffer.WriteByte('>')

	if len(t.Children) > 0 {
		buffer.WriteByte('\n')
		for _, child := range t.Children {
			child.encode(buffer)
		}
	} else {
		buffer.WriteString(escape(t.Value))
	}

	buffer.WriteString("</")
	buffer.WriteString(t.Name)
	buffer.WriteString(">\n")
}

var escaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

var unescaper = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&apos;", "'",
)

func escape(value string) string {
	return escaper.Replace(value)
}

// ErrUnexpectedToken is thrown when the wire representation of a message
// could not be interpreted as a tag tree.
var ErrUnexpectedToken = errors.New("unexpected token inside message")

// Parse interprets the given iRODS XML wire representation as a tag tree.
func Parse(in []byte) (Tag, error) {
	parser := parser{in: in}
	result, err := parser.tag()
	if err != nil {
		return Tag{}, err
	}

	parser.whitespace()
	if parser.pos != len(parser.in) {
		return Tag{}, fmt.Errorf("%w: trailing data at offset %d", ErrUnexpectedToken, parser.pos)
	}

	return result, nil
}

type parser struct {
	in  []byte
	pos int
}

func (p *parser) whitespace() {
	for p.pos < len(p.in) {
		switch p.in[p.pos] {
		case ' ', '\t', '\r', '\n':
			p.pos++
		default:
			return
		}
	}
}

// tag consumes a single `<name>...</name>` element including any nested
// children.
func (p *parser) tag() (Tag, error) {
	p.whitespace()

	name, err := p.open()
	if err != nil {
		return Tag{}, err
	}

	result := Tag{Name: name}

	p.whitespace()
	if p.pos < len(p.in) && p.in[p.pos] == '<' && p.pos+1 < len(p.in) && p.in[p.pos+1] != '/' {
		for {
			child, err := p.tag()
			if err != nil {
				return Tag{}, err
			}

			result.Children = append(result.Children, child)

			p.whitespace()
			if p.pos+1 < len(p.in) && p.in[p.pos] == '<' && p.in[p.pos+1] == '/' {
				break
			}
		}
	} else {
		result.Value = unescaper.Replace(p.until('<'))
	}

	if err := p.close(name); err != nil {
		return Tag{}, err
	}

	return result, nil
}

func (p *parser) open() (string, error) {
	if p.pos >= len(p.in) || p.in[p.pos] != '<' {
		return "", fmt.Errorf("%w: expected opening tag at offset %d", ErrUnexpectedToken, p.pos)
	}

	p.pos++
	return p.until('>'), p.expect('>')
}

func (p *parser) close(name string) error {
	p.whitespace()
	if p.pos+1 >= len(p.in) || p.in[p.pos] != '<' || p.in[p.pos+1] != '/' {
		return fmt.Errorf("%w: expected closing tag for %q at offset %d", ErrUnexpectedToken, name, p.pos)
	}

	p.pos += 2
	if closing := p.until('>'); closing != name {
		return fmt.Errorf("%w: closing tag %q does not match %q", ErrUnexpectedToken, closing, name)
	}

	return p.expect('>')
}

// until consumes and returns all bytes up to, but not including, the given
// delimiter.
func (p *parser) until(delim byte) string {
	start := p.pos
	for p.pos < len(p.in) && p.in[p.pos] != delim {
		p.pos++
	}

	return string(p.in[start:p.pos])
}

func (p *parser) expect(b byte) error {
	if p.pos >= len(p.in) || p.in[p.pos] != b {
		return fmt.Errorf("%w: expected %q at offset %d", ErrUnexpectedToken, b, p.pos)
	}

	p.pos++
	return nil
}
