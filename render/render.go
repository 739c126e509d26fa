// Package render writes watch packets to an output stream.
//
// Format selection rules:
//   - If output is a TTY, default to table
//   - If output is not a TTY, default to jsonl
//   - --format always overrides the default
//   - Invalid formats are errors
//
// Every format emits one record per packet as soon as it is rendered, so a
// follow-mode watch can be piped into another tool.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"

	"github.com/smnsjas/go-psrpwatch/watch"
)

// Format represents an output format.
type Format string

// Supported formats.
const (
	FormatJSON    Format = "json"
	FormatJSONL   Format = "jsonl"
	FormatYAML    Format = "yaml"
	FormatMsgpack Format = "msgpack"
	FormatTable   Format = "table"
)

// ParseFormat parses a format string. An empty string returns an empty
// Format so the caller can pick a default.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "jsonl", "ndjson":
		return FormatJSONL, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "msgpack":
		return FormatMsgpack, nil
	case "table":
		return FormatTable, nil
	case "":
		return "", nil
	default:
		return "", fmt.Errorf("invalid format: %q (must be json, jsonl, yaml, msgpack, or table)", s)
	}
}

// DefaultFormat returns the format used when none is requested.
func DefaultFormat(f *os.File) Format {
	if IsTerminal(f) {
		return FormatTable
	}
	return FormatJSONL
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Renderer handles output formatting.
type Renderer struct {
	format Format
	out    io.Writer
	styles styles

	yamlEnc    *yaml.Encoder
	msgpackEnc *msgpack.Encoder
	count      int
}

// NewRenderer creates a renderer writing to out. noColor only affects the
// table format.
func NewRenderer(format Format, noColor bool, out io.Writer) *Renderer {
	r := &Renderer{
		format: format,
		out:    out,
		styles: newStyles(lipgloss.NewRenderer(out), noColor),
	}
	switch format {
	case FormatYAML:
		r.yamlEnc = yaml.NewEncoder(out)
		r.yamlEnc.SetIndent(2)
	case FormatMsgpack:
		r.msgpackEnc = msgpack.NewEncoder(out)
		r.msgpackEnc.UseCompactInts(true)
	}
	return r
}

// Format returns the renderer's output format.
func (r *Renderer) Format() Format {
	return r.format
}

// Render writes one packet in the configured format.
func (r *Renderer) Render(p *watch.Packet) error {
	var err error
	switch r.format {
	case FormatJSON:
		err = r.renderJSON(p, "  ")
	case FormatJSONL:
		err = r.renderJSON(p, "")
	case FormatYAML:
		err = r.yamlEnc.Encode(p)
	case FormatMsgpack:
		err = r.msgpackEnc.Encode(p)
	case FormatTable:
		err = r.renderTable(p)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
	if err != nil {
		return fmt.Errorf("render %s: %w", r.format, err)
	}
	r.count++
	return nil
}

// Close finishes the output stream.
func (r *Renderer) Close() error {
	if r.yamlEnc != nil {
		return r.yamlEnc.Close()
	}
	return nil
}

func (r *Renderer) renderJSON(p *watch.Packet, indent string) error {
	enc := json.NewEncoder(r.out)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(jsonPacket(p))
}
