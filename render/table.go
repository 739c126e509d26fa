package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/smnsjas/go-psrpwatch/watch"
)

// Color palette.
var (
	primaryColor   = lipgloss.Color("#7C3AED") // Purple
	errorColor     = lipgloss.Color("#EF4444") // Red
	mutedColor     = lipgloss.Color("#6B7280") // Gray
	highlightColor = lipgloss.Color("#3B82F6") // Blue
)

type styles struct {
	title   lipgloss.Style
	label   lipgloss.Style
	kind    lipgloss.Style
	muted   lipgloss.Style
	err     lipgloss.Style
	rawText lipgloss.Style
}

func newStyles(re *lipgloss.Renderer, noColor bool) styles {
	if noColor {
		plain := re.NewStyle()
		return styles{
			title:   plain,
			label:   plain.Width(10),
			kind:    plain,
			muted:   plain,
			err:     plain,
			rawText: plain.PaddingLeft(12),
		}
	}
	return styles{
		title:   re.NewStyle().Bold(true).Foreground(primaryColor),
		label:   re.NewStyle().Foreground(mutedColor).Width(10),
		kind:    re.NewStyle().Bold(true).Foreground(highlightColor),
		muted:   re.NewStyle().Foreground(mutedColor),
		err:     re.NewStyle().Foreground(errorColor),
		rawText: re.NewStyle().PaddingLeft(12),
	}
}

func (r *Renderer) renderTable(p *watch.Packet) error {
	s := r.styles
	var b strings.Builder

	if r.count > 0 {
		b.WriteByte('\n')
	}

	header := fmt.Sprintf("#%d %s", r.count+1, p.Type)
	if p.Stream != "" {
		header += " " + string(p.Stream)
	}
	b.WriteString(s.title.Render(header))
	b.WriteString(" ")
	b.WriteString(s.muted.Render("psguid=" + p.PSGuid.String()))
	b.WriteByte('\n')

	for _, f := range p.Fragments {
		line := fmt.Sprintf("object=%d fragment=%d %s len=%d", f.ObjectID, f.FragmentID, flags(f), f.Length)
		b.WriteString("  " + s.label.Render("fragment") + line + "\n")
	}

	for _, m := range p.Messages {
		line := fmt.Sprintf("object=%d %s %s", m.ObjectID, m.Destination, s.kind.Render(m.MessageType))
		if m.State != "" {
			line += " " + s.kind.Render(m.State)
		}
		if m.RunspacePoolID != uuid.Nil {
			line += " " + s.muted.Render("rpid="+m.RunspacePoolID.String())
		}
		if m.PipelineID != uuid.Nil {
			line += " " + s.muted.Render("pid="+m.PipelineID.String())
		}
		b.WriteString("  " + s.label.Render("message") + line + "\n")
		if m.Error != "" {
			b.WriteString("  " + s.label.Render("error") + s.err.Render(m.Error) + "\n")
		}
		if m.RawText != "" {
			b.WriteString(s.rawText.Render(m.RawText))
			b.WriteByte('\n')
		}
	}

	_, err := io.WriteString(r.out, b.String())
	return err
}

// flags renders the start/end bits as a two-letter marker.
func flags(f watch.FragmentInfo) string {
	out := []byte("--")
	if f.Start {
		out[0] = 'S'
	}
	if f.End {
		out[1] = 'E'
	}
	return string(out)
}
