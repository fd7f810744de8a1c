package app

import (
	"fmt"
	"strings"

	"github.com/rivo/tview"
)

const undecryptablePlaceholder = "[red]<undecryptable message>[-]"

type (
	// textViewport renders the timeline into a tview.TextView. Lines are not
	// wrapped so one buffer line is one row.
	textViewport struct {
		tv     *tview.TextView
		selfID string
		names  map[string]string
	}
)

func newTextViewport(tv *tview.TextView, selfID string, names map[string]string) *textViewport {
	tv.SetWrap(false)
	return &textViewport{tv: tv, selfID: selfID, names: names}
}

func (v *textViewport) ContentHeight() int {
	return v.tv.GetOriginalLineCount()
}

func (v *textViewport) ScrollOffset() int {
	row, _ := v.tv.GetScrollOffset()
	return row
}

func (v *textViewport) ViewHeight() int {
	_, _, _, height := v.tv.GetInnerRect()
	return height
}

func (v *textViewport) SetScrollOffset(offset int) {
	v.tv.ScrollTo(offset, 0)
}

func (v *textViewport) Render(entries []Entry) {
	row, col := v.tv.GetScrollOffset()

	var b strings.Builder
	for _, e := range entries {
		b.WriteString(v.format(e))
		b.WriteByte('\n')
	}
	v.tv.SetText(strings.TrimSuffix(b.String(), "\n"))
	v.tv.ScrollTo(row, col)
}

func (v *textViewport) format(e Entry) string {
	name, color := v.names[e.SenderID], "green"
	if e.SenderID == v.selfID {
		name, color = "you", "blue"
	}
	if name == "" {
		name = e.SenderID
	}

	line := fmt.Sprintf("[gray]%s[-] [%s]%s[-]: ", e.Timestamp.Local().Format("Jan 02 15:04"), color, tview.Escape(name))
	switch {
	case e.Undecryptable:
		line += undecryptablePlaceholder + " " + tview.Escape(e.Raw)
	default:
		line += tview.Escape(strings.ReplaceAll(e.Text, "\n", " "))
	}
	if e.AttachmentURL != nil {
		if e.Text != "" || e.Undecryptable {
			line += " "
		}
		line += "[yellow]📎 " + tview.Escape(*e.AttachmentURL) + "[-]"
	}
	return line
}
