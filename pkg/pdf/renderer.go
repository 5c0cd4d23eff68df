package pdf

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"
)

// Message is one role/content pair of a transcript.
type Message struct {
	Role    string
	Content string
}

// Render produces an A4 transcript document: bold title, then each message
// as a bold "User:"/"Assistant:" label followed by the wrapped body.
// Pagination is handled by the auto page break.
func Render(title string, messages []Message) ([]byte, error) {
	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetAutoPageBreak(true, 20)
	doc.SetMargins(15, 18, 15)
	doc.AddPage()

	doc.SetFont("Helvetica", "B", 16)
	doc.MultiCell(0, 8, truncate(title, 90), "", "L", false)
	doc.Ln(4)

	for _, m := range messages {
		label := "Assistant:"
		if m.Role == "user" {
			label = "User:"
		}

		doc.SetFont("Helvetica", "B", 12)
		doc.MultiCell(0, 6, label, "", "L", false)

		doc.SetFont("Helvetica", "", 11)
		for _, paragraph := range strings.Split(m.Content, "\n") {
			if strings.TrimSpace(paragraph) == "" {
				doc.Ln(3)
				continue
			}
			doc.MultiCell(0, 5.5, paragraph, "", "L", false)
		}
		doc.Ln(3)
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
