// Package export renders a session's captions and summary as a Word document.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gomutex/godocx"
	"github.com/gomutex/godocx/docx"
)

const (
	fontName  = "Times New Roman"
	fontSize  = 12
	titleSize = 16
	headSize  = 14

	MIMEType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

var (
	reSrtTime  = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}[,.]\d{3}\s+-->`)
	reSrtIndex = regexp.MustCompile(`^\d+$`)
)

// Document is what gets exported.
type Document struct {
	Title    string
	VideoURL string
	Language string
	Summary  string
	Captions string
}

// CaptionLines strips SRT numbering and timestamps and drops consecutive
// repeats, which auto-generated tracks produce a lot of.
func CaptionLines(srt string) []string {
	var lines []string
	prev := ""
	for _, line := range strings.Split(srt, "\n") {
		t := strings.TrimSpace(line)
		if t == "" || reSrtIndex.MatchString(t) || reSrtTime.MatchString(t) {
			continue
		}
		if t == prev {
			continue
		}
		lines = append(lines, t)
		prev = t
	}
	return lines
}

// Docx renders doc and returns the file bytes.
func Docx(doc Document) ([]byte, error) {
	d, err := godocx.NewDocument()
	if err != nil {
		return nil, fmt.Errorf("new document: %w", err)
	}

	title := doc.Title
	if title == "" {
		title = "Video captions"
	}
	addRun(d.AddParagraph(""), title, true, titleSize)
	if doc.VideoURL != "" {
		addRun(d.AddParagraph(""), doc.VideoURL, false, fontSize)
	}

	if doc.Summary != "" {
		addRun(d.AddParagraph(""), "Summary", true, headSize)
		for _, para := range strings.Split(doc.Summary, "\n") {
			if p := strings.TrimSpace(para); p != "" {
				addRun(d.AddParagraph(""), p, false, fontSize)
			}
		}
	}

	if lines := CaptionLines(doc.Captions); len(lines) > 0 {
		heading := "Captions"
		if doc.Language != "" {
			heading += " (" + doc.Language + ")"
		}
		addRun(d.AddParagraph(""), heading, true, headSize)
		for _, l := range lines {
			addRun(d.AddParagraph(""), l, false, fontSize)
		}
	}

	dir, err := os.MkdirTemp("", "caption-digest-export-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "export.docx")
	if err := d.SaveTo(path); err != nil {
		return nil, fmt.Errorf("save document: %w", err)
	}
	return os.ReadFile(path)
}

func addRun(p *docx.Paragraph, text string, bold bool, size uint64) {
	run := p.AddText(text).Font(fontName).Size(size).Color("000000")
	if bold {
		run.Bold(true)
	}
}
