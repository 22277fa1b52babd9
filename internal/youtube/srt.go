package youtube

import (
	"fmt"
	"strings"

	yt "github.com/kkdai/youtube/v2"
)

// FormatSRT renders transcript segments as SubRip blocks. Segments with no
// text are skipped and the remaining blocks are numbered from 1.
func FormatSRT(segments yt.VideoTranscript) string {
	var b strings.Builder
	n := 0
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		n++
		if n > 1 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n", n, srtTimestamp(seg.StartMs), srtTimestamp(seg.StartMs+seg.Duration), text)
	}
	return b.String()
}

// srtTimestamp formats milliseconds as HH:MM:SS,mmm.
func srtTimestamp(ms int) string {
	if ms < 0 {
		ms = 0
	}
	h := ms / 3_600_000
	m := ms / 60_000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms%1000)
}
