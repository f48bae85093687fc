package progress

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

// Bar renders one compression pass as a fraction of its tensors done.
type Bar struct {
	message      string
	messageWidth int

	total   int64
	current int64

	started time.Time
}

func NewBar(message string, total int64) *Bar {
	return &Bar{
		message:      message,
		messageWidth: -1,
		total:        total,
		started:      time.Now(),
	}
}

// formatDuration limits the rendering of a time.Duration to 2 units
func formatDuration(d time.Duration) string {
	if d >= 100*time.Hour {
		return "99h+"
	}

	if d >= time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}

	return d.Round(time.Second).String()
}

func (b *Bar) String() string {
	termWidth, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		termWidth = defaultTermWidth
	}

	var pre, mid, suf strings.Builder

	if b.message != "" {
		message := strings.TrimSpace(b.message)
		if b.messageWidth > 0 && len(message) > b.messageWidth {
			message = message[:b.messageWidth]
		}

		fmt.Fprintf(&pre, "%s", message)
		if padding := b.messageWidth - pre.Len(); padding > 0 {
			pre.WriteString(strings.Repeat(" ", padding))
		}

		pre.WriteString(" ")
	}

	fmt.Fprintf(&pre, "%3.0f%% ", math.Floor(b.percent()))

	fmt.Fprintf(&suf, " %d/%d tensors", b.current, b.total)
	if b.current > 0 && b.current < b.total {
		if remaining := b.remaining(); remaining > 0 {
			fmt.Fprintf(&suf, " [%s]", formatDuration(remaining))
		}
	}

	// 2 extra boundary characters
	f := termWidth - pre.Len() - suf.Len() - 2
	n := int(float64(f) * b.percent() / 100)

	if f > 0 {
		mid.WriteString("▕")
		mid.WriteString(strings.Repeat("█", n))
		if f-n > 0 {
			mid.WriteString(strings.Repeat(" ", f-n))
		}
		mid.WriteString("▏")
	}

	return pre.String() + mid.String() + suf.String()
}

func (b *Bar) Set(value int64) {
	if value >= b.total {
		value = b.total
	}

	b.current = value
}

func (b *Bar) percent() float64 {
	if b.total > 0 {
		return float64(b.current) / float64(b.total) * 100
	}

	return 0
}

// remaining extrapolates from the average time per tensor so far.
func (b *Bar) remaining() time.Duration {
	if b.current <= 0 {
		return 0
	}

	elapsed := time.Since(b.started)
	return time.Duration(float64(elapsed) / float64(b.current) * float64(b.total-b.current))
}
