package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

const barWidth = 40

// ProgressBar redraws a single status line for a pass over a loader. A nil
// *ProgressBar is valid and draws nothing.
type ProgressBar struct {
	w       io.Writer
	label   string
	total   int
	done    int
	started time.Time
	stats   map[string]float64
}

// NewProgressBar returns nil when w is nil.
func NewProgressBar(w io.Writer, label string, total int) *ProgressBar {
	if w == nil {
		return nil
	}
	return &ProgressBar{w: w, label: label, total: total, started: time.Now(), stats: map[string]float64{}}
}

// Update sets the completed batch count and merges stats into the line.
func (pb *ProgressBar) Update(done int, stats map[string]float64) {
	if pb == nil {
		return
	}
	pb.done = done
	for k, v := range stats {
		pb.stats[k] = v
	}
	fmt.Fprint(pb.w, "\r"+pb.line())
}

// Finish draws the bar full and ends the line.
func (pb *ProgressBar) Finish() {
	if pb == nil {
		return
	}
	pb.done = pb.total
	fmt.Fprintln(pb.w, "\r"+pb.line())
}

func (pb *ProgressBar) line() string {
	frac := 1.0
	if pb.total > 0 {
		frac = min(float64(pb.done)/float64(pb.total), 1)
	}
	filled := int(frac * barWidth)
	elapsed := time.Since(pb.started)

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %3.0f%%|%s%s| %d/%d [%s",
		pb.label, frac*100, strings.Repeat("█", filled), strings.Repeat(" ", barWidth-filled),
		pb.done, pb.total, clock(elapsed))
	if pb.done > 0 && frac > 0 {
		remaining := time.Duration(float64(elapsed)/frac) - elapsed
		fmt.Fprintf(&b, "<%s, %.2fbatch/s", clock(remaining), float64(pb.done)/elapsed.Seconds())
	}

	names := make([]string, 0, len(pb.stats))
	for k := range pb.stats {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if strings.Contains(k, "acc") {
			fmt.Fprintf(&b, ", %s=%.2f%%", k, pb.stats[k]*100)
		} else {
			fmt.Fprintf(&b, ", %s=%.3f", k, pb.stats[k])
		}
	}
	b.WriteString("]")
	return b.String()
}

// clock renders d as MM:SS.
func clock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}
