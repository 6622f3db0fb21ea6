package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tsawler/go-ddp/model"
)

// ProgressBar draws a single-line step counter with elapsed time, ETA, rate
// and the latest metrics.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	start       int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
	now         func() time.Time
}

// NewProgressBar creates a bar counting from start to total.
func NewProgressBar(out io.Writer, description string, start, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		current:     start,
		start:       start,
		startTime:   time.Now(),
		width:       40,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
		now:         time.Now,
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := pb.now().Sub(pb.startTime)
	var eta time.Duration
	var rate float64
	if done := pb.current - pb.start; done > 0 && elapsed > 0 {
		rate = float64(done) / elapsed.Seconds()
		eta = time.Duration(float64(pb.total-pb.current) / rate * float64(time.Second))
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)
	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}
	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fstep/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "lr" {
			line += fmt.Sprintf(", %s=%.2e", k, pb.metrics[k])
		} else {
			line += fmt.Sprintf(", %s=%.4f", k, pb.metrics[k])
		}
	}
	line += "]"
	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// PrintModelSummary lists every parameter with its shape and the totals.
func PrintModelSummary(out io.Writer, name string, params []model.NamedParameter) {
	fmt.Fprintf(out, "%s(\n", name)
	total, trainable := 0, 0
	for _, p := range params {
		n := len(p.Value.Data)
		total += n
		if p.RequiresGrad {
			trainable += n
		}
		fmt.Fprintf(out, "  (%s): %v\n", p.Name, p.Value.Shape)
	}
	fmt.Fprintf(out, ")\n")
	fmt.Fprintf(out, "Total parameters: %s\n", humanize.Comma(int64(total)))
	fmt.Fprintf(out, "Trainable parameters: %s\n", humanize.Comma(int64(trainable)))
	fmt.Fprintf(out, "Non-trainable parameters: %s\n", humanize.Comma(int64(total-trainable)))
	fmt.Fprintf(out, "Params size: %s\n", humanize.Bytes(uint64(total*8)))
}
