package progress

import (
	"fmt"
	"io"
	"os"
	"time"
)

// Reporter prints migration progress to the console. Every poll tick and
// segment transition gets its own line; a redrawing dashboard would bury the
// history an operator wants when a multi-hour reindex misbehaves.
type Reporter struct {
	out       io.Writer
	startTime time.Time
}

// NewReporter creates a reporter writing to stdout
func NewReporter() *Reporter {
	return &Reporter{out: os.Stdout, startTime: time.Now()}
}

// NewReporterTo creates a reporter writing to the given writer
func NewReporterTo(out io.Writer) *Reporter {
	return &Reporter{out: out, startTime: time.Now()}
}

// SegmentStarted announces that a segment's reindex operation began
func (r *Reporter) SegmentStarted(segment string, position, total int) {
	fmt.Fprintf(r.out, "==> segment %d/%d: reindexing %s\n", position, total, segment)
}

// Tick prints one poll-tick progress line
func (r *Reporter) Tick(segment string, docsDone, docsTotal int64, elapsedSeconds float64) {
	fmt.Fprintf(r.out, "    %s: %s/%s docs (%s)\n",
		segment,
		FormatCount(docsDone),
		FormatCount(docsTotal),
		FormatDuration(time.Duration(elapsedSeconds*float64(time.Second))),
	)
}

// SegmentDone announces that a segment finished
func (r *Reporter) SegmentDone(segment string) {
	fmt.Fprintf(r.out, "==> segment %s done\n", segment)
}

// Summary prints the final completion summary
func (r *Reporter) Summary(segments int, destination string, docCount int64) {
	fmt.Fprintf(r.out, "\nMigration complete: %d segments merged into %s (%s docs, total time %s)\n",
		segments,
		destination,
		FormatCount(docCount),
		FormatDuration(time.Since(r.startTime)),
	)
}

// FormatCount formats a document count in human readable form
func FormatCount(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	} else if n < 1000*1000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/(1000*1000))
}

// FormatDuration formats a duration in human readable form
func FormatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
