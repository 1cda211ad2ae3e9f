// Package progress renders a terminal progress bar while an mbox archive is
// replayed.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/stats"
)

// Bar tracks how many archive messages reached the pipeline.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	mu      sync.Mutex
	enabled bool

	fetched int
	errors  int
}

// New creates a progress bar. It only draws at the "info" log level, where
// it does not fight with per-message log lines.
func New(total int, logLevel string) *Bar {
	bar := &Bar{total: total, enabled: logLevel == "info"}

	if bar.enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Replaying newsletters").
			Start()
		bar.pb = pb

		pterm.Info.Printf("Messages in archive: %d\n", total)
		pterm.Println()
	}

	return bar
}

func (b *Bar) Update(evt stats.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeFetched:
		b.fetched++
		if b.pb != nil {
			b.pb.Increment()
		}
	case stats.EventTypeError, stats.EventTypeDropped:
		b.errors++
		if b.pb != nil && evt.Err != nil {
			pterm.Error.Printf("%s: %v\n", evt.Key, evt.Err)
		}
	case stats.EventTypePublished, stats.EventTypeDryRun:
		if b.pb != nil && evt.Key != "" {
			b.pb.UpdateTitle("Published " + shorten(string(evt.Key), 40))
		}
	}
}

// Counts returns the number of fetched messages and failures seen so far.
func (b *Bar) Counts() (fetched, errors int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetched, b.errors
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pb == nil {
		return
	}

	// Filtered messages never produce events.
	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
	b.pb = nil
	pterm.Success.Println("Replay complete!")
}

// Subscriber feeds stats events into the bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// PrintSummary prints the final counters below the bar.
func PrintSummary(summary stats.Summary, duration time.Duration) {
	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	pterm.Info.Printf("Fetched: %d\n", summary.Fetched)
	pterm.Info.Printf("Enqueued: %d\n", summary.Enqueued)
	pterm.Info.Printf("Published: %d\n", summary.Published)
	pterm.Info.Printf("Dry-run: %d\n", summary.DryRun)
	pterm.Info.Printf("Duplicates (skipped): %d\n", summary.Duplicates)
	pterm.Info.Printf("Dropped: %d\n", summary.Dropped)
	pterm.Info.Printf("Errors: %d\n", summary.Errors)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
