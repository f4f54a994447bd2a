// Package display renders controller snapshots for people: a progress line
// refreshed while a batch runs and a statistics table once it ends.
package display

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/jwjohns/curator/internal/ratelimit"
)

type Source interface {
	Snapshots() []ratelimit.Snapshot
}

type Sink interface {
	Render(snaps []ratelimit.Snapshot)
}

var printer = message.NewPrinter(language.English)

// Ticker renders the source to the sink every interval until stopped.
type Ticker struct {
	src      Source
	sink     Sink
	interval time.Duration

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewTicker(src Source, sink Sink, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Ticker{src: src, sink: sink, interval: interval, done: make(chan struct{})}
}

func (t *Ticker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	go func() {
		defer close(t.done)
		tick := time.NewTicker(t.interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				t.sink.Render(t.src.Snapshots())
			}
		}
	}()
}

// Stop ends the loop and renders one last frame. Safe to call more than once.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
			<-t.done
		}
		t.sink.Render(t.src.Snapshots())
	})
}

// LineSink writes one progress line per model.
type LineSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewLineSink(w io.Writer) *LineSink {
	return &LineSink{w: w}
}

func (l *LineSink) Render(snaps []ratelimit.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range snaps {
		fmt.Fprintln(l.w, Line(s))
	}
}

// Line formats the progress of one model.
func Line(s ratelimit.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%d/%d] (ok %d, failed %d, running %d) %.1f rpm",
		s.Model, s.Done(), s.TotalExpected, s.Succeeded, s.Failed, s.InProgress, s.RequestsPerMinute)
	fmt.Fprintf(&b, " | tokens avg in %.0f, avg out %.0f", s.AvgPromptTokens, s.AvgCompletionTokens)
	fmt.Fprintf(&b, " | cost $%.3f, projected $%.3f, $%.3f/request", s.TotalCost, s.ProjectedCost, s.AvgCost)
	fmt.Fprintf(&b, " | limits rpm %.0f, tpm %.0f", s.MaxRequestsPerMinute, s.MaxTokensPerMinute)
	fmt.Fprintf(&b, " | per 1M in %s, out %s", perMillion(s, true, 3), perMillion(s, false, 3))
	return b.String()
}

// Summary writes the final statistics table for one model.
func Summary(w io.Writer, s ratelimit.Snapshot) error {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Final Curator Statistics")
	t.AppendHeader(table.Row{"Section/Metric", "Value"})

	section := func(name string) {
		t.AppendSeparator()
		t.AppendRow(table.Row{strings.ToUpper(name), ""})
	}

	section("Model")
	t.AppendRow(table.Row{"Name", s.Model})
	t.AppendRow(table.Row{"Rate Limit (RPM)", fmt.Sprintf("%.0f", s.MaxRequestsPerMinute)})
	t.AppendRow(table.Row{"Rate Limit (TPM)", fmt.Sprintf("%.0f", s.MaxTokensPerMinute)})

	section("Requests")
	t.AppendRow(table.Row{"Total Processed", s.Processed()})
	t.AppendRow(table.Row{"Successful", s.Succeeded})
	t.AppendRow(table.Row{"Failed", s.Failed})
	t.AppendRow(table.Row{"Already Completed", s.AlreadyCompleted})
	t.AppendRow(table.Row{"Errors (API / Rate Limit / Other)",
		fmt.Sprintf("%d / %d / %d", s.APIErrors, s.RateLimitErrors, s.OtherErrors)})

	section("Tokens")
	t.AppendRow(table.Row{"Total Tokens Used", printer.Sprintf("%d", s.TotalTokens)})
	t.AppendRow(table.Row{"Total Prompt Tokens", printer.Sprintf("%d", s.PromptTokens)})
	t.AppendRow(table.Row{"Total Completion Tokens", printer.Sprintf("%d", s.CompletionTokens)})
	if s.Succeeded > 0 {
		t.AppendRow(table.Row{"Average Tokens per Request", int64(s.AvgTokens)})
		t.AppendRow(table.Row{"Average Prompt Tokens", int64(s.AvgPromptTokens)})
		t.AppendRow(table.Row{"Average Completion Tokens", int64(s.AvgCompletionTokens)})
	}

	section("Costs")
	t.AppendRow(table.Row{"Total Cost", fmt.Sprintf("$%.4f", s.TotalCost)})
	t.AppendRow(table.Row{"Average Cost per Request", fmt.Sprintf("$%.4f", s.AvgCost)})
	t.AppendRow(table.Row{"Input Cost per 1M Tokens", perMillion(s, true, 4)})
	t.AppendRow(table.Row{"Output Cost per 1M Tokens", perMillion(s, false, 4)})

	section("Performance")
	secs := s.Elapsed.Seconds()
	t.AppendRow(table.Row{"Total Time", fmt.Sprintf("%.2fs", secs)})
	t.AppendRow(table.Row{"Average Time per Request", fmt.Sprintf("%.2fs", secs/float64(max(s.Succeeded, 1)))})
	t.AppendRow(table.Row{"Requests per Minute", fmt.Sprintf("%.1f", s.RequestsPerMinute)})

	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func perMillion(s ratelimit.Snapshot, input bool, prec int) string {
	if !s.Priced {
		return "N/A"
	}
	v := s.Price.OutputPerMillion()
	if input {
		v = s.Price.InputPerMillion()
	}
	return fmt.Sprintf("$%.*f", prec, v)
}
