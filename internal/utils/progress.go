package utils

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"
)

var descLength = 28

// Progress draws a single mpb bar on stderr. It is a no-op when disabled or
// when stderr is not a terminal, so callers never need to check. Update may
// be called from any goroutine.
type Progress struct {
	mu          sync.Mutex
	container   *mpb.Progress
	bar         *mpb.Bar
	description string
	total       int64
}

// NewProgress creates a bar labelled name. A total of zero or less starts
// the bar with an unknown total which Update fills in later.
func NewProgress(name string, total int, enabled bool) *Progress {
	p := &Progress{total: int64(total)}
	if !enabled || !isTerminal() {
		return p
	}

	fmt.Fprintln(os.Stderr)

	p.container = mpb.New(
		mpb.WithOutput(os.Stderr),
		mpb.WithWidth(64),
		mpb.WithRefreshRate(100*time.Millisecond),
	)

	p.bar = p.container.New(p.total,
		mpb.BarStyle().Lbound("[").Filler("█").Tip("█").Padding("░").Rbound("]"),
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{C: decor.DindentRight}),
			decor.Any(func(decor.Statistics) string {
				p.mu.Lock()
				defer p.mu.Unlock()
				return truncateLeft(p.description, descLength)
			}, decor.WC{W: descLength + 1, C: decor.DindentRight}),
			decor.CountersNoUnit("%d/%d", decor.WC{C: decor.DindentRight}),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
		),
	)

	return p
}

// Enabled reports whether a bar is being drawn
func (p *Progress) Enabled() bool {
	return p.bar != nil
}

// Update moves the bar to done out of total, showing description. A
// changed total is applied before the current value.
func (p *Progress) Update(done, total int, description string) {
	if p.bar == nil {
		return
	}

	p.mu.Lock()
	p.description = description
	if int64(total) != p.total && total > 0 {
		p.total = int64(total)
		p.bar.SetTotal(p.total, false)
	}
	p.mu.Unlock()

	p.bar.SetCurrent(int64(done))
}

// Finish completes the bar at its current value and waits for the last
// render
func (p *Progress) Finish() {
	if p.bar == nil {
		return
	}

	p.bar.SetTotal(-1, true)
	p.container.Wait()

	fmt.Fprintln(os.Stderr)
}

// Abort removes the bar without completing it
func (p *Progress) Abort() {
	if p.bar == nil {
		return
	}

	p.bar.Abort(false)
	p.container.Wait()

	fmt.Fprintln(os.Stderr)
}

// truncateLeft keeps the tail of s, which is the interesting end of a path
func truncateLeft(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return ".." + string(r[len(r)-max+2:])
}

// isTerminal checks if stderr is a terminal (TTY)
func isTerminal() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}
