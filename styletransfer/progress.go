package styletransfer

import (
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

// ProgressDescription is the title of the progress bar displayed during transfer.
const ProgressDescription = "Style Transfer"

// Progress receives one call to Step per finished optimization step, with the formatted losses of that step.
type Progress interface {
	Step(postfix string) error
	Finish() error
}

// ProgressBar is a Progress that renders a live progress bar, with the latest losses appended to its description.
type ProgressBar struct {
	bar *progressbar.ProgressBar
}

// NewProgressBar creates a progress bar for numSteps steps, written to w.
// If w is nil, it writes to os.Stderr.
func NewProgressBar(w io.Writer, numSteps int) *ProgressBar {
	if w == nil {
		w = os.Stderr
	}
	bar := progressbar.NewOptions(numSteps,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(ProgressDescription),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionOnCompletion(func() { _, _ = io.WriteString(w, "\n") }),
	)
	return &ProgressBar{bar: bar}
}

// Step implements Progress.
func (p *ProgressBar) Step(postfix string) error {
	p.bar.Describe(ProgressDescription + ": " + postfix)
	return p.bar.Add(1)
}

// Finish implements Progress.
func (p *ProgressBar) Finish() error {
	return p.bar.Finish()
}
