package cmd

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// progress renders batch progress: a bar on an interactive terminal, periodic log lines
// otherwise. Update is only ever called from the engine's collector goroutine.
type progress struct {
	bar  *progressbar.ProgressBar
	log  zerolog.Logger
	step int
}

func newProgress(total int, log zerolog.Logger) *progress {
	p := &progress{log: log, step: logStep(total)}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		p.bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("✂️  Removing backgrounds"),
			progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
			progressbar.OptionShowCount(),
			progressbar.OptionSetElapsedTime(true),
		)
	}
	return p
}

// logStep logs roughly every 10% of a batch.
func logStep(total int) int {
	return max(1, total/10)
}

func (p *progress) Update(completed, total int) {
	if p.bar != nil {
		_ = p.bar.Set(completed)
		return
	}
	if completed%p.step == 0 || completed == total {
		p.log.Info().Int("done", completed).Int("total", total).Msg("progress")
	}
}

func (p *progress) Finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}
