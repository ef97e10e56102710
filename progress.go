package main

import (
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/percona/percona-mongosync/sel"
)

// progress renders one spinner per collection with the number of copied
// documents. Collections are synced in parallel, so bars are created lazily.
type progress struct {
	w io.Writer

	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

func newProgress(w io.Writer) *progress {
	return &progress{w: w, bars: make(map[string]*progressbar.ProgressBar)}
}

// Add counts n documents written into ns.
func (p *progress) Add(ns sel.Namespace, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := ns.String()

	bar, ok := p.bars[key]
	if !ok {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(p.w),
			progressbar.OptionSetDescription(key),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("docs"),
			progressbar.OptionSetWidth(20),
			progressbar.OptionShowElapsedTimeOnFinish(),
		)
		p.bars[key] = bar
	}

	_ = bar.Add(n)
}

// Finish completes every bar.
func (p *progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, bar := range p.bars {
		_ = bar.Finish()
	}
}
