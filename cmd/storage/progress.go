package storage

import (
	"fmt"
	"log/slog"
	"sync"
)

// progressLogger emits one log line per ten percent of a transfer
type progressLogger struct {
	mu       sync.Mutex
	logger   *slog.Logger
	name     string
	total    int64
	lastStep int64
	callback func(sent, total int64)
}

func newProgressLogger(logger *slog.Logger, name string, total int64, callback func(sent, total int64)) *progressLogger {
	return &progressLogger{logger: logger, name: name, total: total, lastStep: -1, callback: callback}
}

func (p *progressLogger) update(sent int64) {
	if p.callback != nil {
		p.callback(sent, p.total)
	}
	if p.total <= 0 {
		return
	}

	step := sent * 10 / p.total
	p.mu.Lock()
	if step <= p.lastStep {
		p.mu.Unlock()
		return
	}
	p.lastStep = step
	p.mu.Unlock()

	if step == 0 {
		return
	}
	p.logger.Info(fmt.Sprintf("   📤 %s: %d%% (%d / %d bytes)", p.name, step*10, sent, p.total))
}
