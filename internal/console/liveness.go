package console

import (
	"context"
	"fmt"
	"time"
)

var frames = []string{"", ".", "..", "..."}

// Liveness rotates a "Reading..." indicator on the console. It is cosmetic:
// it tracks no stream, only whether the supervisor still has live workers.
type Liveness struct {
	console  *Console
	interval time.Duration
}

// NewLiveness returns a reporter that advances one frame per interval.
func NewLiveness(c *Console, interval time.Duration) *Liveness {
	if interval <= 0 {
		interval = time.Second
	}
	return &Liveness{console: c, interval: interval}
}

// Run animates until ctx is cancelled, then leaves a static
// "Disconnected!" line behind.
func (l *Liveness) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for i := 0; ; i = (i + 1) % len(frames) {
		l.console.Status(fmt.Sprintf("Reading%-3s", frames[i]))
		select {
		case <-ctx.Done():
			l.console.Status("Disconnected!     ")
			l.console.EndStatus()
			return
		case <-ticker.C:
		}
	}
}
