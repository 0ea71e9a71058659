package bridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mkarlsen/pgbridge/internal/config"
)

// newBridge is replaced in tests to inject scripted connections
var newBridge = New

// RunAll launches one goroutine per bridge and blocks until every one of
// them has terminated. Bridges share nothing: each owns its configuration,
// its database connection and its broker connection. A panic or fatal
// startup error in one bridge never touches its siblings
func RunAll(ctx context.Context, bridges []config.Bridge, persistent bool, logger *slog.Logger) {
	var wg sync.WaitGroup
	for _, cfg := range bridges {
		wg.Add(1)
		go func(cfg config.Bridge) {
			defer wg.Done()
			l := logger.With("bridge", cfg.Name)
			defer func() {
				if r := recover(); r != nil {
					l.Error("CRITICAL: bridge panicked, terminating bridge", "panic", r)
				}
			}()

			// Run logs its own terminal errors
			_ = newBridge(cfg, persistent, l).Run(ctx)
		}(cfg)
	}
	wg.Wait()
}
