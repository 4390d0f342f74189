// Package lease provides the re-entrancy guards that keep two ticks of the
// same periodic job from running at once.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/nextaction/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Release gives a held lease back. Safe to call more than once.
type Release func()

// Guard hands out named leases. TryAcquire never blocks waiting for a lease:
// when another holder has it, domain.ErrTickInProgress is returned.
type Guard interface {
	TryAcquire(ctx context.Context, name string) (Release, error)
}

// LocalGuard guards within one process
type LocalGuard struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalGuard creates an in-process guard
func NewLocalGuard() *LocalGuard {
	return &LocalGuard{held: make(map[string]bool)}
}

// TryAcquire implements Guard
func (g *LocalGuard) TryAcquire(ctx context.Context, name string) (Release, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.held[name] {
		return nil, domain.ErrTickInProgress
	}
	g.held[name] = true

	return once(func() {
		g.mu.Lock()
		delete(g.held, name)
		g.mu.Unlock()
	}), nil
}

func once(fn func()) Release {
	var o sync.Once
	return func() { o.Do(fn) }
}

// renewFunc extends a held lease. It reports false once the holder has lost
// the lease.
type renewFunc func(ctx context.Context) (bool, error)

// heartbeat renews a lease every ttl/3 until the returned stop is called, so
// a holder that is still running never sees its lease expire. Only a crashed
// holder's lease runs out. stop waits for the renewal loop to exit.
func heartbeat(name string, ttl time.Duration, renew renewFunc, log zerolog.Logger) (stop func()) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				held, err := renew(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Warn().Err(err).Str("lease", name).Msg("Failed to renew lease")
					continue
				}
				if !held {
					log.Error().Str("lease", name).Msg("Lease lost while still running")
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func newHolderID() string {
	return uuid.New().String()
}
