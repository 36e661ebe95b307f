package room

import (
	"context"
	"time"

	"github.com/Seednode/matchbox/store"
)

// The substrate never auto-expires rooms: a participant who closes the
// browser mid-lobby leaves the document behind forever. The Sweeper is
// the garbage collector for those leaks, deleting rooms whose
// lastUpdate stamp has aged past a TTL.
type Sweeper struct {
	st  store.Store
	ttl time.Duration
}

func NewSweeper(st store.Store, ttl time.Duration) *Sweeper {
	return &Sweeper{st: st, ttl: ttl}
}

// Sweep makes one pass and returns how many rooms it deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	docs, err := s.st.Query(ctx, Collection, nil, 0)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-s.ttl)
	swept := 0

	for _, doc := range docs {
		last := asTime(doc["lastUpdate"])
		if last.IsZero() {
			last = asTime(doc["created"])
		}
		if last.IsZero() || !last.Before(cutoff) {
			continue
		}

		if err := s.st.Delete(ctx, Collection, asString(doc["id"])); err == nil {
			swept++
		}
	}

	return swept, nil
}

// Run sweeps on the given interval until ctx is cancelled. onSweep, if
// non-nil, is invoked with the count after each pass that deleted
// anything.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration, onSweep func(int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				continue
			}
			if n > 0 && onSweep != nil {
				onSweep(n)
			}
		}
	}
}
