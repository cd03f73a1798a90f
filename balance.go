package ecash

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/singleflight"
)

type proofReader interface {
	read(issuerURL string) ([]Proof, error)
}

// BalanceCache holds the last balance snapshot. It never owns the balance:
// after Invalidate the next Snapshot recomputes from the proof store, and
// concurrent readers share a single recomputation.
type BalanceCache struct {
	db      *badger.DB
	proofs  proofReader
	issuers func() []Issuer
	clock   func() time.Time

	mu       sync.Mutex
	snapshot BalanceSnapshot
	stale    bool
	gen      uint64
	sf       singleflight.Group
}

type flight struct {
	snapshot BalanceSnapshot
	gen      uint64
}

func NewBalanceCache(db *badger.DB, proofs proofReader, issuers func() []Issuer) *BalanceCache {
	c := &BalanceCache{
		db:      db,
		proofs:  proofs,
		issuers: issuers,
		clock:   time.Now,
		stale:   true,
		snapshot: BalanceSnapshot{
			PerIssuer: map[string]uint64{},
		},
	}

	var last BalanceSnapshot
	if ok, err := ReadProperty(db, propertyBalanceSnapshot, &last); err != nil {
		slog.Warn("read balance snapshot", slog.Any("err", err))
	} else if ok && last.PerIssuer != nil {
		c.snapshot = last
	}

	return c
}

// Recompute sums the stored proofs of every issuer. An issuer whose proofs
// cannot be read counts as zero.
func (c *BalanceCache) Recompute(issuers []Issuer) BalanceSnapshot {
	snap := BalanceSnapshot{
		PerIssuer:  make(map[string]uint64, len(issuers)),
		ComputedAt: c.clock(),
	}

	for _, issuer := range issuers {
		proofs, err := c.proofs.read(issuer.URL)
		if err != nil {
			slog.Error("read proofs for balance", "mint", issuer.URL, slog.Any("err", err))
			snap.PerIssuer[issuer.URL] = 0
			continue
		}

		balance := sumProofs(proofs)
		snap.PerIssuer[issuer.URL] = balance
		snap.Total += balance
	}

	metrics().recomputes.Inc()
	metrics().balanceTotal.Set(float64(snap.Total))
	return snap
}

func (c *BalanceCache) Invalidate() {
	c.mu.Lock()
	c.stale = true
	c.gen++
	c.mu.Unlock()
}

// Peek returns the cached snapshot without recomputing, it may be stale.
func (c *BalanceCache) Peek() BalanceSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

func (c *BalanceCache) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

// Snapshot returns a snapshot that reflects every write invalidated before
// the call.
func (c *BalanceCache) Snapshot() BalanceSnapshot {
	c.mu.Lock()
	if !c.stale {
		snap := c.snapshot
		c.mu.Unlock()
		return snap
	}
	want := c.gen
	c.mu.Unlock()

	for {
		v, _, _ := c.sf.Do("balance", func() (interface{}, error) {
			return c.refresh(), nil
		})

		// a flight started before our invalidation is not good enough
		if f := v.(flight); f.gen >= want {
			return f.snapshot
		}
	}
}

func (c *BalanceCache) refresh() flight {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	snap := c.Recompute(c.issuers())

	c.mu.Lock()
	c.snapshot = snap
	c.stale = c.gen != gen
	c.mu.Unlock()

	if err := SaveProperty(c.db, propertyBalanceSnapshot, snap); err != nil {
		slog.Warn("persist balance snapshot", slog.Any("err", err))
	}

	return flight{snapshot: snap, gen: gen}
}
