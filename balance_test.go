package ecash

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProofReader struct {
	mu     sync.Mutex
	proofs map[string][]Proof
	fail   map[string]bool
	reads  atomic.Int32
	delay  time.Duration
}

func (r *stubProofReader) read(issuerURL string) ([]Proof, error) {
	r.reads.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fail[issuerURL] {
		return nil, errors.New("read failed")
	}

	return r.proofs[issuerURL], nil
}

func (r *stubProofReader) set(issuerURL string, proofs []Proof) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proofs[issuerURL] = proofs
}

func TestBalanceCacheRecompute(t *testing.T) {
	r := &stubProofReader{
		proofs: map[string][]Proof{
			testIssuerA: testProofs(1, 2, 4),
			testIssuerB: testProofs(64),
		},
		fail: map[string]bool{},
	}

	c := NewBalanceCache(openTestDB(t), r, func() []Issuer { return testIssuers })

	snap := c.Snapshot()
	assert.EqualValues(t, 71, snap.Total)
	assert.EqualValues(t, 7, snap.Of(testIssuerA))
	assert.EqualValues(t, 64, snap.Of(testIssuerB))
	assert.False(t, c.Stale())

	r.mu.Lock()
	r.fail[testIssuerB] = true
	r.mu.Unlock()

	c.clock = newTestClock().Now
	assert.Equal(t, c.Recompute(testIssuers), c.Recompute(testIssuers), "recompute is idempotent")

	snap = c.Recompute(testIssuers)
	assert.EqualValues(t, 7, snap.Total)
	assert.Contains(t, snap.PerIssuer, testIssuerB)
	assert.Zero(t, snap.Of(testIssuerB))
}

func TestBalanceCacheInvalidate(t *testing.T) {
	r := &stubProofReader{
		proofs: map[string][]Proof{testIssuerA: testProofs(8)},
		fail:   map[string]bool{},
	}

	c := NewBalanceCache(openTestDB(t), r, func() []Issuer { return testIssuers[:1] })
	assert.EqualValues(t, 8, c.Snapshot().Total)

	r.set(testIssuerA, testProofs(8, 16))
	assert.EqualValues(t, 8, c.Snapshot().Total, "cached until invalidated")

	c.Invalidate()
	assert.True(t, c.Stale())
	assert.EqualValues(t, 8, c.Peek().Total, "peek never recomputes")
	assert.EqualValues(t, 24, c.Snapshot().Total)
}

func TestBalanceCacheSharedRecompute(t *testing.T) {
	r := &stubProofReader{
		proofs: map[string][]Proof{testIssuerA: testProofs(5)},
		fail:   map[string]bool{},
		delay:  50 * time.Millisecond,
	}

	c := NewBalanceCache(openTestDB(t), r, func() []Issuer { return testIssuers[:1] })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.EqualValues(t, 5, c.Snapshot().Total)
		}()
	}

	wg.Wait()
	assert.Less(t, r.reads.Load(), int32(8))
}

func TestBalanceCachePersistsSnapshot(t *testing.T) {
	db := openTestDB(t)
	r := &stubProofReader{
		proofs: map[string][]Proof{testIssuerA: testProofs(3)},
		fail:   map[string]bool{},
	}

	c := NewBalanceCache(db, r, func() []Issuer { return testIssuers[:1] })
	require.EqualValues(t, 3, c.Snapshot().Total)

	reopened := NewBalanceCache(db, r, func() []Issuer { return testIssuers[:1] })
	assert.True(t, reopened.Stale())
	assert.EqualValues(t, 3, reopened.Peek().Total)
}
