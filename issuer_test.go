package ecash

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	mint    *RawMintResult
	states  []RawProofState
	receive []Proof
	send    *RawSendResult
	melt    *RawMeltResult
	quote   *RawMeltQuote
	err     error
}

func (b *stubBackend) GetInfo(ctx context.Context) (*IssuerInfo, error) {
	return &IssuerInfo{Name: "stub"}, b.err
}

func (b *stubBackend) CreateMintQuote(ctx context.Context, amount uint64) (*FundingQuote, error) {
	if b.err != nil {
		return nil, b.err
	}

	return &FundingQuote{QuoteID: "q1", Request: "lnbc1"}, nil
}

func (b *stubBackend) MintTokens(ctx context.Context, amount uint64, quoteID string) (*RawMintResult, error) {
	return b.mint, b.err
}

func (b *stubBackend) CheckProofsSpent(ctx context.Context, proofs []Proof) ([]RawProofState, error) {
	return b.states, b.err
}

func (b *stubBackend) Receive(ctx context.Context, token string) ([]Proof, error) {
	return b.receive, b.err
}

func (b *stubBackend) Send(ctx context.Context, amount uint64, proofs []Proof) (*RawSendResult, error) {
	return b.send, b.err
}

func (b *stubBackend) CreateMeltQuote(ctx context.Context, invoice string) (*RawMeltQuote, error) {
	return b.quote, b.err
}

func (b *stubBackend) MeltTokens(ctx context.Context, quoteID string, proofs []Proof) (*RawMeltResult, error) {
	return b.melt, b.err
}

func (b *stubBackend) RestoreProofs(ctx context.Context) ([]Proof, error) {
	return b.receive, b.err
}

func TestIssuerAdapterFinalizeFunding(t *testing.T) {
	ctx := context.Background()

	svc := NewIssuerService(&stubBackend{mint: &RawMintResult{}})
	_, err := svc.TryFinalizeFunding(ctx, "q1", 10)
	assert.ErrorIs(t, err, ErrQuoteNotPaid, "empty result means not paid")

	svc = NewIssuerService(&stubBackend{mint: &RawMintResult{Signatures: testProofs(2, 8, 0)}})
	proofs, err := svc.TryFinalizeFunding(ctx, "q1", 10)
	require.NoError(t, err)
	assert.EqualValues(t, 10, sumProofs(proofs))
	assert.Len(t, proofs, 2)

	svc = NewIssuerService(&stubBackend{err: errors.New("Quote not paid yet")})
	_, err = svc.TryFinalizeFunding(ctx, "q1", 10)
	assert.ErrorIs(t, err, ErrQuoteNotPaid)

	svc = NewIssuerService(&stubBackend{err: errors.New("connection refused")})
	_, err = svc.TryFinalizeFunding(ctx, "q1", 10)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrQuoteNotPaid)
}

func TestIssuerAdapterCheckSpent(t *testing.T) {
	yes, no := true, false
	svc := NewIssuerService(&stubBackend{states: []RawProofState{
		{Spent: &yes},
		{Spent: &no},
		{State: "SPENT"},
		{State: "UNSPENT"},
		{SpentProof: &struct {
			Spent bool `json:"spent"`
		}{Spent: true}},
	}})

	spent, err := svc.CheckSpent(context.Background(), testProofs(1, 1, 1, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true, false, true}, spent)

	_, err = svc.CheckSpent(context.Background(), testProofs(1))
	assert.Error(t, err, "state count mismatch")
}

func TestIssuerAdapterRedeem(t *testing.T) {
	ctx := context.Background()

	svc := NewIssuerService(&stubBackend{receive: nil})
	_, err := svc.Redeem(ctx, "token")
	assert.ErrorIs(t, err, ErrAlreadySpent)

	svc = NewIssuerService(&stubBackend{err: errors.New("Token already spent.")})
	_, err = svc.Redeem(ctx, "token")
	assert.ErrorIs(t, err, ErrAlreadySpent)

	svc = NewIssuerService(&stubBackend{receive: testProofs(4, 4)})
	proofs, err := svc.Redeem(ctx, "token")
	require.NoError(t, err)
	assert.EqualValues(t, 8, sumProofs(proofs))
}

func TestIssuerAdapterPrepareSend(t *testing.T) {
	ctx := context.Background()

	for _, raw := range []*RawSendResult{
		{Keep: testProofs(3), Send: testProofs(5)},
		{ReturnChange: testProofs(3), Send: testProofs(5)},
		{Change: testProofs(3), Send: testProofs(5)},
	} {
		split, err := NewIssuerService(&stubBackend{send: raw}).PrepareSend(ctx, 5, testProofs(8))
		require.NoError(t, err)
		assert.EqualValues(t, 3, sumProofs(split.Keep))
		assert.EqualValues(t, 5, sumProofs(split.Send))
	}

	_, err := NewIssuerService(&stubBackend{send: &RawSendResult{Keep: testProofs(8)}}).PrepareSend(ctx, 5, testProofs(8))
	assert.Error(t, err)

	_, err = NewIssuerService(&stubBackend{send: &RawSendResult{Send: testProofs(4)}}).PrepareSend(ctx, 5, testProofs(8))
	assert.Error(t, err)
}

func TestIssuerAdapterPayment(t *testing.T) {
	ctx := context.Background()

	svc := NewIssuerService(&stubBackend{quote: &RawMeltQuote{Quote: "m1", Amount: 100, Fee: 2}})
	q, err := svc.RequestPayment(ctx, "lnbc")
	require.NoError(t, err)
	assert.EqualValues(t, 102, q.Total())

	paid := true
	svc = NewIssuerService(&stubBackend{melt: &RawMeltResult{Paid: &paid, Proofs: testProofs(1)}})
	res, err := svc.Pay(ctx, q, testProofs(102))
	require.NoError(t, err)
	assert.True(t, res.Paid)
	assert.EqualValues(t, 1, sumProofs(res.Change))

	svc = NewIssuerService(&stubBackend{melt: &RawMeltResult{State: "PAID"}})
	res, err = svc.Pay(ctx, q, testProofs(102))
	require.NoError(t, err)
	assert.True(t, res.Paid)

	svc = NewIssuerService(&stubBackend{melt: &RawMeltResult{State: "UNPAID"}})
	res, err = svc.Pay(ctx, q, testProofs(102))
	require.NoError(t, err)
	assert.False(t, res.Paid)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))
	assert.ErrorIs(t, classify(errors.New("invoice UNPAID")), ErrQuoteNotPaid)
	assert.ErrorIs(t, classify(errors.New("proofs already redeemed")), ErrAlreadySpent)
	assert.ErrorIs(t, classify(ErrAlreadySpent), ErrAlreadySpent)

	err := errors.New("timeout")
	assert.Equal(t, err, classify(err))
}
