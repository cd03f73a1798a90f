package ecash

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type IssuerInfo struct {
	Name        string         `json:"name"`
	Version     string         `json:"version,omitempty"`
	Description string         `json:"description,omitempty"`
	Nuts        map[string]any `json:"nuts,omitempty"`
}

type FundingQuote struct {
	QuoteID string `json:"quote"`
	Request string `json:"request"`
}

type SendSplit struct {
	Keep []Proof `json:"keep"`
	Send []Proof `json:"send"`
}

type PaymentQuote struct {
	QuoteID    string `json:"quote"`
	Amount     uint64 `json:"amount"`
	FeeReserve uint64 `json:"fee_reserve"`
}

func (q PaymentQuote) Total() uint64 {
	return q.Amount + q.FeeReserve
}

type PaymentResult struct {
	Paid     bool    `json:"paid"`
	Preimage string  `json:"preimage,omitempty"`
	Change   []Proof `json:"change,omitempty"`
}

// IssuerService is the wallet's view of one mint. Implementations return
// ErrQuoteNotPaid and ErrAlreadySpent for the expected outcomes.
type IssuerService interface {
	Info(ctx context.Context) (*IssuerInfo, error)
	RequestFunding(ctx context.Context, amount uint64) (*FundingQuote, error)
	TryFinalizeFunding(ctx context.Context, quoteID string, amount uint64) ([]Proof, error)
	CheckSpent(ctx context.Context, proofs []Proof) ([]bool, error)
	Redeem(ctx context.Context, token string) ([]Proof, error)
	PrepareSend(ctx context.Context, amount uint64, proofs []Proof) (*SendSplit, error)
	RequestPayment(ctx context.Context, invoice string) (*PaymentQuote, error)
	Pay(ctx context.Context, quote *PaymentQuote, proofs []Proof) (*PaymentResult, error)
	Restore(ctx context.Context) ([]Proof, error)
}

// IssuerFactory builds the service handle of an issuer from the wallet seed.
type IssuerFactory func(issuerURL string, seed []byte) (IssuerService, error)

type TokenInfo struct {
	IssuerURL string  `json:"mint"`
	Proofs    []Proof `json:"proofs"`
	Memo      string  `json:"memo,omitempty"`
}

func (t TokenInfo) Amount() uint64 {
	return sumProofs(t.Proofs)
}

// TokenCodec encodes and decodes shareable token strings.
type TokenCodec interface {
	Encode(issuerURL string, proofs []Proof) (string, error)
	Decode(token string) (*TokenInfo, error)
}

// Raw protocol results. Different protocol versions name the same things
// differently, the adapter folds them into the types above.
type (
	RawMintResult struct {
		Proofs     []Proof `json:"proofs"`
		Signatures []Proof `json:"signatures"`
	}

	RawProofState struct {
		Spent      *bool  `json:"spent,omitempty"`
		State      string `json:"state,omitempty"`
		SpentProof *struct {
			Spent bool `json:"spent"`
		} `json:"spentProof,omitempty"`
	}

	RawSendResult struct {
		Keep         []Proof `json:"keep"`
		ReturnChange []Proof `json:"returnChange"`
		Change       []Proof `json:"change"`
		Send         []Proof `json:"send"`
	}

	RawMeltQuote struct {
		Quote      string `json:"quote"`
		Amount     uint64 `json:"amount"`
		FeeReserve uint64 `json:"fee_reserve"`
		Fee        uint64 `json:"fee"`
	}

	RawMeltResult struct {
		Paid     *bool   `json:"paid,omitempty"`
		State    string  `json:"state,omitempty"`
		Preimage string  `json:"payment_preimage,omitempty"`
		Change   []Proof `json:"change"`
		Proofs   []Proof `json:"proofs"`
	}
)

// Backend is a raw token-protocol client bound to one issuer.
type Backend interface {
	GetInfo(ctx context.Context) (*IssuerInfo, error)
	CreateMintQuote(ctx context.Context, amount uint64) (*FundingQuote, error)
	MintTokens(ctx context.Context, amount uint64, quoteID string) (*RawMintResult, error)
	CheckProofsSpent(ctx context.Context, proofs []Proof) ([]RawProofState, error)
	Receive(ctx context.Context, token string) ([]Proof, error)
	Send(ctx context.Context, amount uint64, proofs []Proof) (*RawSendResult, error)
	CreateMeltQuote(ctx context.Context, invoice string) (*RawMeltQuote, error)
	MeltTokens(ctx context.Context, quoteID string, proofs []Proof) (*RawMeltResult, error)
	RestoreProofs(ctx context.Context) ([]Proof, error)
}

type issuerAdapter struct {
	b Backend
}

func NewIssuerService(b Backend) IssuerService {
	return &issuerAdapter{b: b}
}

func (a *issuerAdapter) Info(ctx context.Context) (*IssuerInfo, error) {
	info, err := a.b.GetInfo(ctx)
	return info, classify(err)
}

func (a *issuerAdapter) RequestFunding(ctx context.Context, amount uint64) (*FundingQuote, error) {
	q, err := a.b.CreateMintQuote(ctx, amount)
	if err != nil {
		return nil, classify(err)
	}

	if q.QuoteID == "" || q.Request == "" {
		return nil, errors.New("issuer returned an empty quote")
	}

	return q, nil
}

func (a *issuerAdapter) TryFinalizeFunding(ctx context.Context, quoteID string, amount uint64) ([]Proof, error) {
	r, err := a.b.MintTokens(ctx, amount, quoteID)
	if err != nil {
		return nil, classify(err)
	}

	proofs := filterProofs(firstNonEmpty(r.Proofs, r.Signatures))
	if len(proofs) == 0 {
		// an empty mint means the invoice has not settled yet
		return nil, ErrQuoteNotPaid
	}

	return proofs, nil
}

func (a *issuerAdapter) CheckSpent(ctx context.Context, proofs []Proof) ([]bool, error) {
	states, err := a.b.CheckProofsSpent(ctx, proofs)
	if err != nil {
		return nil, classify(err)
	}

	if len(states) != len(proofs) {
		return nil, fmt.Errorf("issuer returned %d states for %d proofs", len(states), len(proofs))
	}

	spent := make([]bool, len(states))
	for i, s := range states {
		spent[i] = s.spent()
	}

	return spent, nil
}

func (s RawProofState) spent() bool {
	if s.SpentProof != nil && s.SpentProof.Spent {
		return true
	}

	if s.Spent != nil && *s.Spent {
		return true
	}

	return strings.EqualFold(s.State, "SPENT")
}

func (a *issuerAdapter) Redeem(ctx context.Context, token string) ([]Proof, error) {
	proofs, err := a.b.Receive(ctx, token)
	if err != nil {
		return nil, classify(err)
	}

	proofs = filterProofs(proofs)
	if len(proofs) == 0 {
		return nil, ErrAlreadySpent
	}

	return proofs, nil
}

func (a *issuerAdapter) PrepareSend(ctx context.Context, amount uint64, proofs []Proof) (*SendSplit, error) {
	r, err := a.b.Send(ctx, amount, proofs)
	if err != nil {
		return nil, classify(err)
	}

	split := &SendSplit{
		Keep: filterProofs(firstNonEmpty(r.Keep, r.ReturnChange, r.Change)),
		Send: filterProofs(r.Send),
	}

	if len(split.Send) == 0 {
		return nil, errors.New("issuer returned no proofs to send")
	}

	if got := sumProofs(split.Send); got < amount {
		return nil, fmt.Errorf("issuer selected %d for a send of %d", got, amount)
	}

	return split, nil
}

func (a *issuerAdapter) RequestPayment(ctx context.Context, invoice string) (*PaymentQuote, error) {
	q, err := a.b.CreateMeltQuote(ctx, invoice)
	if err != nil {
		return nil, classify(err)
	}

	fee := q.FeeReserve
	if fee == 0 {
		fee = q.Fee
	}

	return &PaymentQuote{
		QuoteID:    q.Quote,
		Amount:     q.Amount,
		FeeReserve: fee,
	}, nil
}

func (a *issuerAdapter) Pay(ctx context.Context, quote *PaymentQuote, proofs []Proof) (*PaymentResult, error) {
	r, err := a.b.MeltTokens(ctx, quote.QuoteID, proofs)
	if err != nil {
		return nil, classify(err)
	}

	paid := strings.EqualFold(r.State, "PAID")
	if r.Paid != nil {
		paid = *r.Paid
	}

	return &PaymentResult{
		Paid:     paid,
		Preimage: r.Preimage,
		Change:   filterProofs(firstNonEmpty(r.Change, r.Proofs)),
	}, nil
}

func (a *issuerAdapter) Restore(ctx context.Context) ([]Proof, error) {
	proofs, err := a.b.RestoreProofs(ctx)
	if err != nil {
		return nil, classify(err)
	}

	return filterProofs(proofs), nil
}

func firstNonEmpty(sets ...[]Proof) []Proof {
	for _, set := range sets {
		if len(set) > 0 {
			return set
		}
	}

	return nil
}

var (
	notPaidHints      = []string{"not paid", "unpaid", "quote is pending", "quote pending"}
	alreadySpentHints = []string{"already spent", "already claimed", "already redeemed", "token spent"}
)

// classify maps protocol error messages onto the wallet's sentinel errors.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrQuoteNotPaid) || errors.Is(err, ErrAlreadySpent) {
		return err
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range notPaidHints {
		if strings.Contains(msg, hint) {
			return fmt.Errorf("%w: %s", ErrQuoteNotPaid, err)
		}
	}

	for _, hint := range alreadySpentHints {
		if strings.Contains(msg, hint) {
			return fmt.Errorf("%w: %s", ErrAlreadySpent, err)
		}
	}

	return err
}
