package ecash

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

const (
	testMnemonic  = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	otherMnemonic = "legal winner thank year wave sausage worth useful legal winner thank yellow"

	testIssuerA = "https://mint-a.test"
	testIssuerB = "https://mint-b.test"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

// fakeIssuer is an in-memory mint.
type fakeIssuer struct {
	url      string
	codec    *fakeCodec
	invoices *invoiceBook

	mu      sync.Mutex
	serial  int
	quotes  map[string]uint64
	unpaid  map[string]int
	spent   map[string]bool
	restore []Proof

	fee        uint64
	payFails   bool
	checkErr   error
	finalizeFn func(quoteID string) error
	calls      map[string]int
}

// invoiceBook is the Lightning network shared by the fake issuers.
type invoiceBook struct {
	mu sync.Mutex
	m  map[string]uint64
}

func (b *invoiceBook) add(invoice string, amount uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[invoice] = amount
}

func (b *invoiceBook) get(invoice string) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	amount, ok := b.m[invoice]
	return amount, ok
}

func newFakeIssuer(url string, codec *fakeCodec, invoices *invoiceBook) *fakeIssuer {
	return &fakeIssuer{
		url:      url,
		codec:    codec,
		invoices: invoices,
		quotes:   map[string]uint64{},
		unpaid:   map[string]int{},
		spent:    map[string]bool{},
		calls:    map[string]int{},
	}
}

func (f *fakeIssuer) proof(amount uint64) Proof {
	f.serial++
	return Proof{
		ID:     "00ad268c4d1f5826",
		Amount: amount,
		Secret: fmt.Sprintf("%s#%d", f.url, f.serial),
		C:      fmt.Sprintf("02%040d", f.serial),
	}
}

func (f *fakeIssuer) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeIssuer) markSpent(proofs []Proof) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range proofs {
		f.spent[p.Secret] = true
	}
}

func (f *fakeIssuer) Info(ctx context.Context) (*IssuerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["info"]++

	return &IssuerInfo{Name: "Fake " + f.url, Version: "fake/0.1"}, nil
}

func (f *fakeIssuer) RequestFunding(ctx context.Context, amount uint64) (*FundingQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.serial++
	id := fmt.Sprintf("quote-%d", f.serial)
	f.quotes[id] = amount

	request := fmt.Sprintf("lnbc%dn1%s", amount, id)
	f.invoices.add(request, amount)
	return &FundingQuote{QuoteID: id, Request: request}, nil
}

// setUnpaid makes the next n finalize attempts of quoteID report not paid.
func (f *fakeIssuer) setUnpaid(quoteID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unpaid[quoteID] = n
}

func (f *fakeIssuer) TryFinalizeFunding(ctx context.Context, quoteID string, amount uint64) ([]Proof, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["finalize"]++

	if f.finalizeFn != nil {
		if err := f.finalizeFn(quoteID); err != nil {
			return nil, err
		}
	}

	if n := f.unpaid[quoteID]; n > 0 {
		f.unpaid[quoteID] = n - 1
		return nil, ErrQuoteNotPaid
	}

	if _, ok := f.quotes[quoteID]; !ok {
		return nil, errors.New("unknown quote")
	}

	delete(f.quotes, quoteID)
	return []Proof{f.proof(amount)}, nil
}

func (f *fakeIssuer) CheckSpent(ctx context.Context, proofs []Proof) ([]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["check"]++

	if f.checkErr != nil {
		return nil, f.checkErr
	}

	states := make([]bool, len(proofs))
	for i, p := range proofs {
		states[i] = f.spent[p.Secret]
	}

	return states, nil
}

// issue creates a token worth amount that Redeem accepts once.
func (f *fakeIssuer) issue(amount uint64) string {
	f.mu.Lock()
	p := f.proof(amount)
	f.mu.Unlock()

	token, _ := f.codec.Encode(f.url, []Proof{p})
	return token
}

func (f *fakeIssuer) Redeem(ctx context.Context, token string) ([]Proof, error) {
	info, err := f.codec.Decode(token)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["redeem"]++

	proofs := info.Proofs

	var amount uint64
	for _, p := range proofs {
		if f.spent[p.Secret] {
			return nil, ErrAlreadySpent
		}

		amount += p.Amount
	}

	for _, p := range proofs {
		f.spent[p.Secret] = true
	}

	return []Proof{f.proof(amount)}, nil
}

// PrepareSend picks proofs in order and splits the last one picked.
func (f *fakeIssuer) PrepareSend(ctx context.Context, amount uint64, proofs []Proof) (*SendSplit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		picked uint64
		split  SendSplit
	)

	for _, p := range proofs {
		if picked >= amount {
			split.Keep = append(split.Keep, p)
			continue
		}

		picked += p.Amount
		f.spent[p.Secret] = true
	}

	if picked < amount {
		return nil, errors.New("not enough proofs")
	}

	split.Send = []Proof{f.proof(amount)}
	if change := picked - amount; change > 0 {
		split.Keep = append(split.Keep, f.proof(change))
	}

	return &split, nil
}

func (f *fakeIssuer) RequestPayment(ctx context.Context, invoice string) (*PaymentQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	amount, ok := f.invoices.get(invoice)
	if !ok {
		return nil, errors.New("invalid invoice")
	}

	return &PaymentQuote{QuoteID: "melt-" + invoice, Amount: amount, FeeReserve: f.fee}, nil
}

func (f *fakeIssuer) Pay(ctx context.Context, quote *PaymentQuote, proofs []Proof) (*PaymentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["pay"]++

	if f.payFails {
		return &PaymentResult{Paid: false}, nil
	}

	var sum uint64
	for _, p := range proofs {
		f.spent[p.Secret] = true
		sum += p.Amount
	}

	res := &PaymentResult{Paid: true, Preimage: "00ff"}
	if change := sum - quote.Amount; change > 0 {
		res.Change = []Proof{f.proof(change)}
	}

	return res, nil
}

func (f *fakeIssuer) Restore(ctx context.Context) ([]Proof, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restore, nil
}

type fakeCodec struct {
	mu     sync.Mutex
	serial int
	tokens map[string]*TokenInfo
	// pad inflates every token by this many bytes
	pad int
}

func newFakeCodec() *fakeCodec {
	return &fakeCodec{tokens: map[string]*TokenInfo{}}
}

func (c *fakeCodec) Encode(issuerURL string, proofs []Proof) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.serial++
	token := fmt.Sprintf("cashuAfake%d", c.serial) + strings.Repeat("A", c.pad)
	c.tokens[token] = &TokenInfo{IssuerURL: issuerURL, Proofs: proofs}
	return token, nil
}

func (c *fakeCodec) Decode(token string) (*TokenInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.tokens[token]
	if !ok {
		return nil, errors.New("malformed token")
	}

	return info, nil
}

// fakeNet routes issuer urls to fake issuers and records events.
type fakeNet struct {
	codec    *fakeCodec
	invoices *invoiceBook

	mu      sync.Mutex
	issuers map[string]*fakeIssuer
	events  []Event
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		codec:    newFakeCodec(),
		invoices: &invoiceBook{m: map[string]uint64{}},
		issuers:  map[string]*fakeIssuer{},
	}
}

func (n *fakeNet) issuer(url string) *fakeIssuer {
	n.mu.Lock()
	defer n.mu.Unlock()

	f, ok := n.issuers[url]
	if !ok {
		f = newFakeIssuer(url, n.codec, n.invoices)
		n.issuers[url] = f
	}

	return f
}

func (n *fakeNet) factory(url string, seed []byte) (IssuerService, error) {
	if len(seed) == 0 {
		return nil, errors.New("seed required")
	}

	return n.issuer(url), nil
}

func (n *fakeNet) resolve(url string) (IssuerService, error) {
	return n.issuer(url), nil
}

func (n *fakeNet) notify(e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *fakeNet) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event{}, n.events...)
}

var testIssuers = []Issuer{
	{Name: "Mint A", URL: testIssuerA},
	{Name: "Mint B", URL: testIssuerB},
}

// newTestWallet opens a wallet over an in-memory db with the backup already
// confirmed.
func newTestWallet(t *testing.T) (*Wallet, *fakeNet) {
	t.Helper()

	net := newFakeNet()
	w, err := Open(openTestDB(t), Options{
		Issuers: testIssuers,
		Factory: net.factory,
		Codec:   net.codec,
		Notify:  net.notify,
	})
	require.NoError(t, err)
	require.NoError(t, w.ConfirmBackup(context.Background()))

	t.Cleanup(func() {
		_ = w.Close()
	})

	return w, net
}

// fund puts proofs worth amounts at issuerURL directly into the store.
func fund(t *testing.T, w *Wallet, net *fakeNet, issuerURL string, amounts ...uint64) []Proof {
	t.Helper()

	f := net.issuer(issuerURL)
	proofs := make([]Proof, 0, len(amounts))
	f.mu.Lock()
	for _, amount := range amounts {
		proofs = append(proofs, f.proof(amount))
	}
	f.mu.Unlock()

	require.NoError(t, w.Proofs.Append(issuerURL, proofs))
	return proofs
}
