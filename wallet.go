package ecash

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/dgraph-io/badger/v4"
	"github.com/yiplee/go-cache"
	"github.com/zyedidia/generic/mapset"
)

var DefaultIssuers = []Issuer{
	{Name: "Minibits", URL: "https://mint.minibits.cash/Bitcoin", Builtin: true},
	{Name: "Kashu", URL: "https://kashu.me", Builtin: true},
}

type Options struct {
	Issuers []Issuer
	Factory IssuerFactory
	Codec   TokenCodec
	Notify  Notifier

	QuotePollInterval time.Duration
	QuoteExpiry       time.Duration
	SendPollInterval  time.Duration
	SendGrace         time.Duration
}

// Wallet is one wallet session: it owns the seed derived keys, the selected
// issuer and the stores and monitors built on them.
type Wallet struct {
	db      *badger.DB
	builtin []Issuer
	factory IssuerFactory
	codec   TokenCodec

	Proofs   *ProofStore
	Balances *BalanceCache
	Ledger   *Ledger
	Quotes   *QuoteMonitor
	Sends    *SendMonitor

	mu       sync.RWMutex
	phrase   string
	keys     *Keys
	services *cache.Cache[string, IssuerService]
	info     *IssuerInfo

	initializing atomic.Bool
}

// Open loads the wallet from db. On first run a new seed phrase is created
// and the wallet stays locked until ConfirmBackup.
func Open(db *badger.DB, opts Options) (*Wallet, error) {
	if opts.Factory == nil {
		return nil, fmt.Errorf("issuer factory required")
	}

	builtin := append([]Issuer{}, opts.Issuers...)
	if len(builtin) == 0 {
		builtin = append(builtin, DefaultIssuers...)
	}

	for i := range builtin {
		builtin[i].Builtin = true
	}

	ledger, err := NewLedger(db)
	if err != nil {
		return nil, err
	}

	w := &Wallet{
		db:       db,
		builtin:  builtin,
		factory:  opts.Factory,
		codec:    opts.Codec,
		Proofs:   NewProofStore(db),
		Ledger:   ledger,
		services: cache.New[string, IssuerService](),
	}

	w.Balances = NewBalanceCache(db, w.Proofs, w.knownIssuers)
	w.Proofs.OnSave(func(string) {
		w.Balances.Invalidate()
	})

	w.Quotes = NewQuoteMonitor(db, w.Proofs, ledger, w.Balances, w.Service, opts.Notify)
	if opts.QuotePollInterval > 0 {
		w.Quotes.Interval = opts.QuotePollInterval
	}
	if opts.QuoteExpiry > 0 {
		w.Quotes.Expiry = opts.QuoteExpiry
	}

	w.Sends = NewSendMonitor(db, w.Proofs, ledger, w.Balances, w.Service, opts.Notify)
	if opts.SendPollInterval > 0 {
		w.Sends.Interval = opts.SendPollInterval
	}
	if opts.SendGrace > 0 {
		w.Sends.Grace = opts.SendGrace
	}

	var phrase string
	ok, err := ReadProperty(db, propertySeed, &phrase)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}

	if !ok {
		if phrase, err = NewMnemonic(); err != nil {
			return nil, err
		}

		if err := SaveProperty(db, propertySeed, phrase); err != nil {
			return nil, err
		}

		slog.Info("new wallet created, waiting for seed backup")
	}

	w.phrase = phrase

	var backedUp bool
	if _, err := ReadProperty(db, propertyBackedUp, &backedUp); err != nil {
		return nil, err
	}

	if backedUp {
		if err := w.unlock(phrase); err != nil {
			return nil, err
		}
	}

	return w, nil
}

func (w *Wallet) Close() error {
	return w.Ledger.Close()
}

func (w *Wallet) unlock(phrase string) error {
	keys, err := DeriveKeys(phrase)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.phrase = phrase
	w.keys = keys
	w.services = cache.New[string, IssuerService]()
	w.info = nil
	w.mu.Unlock()

	w.Proofs.SetKey(keys.EncryptionKey)
	w.Balances.Invalidate()
	return nil
}

// Ready reports whether the seed backup was confirmed and keys are derived.
func (w *Wallet) Ready() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.keys != nil
}

func (w *Wallet) requireReady() error {
	if !w.Ready() {
		return ErrBackupRequired
	}

	return nil
}

// BackupPhrase returns the seed phrase and whether its backup was confirmed.
func (w *Wallet) BackupPhrase() (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.phrase, w.keys != nil
}

func (w *Wallet) ConfirmBackup(ctx context.Context) error {
	if w.Ready() {
		return nil
	}

	w.mu.RLock()
	phrase := w.phrase
	w.mu.RUnlock()

	if err := w.unlock(phrase); err != nil {
		return err
	}

	if err := SaveProperty(w.db, propertyBackedUp, true); err != nil {
		return err
	}

	return w.Init(ctx)
}

// Service returns the handle of issuerURL, building it on first use.
func (w *Wallet) Service(issuerURL string) (IssuerService, error) {
	w.mu.RLock()
	keys, services := w.keys, w.services
	w.mu.RUnlock()

	if keys == nil {
		return nil, ErrBackupRequired
	}

	if svc, ok := services.Get(issuerURL); ok {
		return svc, nil
	}

	svc, err := w.factory(issuerURL, keys.Seed)
	if err != nil {
		return nil, fmt.Errorf("issuer %s: %w", issuerURL, err)
	}

	services.Set(issuerURL, svc)
	return svc, nil
}

// Init (re)initialises the selected issuer. A call made while another is
// running returns immediately.
func (w *Wallet) Init(ctx context.Context) error {
	if err := w.requireReady(); err != nil {
		return err
	}

	if !w.initializing.CompareAndSwap(false, true) {
		slog.Debug("issuer init already in flight")
		return nil
	}
	defer w.initializing.Store(false)

	issuer := w.SelectedIssuer()
	svc, err := w.Service(issuer.URL)
	if err != nil {
		return err
	}

	info, err := svc.Info(ctx)
	if err != nil {
		slog.Warn("fetch issuer info", "mint", issuer.URL, slog.Any("err", err))
		info = &IssuerInfo{Name: "Mint"}
	}

	w.mu.Lock()
	w.info = info
	w.mu.Unlock()

	w.Balances.Invalidate()
	return nil
}

// IssuerInfo returns what the selected issuer reported at the last Init.
func (w *Wallet) IssuerInfo() *IssuerInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.info
}

func (w *Wallet) SelectedIssuer() Issuer {
	var selected string
	if _, err := ReadProperty(w.db, propertySelectedIssuer, &selected); err != nil {
		slog.Warn("read selected issuer", slog.Any("err", err))
	}

	for _, issuer := range w.Issuers() {
		if issuer.URL == selected {
			return issuer
		}
	}

	return w.builtin[0]
}

func (w *Wallet) SelectIssuer(ctx context.Context, issuerURL string) error {
	if _, ok := w.lookupIssuer(issuerURL); !ok {
		return ErrUnknownIssuer
	}

	if err := SaveProperty(w.db, propertySelectedIssuer, issuerURL); err != nil {
		return err
	}

	if !w.Ready() {
		return nil
	}

	return w.Init(ctx)
}

// Issuers returns the built-in issuers followed by the user added ones.
func (w *Wallet) Issuers() []Issuer {
	custom, err := w.CustomIssuers()
	if err != nil {
		slog.Error("read custom issuers", slog.Any("err", err))
	}

	seen := mapset.New[string]()
	all := make([]Issuer, 0, len(w.builtin)+len(custom))
	for _, issuer := range append(append([]Issuer{}, w.builtin...), custom...) {
		if seen.Has(issuer.URL) {
			continue
		}

		seen.Put(issuer.URL)
		all = append(all, issuer)
	}

	return all
}

// knownIssuers adds issuers that still hold proofs after being removed from
// the list, so their balance is not hidden.
func (w *Wallet) knownIssuers() []Issuer {
	issuers := w.Issuers()

	seen := mapset.New[string]()
	for _, issuer := range issuers {
		seen.Put(issuer.URL)
	}

	stored, err := w.Proofs.Issuers()
	if err != nil {
		slog.Error("list stored issuers", slog.Any("err", err))
	}

	for _, u := range stored {
		if !seen.Has(u) {
			seen.Put(u)
			issuers = append(issuers, Issuer{Name: u, URL: u})
		}
	}

	return issuers
}

func (w *Wallet) lookupIssuer(issuerURL string) (Issuer, bool) {
	for _, issuer := range w.Issuers() {
		if issuer.URL == issuerURL {
			return issuer, true
		}
	}

	return Issuer{}, false
}

func (w *Wallet) CustomIssuers() ([]Issuer, error) {
	var custom []Issuer
	if _, err := ReadProperty(w.db, propertyCustomIssuers, &custom); err != nil {
		return nil, err
	}

	return custom, nil
}

func (w *Wallet) AddIssuer(name, issuerURL string) (Issuer, error) {
	name = strings.TrimSpace(name)
	issuerURL = strings.TrimRight(strings.TrimSpace(issuerURL), "/")

	if name == "" || issuerURL == "" {
		return Issuer{}, fmt.Errorf("%w: name and url required", ErrInvalidIssuer)
	}

	if u, err := url.Parse(issuerURL); err != nil || !govalidator.IsURL(issuerURL) || (u.Scheme != "https" && u.Scheme != "http") {
		return Issuer{}, fmt.Errorf("%w: %q is not a valid url", ErrInvalidIssuer, issuerURL)
	}

	if _, ok := w.lookupIssuer(issuerURL); ok {
		return Issuer{}, fmt.Errorf("%w: %s already added", ErrInvalidIssuer, issuerURL)
	}

	custom, err := w.CustomIssuers()
	if err != nil {
		return Issuer{}, err
	}

	issuer := Issuer{Name: name, URL: issuerURL}
	if err := SaveProperty(w.db, propertyCustomIssuers, append(custom, issuer)); err != nil {
		return Issuer{}, err
	}

	w.Balances.Invalidate()
	return issuer, nil
}

// RemoveIssuer drops a user added issuer from the list. Its proofs stay in
// the store.
func (w *Wallet) RemoveIssuer(issuerURL string) error {
	for _, issuer := range w.builtin {
		if issuer.URL == issuerURL {
			return ErrBuiltinIssuer
		}
	}

	custom, err := w.CustomIssuers()
	if err != nil {
		return err
	}

	kept := make([]Issuer, 0, len(custom))
	for _, issuer := range custom {
		if issuer.URL != issuerURL {
			kept = append(kept, issuer)
		}
	}

	if len(kept) == len(custom) {
		return ErrNotFound
	}

	if err := SaveProperty(w.db, propertyCustomIssuers, kept); err != nil {
		return err
	}

	w.Balances.Invalidate()

	var selected string
	if _, err := ReadProperty(w.db, propertySelectedIssuer, &selected); err != nil {
		return err
	}

	if selected == issuerURL {
		return SaveProperty(w.db, propertySelectedIssuer, w.builtin[0].URL)
	}

	return nil
}

// ResetIssuer drops every proof held at issuerURL.
func (w *Wallet) ResetIssuer(issuerURL string) error {
	return w.Proofs.Reset(issuerURL)
}

func (w *Wallet) Balance() BalanceSnapshot {
	return w.Balances.Snapshot()
}

func (w *Wallet) CurrentBalance() uint64 {
	return w.Balance().Of(w.SelectedIssuer().URL)
}

func (w *Wallet) CurrentProofs() []Proof {
	return w.Proofs.Load(w.SelectedIssuer().URL)
}

func (w *Wallet) Transactions(offset, limit int) ([]*Transaction, error) {
	return w.Ledger.List(offset, limit)
}

// RequestFunding creates a Lightning invoice at the selected issuer.
func (w *Wallet) RequestFunding(ctx context.Context, amount uint64) (*PendingQuote, error) {
	if err := w.requireReady(); err != nil {
		return nil, err
	}

	return w.Quotes.Request(ctx, w.SelectedIssuer().URL, amount)
}

// Restore replaces the seed phrase. History and pending operations cannot be
// derived from a phrase and are dropped; proofs are rebuilt by asking every
// known issuer to restore what the seed can derive.
func (w *Wallet) Restore(ctx context.Context, phrase string) (BalanceSnapshot, error) {
	phrase = NormalizeMnemonic(phrase)
	if err := ValidateMnemonic(phrase); err != nil {
		return BalanceSnapshot{}, err
	}

	issuers := w.knownIssuers()

	if err := w.Ledger.Clear(); err != nil {
		return BalanceSnapshot{}, fmt.Errorf("clear ledger: %w", err)
	}

	if err := w.Sends.Clear(); err != nil {
		return BalanceSnapshot{}, fmt.Errorf("clear pending sends: %w", err)
	}

	if err := w.Quotes.Cancel(); err != nil {
		return BalanceSnapshot{}, fmt.Errorf("clear pending quote: %w", err)
	}

	for _, issuer := range issuers {
		if err := w.Proofs.Reset(issuer.URL); err != nil {
			return BalanceSnapshot{}, fmt.Errorf("reset proofs of %s: %w", issuer.URL, err)
		}
	}

	if err := SaveProperty(w.db, propertySeed, phrase); err != nil {
		return BalanceSnapshot{}, err
	}

	if err := w.unlock(phrase); err != nil {
		return BalanceSnapshot{}, err
	}

	if err := SaveProperty(w.db, propertyBackedUp, true); err != nil {
		return BalanceSnapshot{}, err
	}

	for _, issuer := range issuers {
		log := slog.With(slog.String("mint", issuer.URL))

		svc, err := w.Service(issuer.URL)
		if err != nil {
			log.Warn("restore: build issuer", slog.Any("err", err))
			continue
		}

		proofs, err := svc.Restore(ctx)
		if err != nil {
			log.Warn("restore proofs", slog.Any("err", err))
			continue
		}

		if len(proofs) == 0 {
			continue
		}

		if err := w.Proofs.Save(issuer.URL, proofs); err != nil {
			return BalanceSnapshot{}, err
		}

		log.Info("restored proofs", "count", len(proofs), "amount", sumProofs(proofs))
	}

	w.Balances.Invalidate()
	snap := w.Balances.Snapshot()

	if err := w.Init(ctx); err != nil {
		slog.Warn("init after restore", slog.Any("err", err))
	}

	return snap, nil
}
