package ecash

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const (
	sendNote    = "Ecash token generated"
	receiveNote = "Ecash token received"
	payNote     = "Lightning payment"
)

var ErrPaymentFailed = errors.New("invoice payment failed at the mint")

type SendResult struct {
	Token   string       `json:"token"`
	Pending *PendingSend `json:"pending"`
	TxID    uint64       `json:"tx_id"`
}

// Send turns amount sats of the selected issuer into a token. The proofs
// leave the live set at once and come back only through Reclaim.
//
// If the send cannot be tracked the proofs are put back and the error is
// returned. When even that fails the result still carries the token next
// to the error.
func (w *Wallet) Send(ctx context.Context, amount uint64) (*SendResult, error) {
	if err := w.requireReady(); err != nil {
		return nil, err
	}

	if amount == 0 {
		return nil, ErrInvalidAmount
	}

	if w.codec == nil {
		return nil, errors.New("token codec not configured")
	}

	issuerURL := w.SelectedIssuer().URL
	proofs := w.Proofs.Load(issuerURL)
	if len(proofs) == 0 {
		return nil, fmt.Errorf("%w: no tokens available, mint some first", ErrInsufficientBalance)
	}

	if balance := sumProofs(proofs); balance < amount {
		return nil, fmt.Errorf("%w: you have %d sats", ErrInsufficientBalance, balance)
	}

	svc, err := w.Service(issuerURL)
	if err != nil {
		return nil, err
	}

	split, err := svc.PrepareSend(ctx, amount, proofs)
	if err != nil {
		return nil, fmt.Errorf("prepare send: %w", err)
	}

	token, err := w.codec.Encode(issuerURL, split.Send)
	if err != nil {
		return nil, fmt.Errorf("encode token: %w", err)
	}

	if err := w.Proofs.Update(issuerURL, proofs, split.Keep); err != nil {
		return nil, err
	}

	txID, err := w.Ledger.Append(TransactionTypeSend, amount, sendNote, issuerURL, TransactionStatusPending)
	if err != nil {
		slog.Error("record send", "mint", issuerURL, slog.Any("err", err))
	}

	pending, err := w.Sends.Add(token, amount, issuerURL, split.Send, txID)
	if err != nil {
		slog.Error("register pending send", "mint", issuerURL, slog.Any("err", err))
		err = fmt.Errorf("register pending send: %w", err)

		if rerr := w.Proofs.Append(issuerURL, split.Send); rerr != nil {
			// the proofs now only exist inside the token, hand it out with the error
			slog.Error("restore unsent proofs", "mint", issuerURL, slog.Any("err", rerr))
			return &SendResult{Token: token, TxID: txID}, err
		}

		if txID > 0 {
			if serr := w.Ledger.SetStatus(txID, TransactionStatusFailed); serr != nil {
				slog.Error("mark send failed", "id", txID, slog.Any("err", serr))
			}
		}

		return nil, err
	}

	return &SendResult{
		Token:   token,
		Pending: pending,
		TxID:    txID,
	}, nil
}

type ReceiveResult struct {
	Amount    uint64 `json:"amount"`
	IssuerURL string `json:"mint"`
	TxID      uint64 `json:"tx_id"`
}

// Receive redeems a token from a known issuer into the wallet.
func (w *Wallet) Receive(ctx context.Context, token string) (*ReceiveResult, error) {
	if err := w.requireReady(); err != nil {
		return nil, err
	}

	if w.codec == nil {
		return nil, errors.New("token codec not configured")
	}

	token = strings.TrimSpace(token)
	info, err := w.codec.Decode(token)
	if err != nil {
		return nil, fmt.Errorf("cannot read token, make sure you copied the entire token: %w", err)
	}

	if info.IssuerURL == "" {
		return nil, fmt.Errorf("%w: token does not contain mint information", ErrUnknownIssuer)
	}

	if _, ok := w.lookupIssuer(info.IssuerURL); !ok {
		return nil, fmt.Errorf("%w: token is from %s, add this mint first", ErrUnknownIssuer, info.IssuerURL)
	}

	svc, err := w.Service(info.IssuerURL)
	if err != nil {
		return nil, err
	}

	proofs, err := svc.Redeem(ctx, token)
	if err != nil {
		return nil, err
	}

	if err := w.Proofs.Append(info.IssuerURL, proofs); err != nil {
		return nil, err
	}

	amount := sumProofs(proofs)
	txID, err := w.Ledger.Append(TransactionTypeReceive, amount, receiveNote, info.IssuerURL, TransactionStatusPaid)
	if err != nil {
		slog.Error("record receive", "mint", info.IssuerURL, slog.Any("err", err))
	}

	return &ReceiveResult{
		Amount:    amount,
		IssuerURL: info.IssuerURL,
		TxID:      txID,
	}, nil
}

type PaymentOutcome struct {
	Amount   uint64 `json:"amount"`
	Fee      uint64 `json:"fee"`
	Preimage string `json:"preimage,omitempty"`
	TxID     uint64 `json:"tx_id"`
}

// PayInvoice pays a Lightning invoice with proofs of the selected issuer.
func (w *Wallet) PayInvoice(ctx context.Context, invoice string) (*PaymentOutcome, error) {
	if err := w.requireReady(); err != nil {
		return nil, err
	}

	issuerURL := w.SelectedIssuer().URL
	svc, err := w.Service(issuerURL)
	if err != nil {
		return nil, err
	}

	quote, err := svc.RequestPayment(ctx, strings.TrimSpace(invoice))
	if err != nil {
		return nil, fmt.Errorf("request payment: %w", err)
	}

	res, fee, err := w.melt(ctx, svc, issuerURL, quote)
	if err != nil {
		return nil, err
	}

	txID, err := w.Ledger.Append(TransactionTypeSend, quote.Amount, payNote, issuerURL, TransactionStatusPaid)
	if err != nil {
		slog.Error("record payment", "mint", issuerURL, slog.Any("err", err))
	}

	return &PaymentOutcome{
		Amount:   quote.Amount,
		Fee:      fee,
		Preimage: res.Preimage,
		TxID:     txID,
	}, nil
}

// melt spends proofs of issuerURL on a payment quote and returns the fee
// actually paid. On failure the proofs go back to the live set.
func (w *Wallet) melt(ctx context.Context, svc IssuerService, issuerURL string, quote *PaymentQuote) (*PaymentResult, uint64, error) {
	total := quote.Total()
	proofs := w.Proofs.Load(issuerURL)
	if balance := sumProofs(proofs); balance < total {
		return nil, 0, fmt.Errorf("%w: need %d sats (including %d sats fee)", ErrInsufficientBalance, total, quote.FeeReserve)
	}

	split, err := svc.PrepareSend(ctx, total, proofs)
	if err != nil {
		return nil, 0, fmt.Errorf("prepare payment: %w", err)
	}

	if err := w.Proofs.Update(issuerURL, proofs, split.Keep); err != nil {
		return nil, 0, err
	}

	res, err := svc.Pay(ctx, quote, split.Send)
	if err == nil && !res.Paid {
		err = ErrPaymentFailed
	}

	if err != nil {
		if rerr := w.Proofs.Append(issuerURL, split.Send); rerr != nil {
			slog.Error("return unpaid proofs", "mint", issuerURL, "amount", sumProofs(split.Send), slog.Any("err", rerr))
		}

		return nil, 0, fmt.Errorf("pay: %w", err)
	}

	if len(res.Change) > 0 {
		if err := w.Proofs.Append(issuerURL, res.Change); err != nil {
			slog.Error("store payment change", "mint", issuerURL, slog.Any("err", err))
		}
	}

	var fee uint64
	if spent, change := sumProofs(split.Send), sumProofs(res.Change); spent > change+quote.Amount {
		fee = spent - change - quote.Amount
	}

	return res, fee, nil
}

type SwapResult struct {
	Amount  uint64 `json:"amount"`
	Fee     uint64 `json:"fee"`
	Settled bool   `json:"settled"`
}

// Swap moves amount sats from one issuer to another over Lightning: the
// target issues an invoice, the source pays it, the target mints. If the
// target has not seen the payment yet the quote is left to the quote monitor.
func (w *Wallet) Swap(ctx context.Context, fromURL, toURL string, amount uint64) (*SwapResult, error) {
	if err := w.requireReady(); err != nil {
		return nil, err
	}

	if amount == 0 {
		return nil, ErrInvalidAmount
	}

	from, ok := w.lookupIssuer(fromURL)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIssuer, fromURL)
	}

	to, ok := w.lookupIssuer(toURL)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIssuer, toURL)
	}

	if from.URL == to.URL {
		return nil, fmt.Errorf("%w: source and target are the same mint", ErrInvalidIssuer)
	}

	fromSvc, err := w.Service(from.URL)
	if err != nil {
		return nil, err
	}

	toSvc, err := w.Service(to.URL)
	if err != nil {
		return nil, err
	}

	funding, err := toSvc.RequestFunding(ctx, amount)
	if err != nil {
		return nil, fmt.Errorf("request funding at %s: %w", to.Name, err)
	}

	quote, err := fromSvc.RequestPayment(ctx, funding.Request)
	if err != nil {
		return nil, fmt.Errorf("request payment at %s: %w", from.Name, err)
	}

	_, fee, err := w.melt(ctx, fromSvc, from.URL, quote)
	if err != nil {
		return nil, err
	}

	if _, err := w.Ledger.Append(TransactionTypeSend, amount, "Swap to "+to.Name, from.URL, TransactionStatusPaid); err != nil {
		slog.Error("record swap send", slog.Any("err", err))
	}

	result := &SwapResult{Amount: amount, Fee: fee}

	proofs, err := toSvc.TryFinalizeFunding(ctx, funding.QuoteID, amount)
	if errors.Is(err, ErrQuoteNotPaid) {
		slog.Info("swap funding not settled yet, handing over to quote monitor", "quote", funding.QuoteID)
		if _, err := w.Quotes.track(&PendingQuote{
			QuoteID:   funding.QuoteID,
			Amount:    amount,
			IssuerURL: to.URL,
			Request:   funding.Request,
			CreatedAt: w.Quotes.clock(),
		}); err != nil {
			return nil, err
		}

		return result, nil
	}

	if err != nil {
		return nil, fmt.Errorf("mint at %s: %w", to.Name, err)
	}

	if err := w.Proofs.Append(to.URL, proofs); err != nil {
		return nil, err
	}

	if _, err := w.Ledger.Append(TransactionTypeReceive, amount, "Swap from "+from.Name, to.URL, TransactionStatusPaid); err != nil {
		slog.Error("record swap receive", slog.Any("err", err))
	}

	result.Settled = true
	return result, nil
}
