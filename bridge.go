package ecash

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Bridge talks to a local token-protocol daemon that does the blinding,
// signing and token encoding for the wallet. Every call names the issuer
// and carries the key derivation seed.
type Bridge struct {
	client *resty.Client
}

func NewBridge(baseURL string) *Bridge {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(30 * time.Second)

	return &Bridge{client: client}
}

// NewBridgeFactory returns an IssuerFactory serving every issuer through
// bridge.
func NewBridgeFactory(bridge *Bridge) IssuerFactory {
	return func(issuerURL string, seed []byte) (IssuerService, error) {
		if issuerURL == "" {
			return nil, ErrInvalidIssuer
		}

		return NewIssuerService(&bridgeBackend{
			bridge:    bridge,
			issuerURL: issuerURL,
			seed:      hex.EncodeToString(seed),
		}), nil
	}
}

type bridgeError struct {
	Message string `json:"error"`
}

func (b *Bridge) call(ctx context.Context, path string, body, result any) error {
	var e bridgeError
	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(result).
		SetError(&e).
		Post(path)
	if err != nil {
		return err
	}

	if resp.IsError() {
		if e.Message == "" {
			e.Message = strings.TrimSpace(resp.String())
		}

		return fmt.Errorf("bridge %s: %d %s", path, resp.StatusCode(), e.Message)
	}

	return nil
}

func (b *Bridge) Encode(issuerURL string, proofs []Proof) (string, error) {
	var r struct {
		Token string `json:"token"`
	}

	body := TokenInfo{IssuerURL: issuerURL, Proofs: proofs}
	if err := b.call(context.Background(), "/token/encode", body, &r); err != nil {
		return "", err
	}

	if r.Token == "" {
		return "", errors.New("bridge returned an empty token")
	}

	return r.Token, nil
}

func (b *Bridge) Decode(token string) (*TokenInfo, error) {
	var info TokenInfo
	body := map[string]string{"token": token}
	if err := b.call(context.Background(), "/token/decode", body, &info); err != nil {
		return nil, err
	}

	return &info, nil
}

type bridgeBackend struct {
	bridge    *Bridge
	issuerURL string
	seed      string
}

type bridgeRequest struct {
	Mint    string  `json:"mint"`
	Seed    string  `json:"seed"`
	Amount  uint64  `json:"amount,omitempty"`
	Quote   string  `json:"quote,omitempty"`
	Token   string  `json:"token,omitempty"`
	Invoice string  `json:"invoice,omitempty"`
	Proofs  []Proof `json:"proofs,omitempty"`
}

func (b *bridgeBackend) request() bridgeRequest {
	return bridgeRequest{Mint: b.issuerURL, Seed: b.seed}
}

func (b *bridgeBackend) GetInfo(ctx context.Context) (*IssuerInfo, error) {
	var info IssuerInfo
	if err := b.bridge.call(ctx, "/mint/info", b.request(), &info); err != nil {
		return nil, err
	}

	return &info, nil
}

func (b *bridgeBackend) CreateMintQuote(ctx context.Context, amount uint64) (*FundingQuote, error) {
	req := b.request()
	req.Amount = amount

	var q FundingQuote
	if err := b.bridge.call(ctx, "/mint/quote", req, &q); err != nil {
		return nil, err
	}

	return &q, nil
}

func (b *bridgeBackend) MintTokens(ctx context.Context, amount uint64, quoteID string) (*RawMintResult, error) {
	req := b.request()
	req.Amount = amount
	req.Quote = quoteID

	var r RawMintResult
	if err := b.bridge.call(ctx, "/mint/tokens", req, &r); err != nil {
		return nil, err
	}

	return &r, nil
}

func (b *bridgeBackend) CheckProofsSpent(ctx context.Context, proofs []Proof) ([]RawProofState, error) {
	req := b.request()
	req.Proofs = proofs

	var states []RawProofState
	if err := b.bridge.call(ctx, "/proofs/check", req, &states); err != nil {
		return nil, err
	}

	return states, nil
}

func (b *bridgeBackend) Receive(ctx context.Context, token string) ([]Proof, error) {
	req := b.request()
	req.Token = token

	var proofs []Proof
	if err := b.bridge.call(ctx, "/receive", req, &proofs); err != nil {
		return nil, err
	}

	return proofs, nil
}

func (b *bridgeBackend) Send(ctx context.Context, amount uint64, proofs []Proof) (*RawSendResult, error) {
	req := b.request()
	req.Amount = amount
	req.Proofs = proofs

	var r RawSendResult
	if err := b.bridge.call(ctx, "/send", req, &r); err != nil {
		return nil, err
	}

	return &r, nil
}

func (b *bridgeBackend) CreateMeltQuote(ctx context.Context, invoice string) (*RawMeltQuote, error) {
	req := b.request()
	req.Invoice = invoice

	var q RawMeltQuote
	if err := b.bridge.call(ctx, "/melt/quote", req, &q); err != nil {
		return nil, err
	}

	return &q, nil
}

func (b *bridgeBackend) MeltTokens(ctx context.Context, quoteID string, proofs []Proof) (*RawMeltResult, error) {
	req := b.request()
	req.Quote = quoteID
	req.Proofs = proofs

	var r RawMeltResult
	if err := b.bridge.call(ctx, "/melt/tokens", req, &r); err != nil {
		return nil, err
	}

	return &r, nil
}

func (b *bridgeBackend) RestoreProofs(ctx context.Context) ([]Proof, error) {
	var proofs []Proof
	if err := b.bridge.call(ctx, "/restore", b.request(), &proofs); err != nil {
		return nil, err
	}

	return proofs, nil
}
