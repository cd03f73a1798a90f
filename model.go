package ecash

import (
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Issuer struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Builtin bool   `json:"builtin,omitempty"`
}

// Proof is a bearer credential issued by a mint. Only Amount is interpreted
// by the wallet, the remaining fields are passed through untouched.
type Proof struct {
	ID      string `json:"id"`
	Amount  uint64 `json:"amount"`
	Secret  string `json:"secret"`
	C       string `json:"C"`
	Witness string `json:"witness,omitempty"`

	// keys the wallet does not know, such as dleq
	extra map[string]json.RawMessage
}

var proofFields = []string{"id", "amount", "secret", "C", "witness"}

func knownProofField(key string) bool {
	for _, f := range proofFields {
		if strings.EqualFold(f, key) {
			return true
		}
	}

	return false
}

func (p *Proof) UnmarshalJSON(data []byte) error {
	type plain Proof
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	for key := range fields {
		if knownProofField(key) {
			delete(fields, key)
		}
	}

	v.extra = nil
	if len(fields) > 0 {
		v.extra = fields
	}

	*p = Proof(v)
	return nil
}

func (p Proof) MarshalJSON() ([]byte, error) {
	type plain Proof
	b, err := json.Marshal(plain(p))
	if err != nil || len(p.extra) == 0 {
		return b, err
	}

	fields := make(map[string]json.RawMessage, len(p.extra)+len(proofFields))
	for key, raw := range p.extra {
		fields[key] = raw
	}

	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, err
	}

	return json.Marshal(fields)
}

func (p Proof) valid() bool {
	return p.Amount > 0
}

func sumProofs(proofs []Proof) uint64 {
	var sum uint64
	for _, p := range proofs {
		sum += p.Amount
	}

	return sum
}

func filterProofs(proofs []Proof) []Proof {
	valid := make([]Proof, 0, len(proofs))
	for _, p := range proofs {
		if p.valid() {
			valid = append(valid, p)
		}
	}

	return valid
}

type TransactionType string

const (
	TransactionTypeSend    TransactionType = "send"
	TransactionTypeReceive TransactionType = "receive"
)

type TransactionStatus string

const (
	TransactionStatusPending TransactionStatus = "pending"
	TransactionStatusPaid    TransactionStatus = "paid"
	TransactionStatusFailed  TransactionStatus = "failed"
)

func (s TransactionStatus) Terminal() bool {
	return s == TransactionStatusPaid || s == TransactionStatusFailed
}

type Transaction struct {
	ID        uint64            `json:"id"`
	Type      TransactionType   `json:"type"`
	Amount    uint64            `json:"amount"`
	Note      string            `json:"note"`
	IssuerURL string            `json:"mint"`
	Timestamp time.Time         `json:"timestamp"`
	Status    TransactionStatus `json:"status"`
}

type PendingQuote struct {
	QuoteID   string    `json:"quote"`
	Amount    uint64    `json:"amount"`
	IssuerURL string    `json:"mint_url"`
	Request   string    `json:"request"`
	CreatedAt time.Time `json:"timestamp"`
}

type PendingSend struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	Amount    uint64    `json:"amount"`
	IssuerURL string    `json:"mint_url"`
	Proofs    []Proof   `json:"proofs"`
	CreatedAt time.Time `json:"timestamp"`
	TxID      uint64    `json:"tx_id"`
}

type BalanceSnapshot struct {
	PerIssuer  map[string]uint64 `json:"per_issuer"`
	Total      uint64            `json:"total"`
	ComputedAt time.Time         `json:"computed_at"`
}

func (b BalanceSnapshot) Of(issuerURL string) uint64 {
	return b.PerIssuer[issuerURL]
}

var satsPerBTC = decimal.New(1, 8)

// SatsToBTC formats a satoshi amount in whole bitcoin.
func SatsToBTC(sats uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(sats), 0).Div(satsPerBTC)
}
