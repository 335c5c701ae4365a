package hostfunc

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Mock ledger constants. Amounts are kept in stroops (1e-7 of a unit).
const (
	StroopsPerUnit   = 10_000_000
	FriendbotStroops = 10_000 * StroopsPerUnit
	BaseFeeStroops   = 100
	AccountPrefix    = "ledger:account:"
	TestnetPassword  = "Test SDF Network ; September 2015"
	PublicPassword   = "Public Global Stellar Network ; September 2015"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already funded")
	ErrBadSequence     = errors.New("tx_bad_seq")
	ErrBadAuth         = errors.New("tx_bad_auth")
	ErrUnderfunded     = errors.New("op_underfunded")
	ErrNoDestination   = errors.New("op_no_destination")
	ErrMalformed       = errors.New("tx_malformed")
)

var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Account is a ledger entry.
type Account struct {
	ID       string `json:"id"`
	Sequence int64  `json:"sequence"`
	Balance  int64  `json:"balance"`
}

// Payment moves native balance between accounts.
type Payment struct {
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
}

// Transaction is the envelope submitted by sandboxed code.
type Transaction struct {
	Source     string    `json:"source"`
	Sequence   int64     `json:"sequence"`
	Fee        int64     `json:"fee"`
	Network    string    `json:"network"`
	Memo       string    `json:"memo,omitempty"`
	Operations []Payment `json:"operations"`
	Signers    []string  `json:"signers,omitempty"`
}

// Hash is the hex digest of the unsigned envelope.
func (tx Transaction) Hash() string {
	unsigned := tx
	unsigned.Signers = nil
	data, _ := json.Marshal(unsigned)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Ledger is an in-memory mock payment network. Keys are derived by hashing,
// not by real signature schemes: it teaches the API shape and holds nothing
// of value.
type Ledger struct {
	kv *KV

	mu     sync.Mutex
	closed int64
}

func NewLedger(kv *KV) *Ledger {
	if kv == nil {
		kv = NewKV(DefaultKVConfig())
	}
	return &Ledger{kv: kv, closed: 1}
}

// NewSecret returns a random mock secret seed.
func NewSecret() string {
	id := uuid.New()
	return "S" + encodeKey(id[:])
}

// PublicKeyFor derives the mock public key of a secret seed.
func PublicKeyFor(secret string) (string, error) {
	if len(secret) != 56 || secret[0] != 'S' {
		return "", fmt.Errorf("invalid secret seed")
	}
	sum := sha256.Sum256([]byte(secret))
	return "G" + encodeKey(sum[:]), nil
}

func encodeKey(b []byte) string {
	sum := sha256.Sum256(b)
	return keyEncoding.EncodeToString(append(sum[:], sum[:3]...))[:55]
}

// Load returns a copy of the account.
func (l *Ledger) Load(id string) (Account, error) {
	v, ok := l.kv.Load(AccountPrefix + id)
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return v.(Account), nil
}

// Fund creates id with the friendbot balance.
func (l *Ledger) Fund(id string) (string, int64, error) {
	if len(id) != 56 || id[0] != 'G' {
		return "", 0, fmt.Errorf("%w: invalid account id", ErrMalformed)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.kv.Update(AccountPrefix+id, func(cur any, ok bool) (any, error) {
		if ok {
			return cur, ErrAccountExists
		}
		// New accounts start at ledger sequence << 32, as on the real network.
		return Account{ID: id, Sequence: l.closed << 32, Balance: FriendbotStroops}, nil
	})
	if err != nil {
		return "", 0, err
	}
	l.closed++
	return Transaction{Source: "friendbot", Sequence: l.closed, Operations: []Payment{{Destination: id}}}.Hash(), l.closed, nil
}

// Submit validates and applies tx atomically.
func (l *Ledger) Submit(tx Transaction) (string, int64, error) {
	if len(tx.Operations) == 0 {
		return "", 0, fmt.Errorf("%w: no operations", ErrMalformed)
	}
	amounts := make([]int64, len(tx.Operations))
	var total int64
	for i, op := range tx.Operations {
		n, err := ParseAmount(op.Amount)
		if err != nil || n <= 0 {
			return "", 0, fmt.Errorf("%w: invalid amount %q", ErrMalformed, op.Amount)
		}
		amounts[i] = n
		total += n
	}
	fee := int64(len(tx.Operations)) * BaseFeeStroops
	if tx.Fee > fee {
		fee = tx.Fee
	}

	signed := false
	for _, s := range tx.Signers {
		signed = signed || s == tx.Source
	}
	if !signed {
		return "", 0, ErrBadAuth
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	src, err := l.Load(tx.Source)
	if err != nil {
		return "", 0, err
	}
	if tx.Sequence != src.Sequence+1 {
		return "", 0, ErrBadSequence
	}
	if src.Balance < total+fee {
		return "", 0, ErrUnderfunded
	}
	for _, op := range tx.Operations {
		if _, err := l.Load(op.Destination); err != nil {
			return "", 0, fmt.Errorf("%w: %s", ErrNoDestination, op.Destination)
		}
	}

	src.Sequence = tx.Sequence
	src.Balance -= total + fee
	if err := l.kv.Store(AccountPrefix+src.ID, src); err != nil {
		return "", 0, err
	}
	for i, op := range tx.Operations {
		d, _ := l.Load(op.Destination)
		d.Balance += amounts[i]
		if err := l.kv.Store(AccountPrefix+d.ID, d); err != nil {
			return "", 0, err
		}
	}
	l.closed++
	return tx.Hash(), l.closed, nil
}

// ParseAmount converts a decimal string with up to 7 fraction digits to stroops.
func ParseAmount(s string) (int64, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	r.Mul(r, big.NewRat(StroopsPerUnit, 1))
	if !r.IsInt() || !r.Num().IsInt64() {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return r.Num().Int64(), nil
}

// FormatAmount renders stroops with 7 fraction digits.
func FormatAmount(stroops int64) string {
	sign := ""
	if stroops < 0 {
		sign, stroops = "-", -stroops
	}
	return fmt.Sprintf("%s%d.%07d", sign, stroops/StroopsPerUnit, stroops%StroopsPerUnit)
}

// Register exposes the ledger as stellar_* host functions.
func (l *Ledger) Register(r *Registry) {
	r.Register("stellar_keypair_random", func(ctx context.Context, args map[string]any) (any, error) {
		secret := NewSecret()
		pub, err := PublicKeyFor(secret)
		if err != nil {
			return nil, err
		}
		return map[string]any{"public": pub, "secret": secret}, nil
	})
	r.Register("stellar_keypair_from_secret", func(ctx context.Context, args map[string]any) (any, error) {
		secret, _ := args["secret"].(string)
		pub, err := PublicKeyFor(secret)
		if err != nil {
			return nil, err
		}
		return map[string]any{"public": pub, "secret": secret}, nil
	})
	r.Register("stellar_friendbot", func(ctx context.Context, args map[string]any) (any, error) {
		addr, _ := args["address"].(string)
		hash, ledger, err := l.Fund(addr)
		if err != nil {
			return nil, err
		}
		return map[string]any{"hash": hash, "ledger": ledger, "successful": true}, nil
	})
	r.Register("stellar_load_account", func(ctx context.Context, args map[string]any) (any, error) {
		addr, _ := args["address"].(string)
		acct, err := l.Load(addr)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"id":         acct.ID,
			"account_id": acct.ID,
			"sequence":   fmt.Sprint(acct.Sequence),
			"balances": []any{
				map[string]any{"asset_type": "native", "balance": FormatAmount(acct.Balance)},
			},
		}, nil
	})
	r.Register("stellar_hash", func(ctx context.Context, args map[string]any) (any, error) {
		tx, err := decodeTransaction(args)
		if err != nil {
			return nil, err
		}
		return tx.Hash(), nil
	})
	r.Register("stellar_submit", func(ctx context.Context, args map[string]any) (any, error) {
		tx, err := decodeTransaction(args)
		if err != nil {
			return nil, err
		}
		hash, ledger, err := l.Submit(tx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"hash": hash, "ledger": ledger, "successful": true}, nil
	})
}

func decodeTransaction(args map[string]any) (Transaction, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var tx Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return tx, nil
}
