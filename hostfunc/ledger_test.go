package hostfunc

import (
	"context"
	"errors"
	"testing"
)

func fundedPair(t *testing.T, l *Ledger) (string, string) {
	t.Helper()
	var ids []string
	for i := 0; i < 2; i++ {
		pub, err := PublicKeyFor(NewSecret())
		if err != nil {
			t.Fatalf("PublicKeyFor: %v", err)
		}
		if _, _, err := l.Fund(pub); err != nil {
			t.Fatalf("Fund: %v", err)
		}
		ids = append(ids, pub)
	}
	return ids[0], ids[1]
}

func TestPublicKeyForIsDeterministic(t *testing.T) {
	secret := NewSecret()
	a, err := PublicKeyFor(secret)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := PublicKeyFor(secret)
	if a != b || len(a) != 56 || a[0] != 'G' {
		t.Errorf("unexpected keys %q %q", a, b)
	}
	if _, err := PublicKeyFor("nope"); err == nil {
		t.Error("expected invalid secret error")
	}
}

func TestLedgerFundTwice(t *testing.T) {
	l := NewLedger(nil)
	a, _ := fundedPair(t, l)
	if _, _, err := l.Fund(a); !errors.Is(err, ErrAccountExists) {
		t.Errorf("expected ErrAccountExists, got %v", err)
	}
	acct, err := l.Load(a)
	if err != nil {
		t.Fatal(err)
	}
	if FormatAmount(acct.Balance) != "10000.0000000" {
		t.Errorf("unexpected balance %s", FormatAmount(acct.Balance))
	}
}

func TestLedgerPayment(t *testing.T) {
	l := NewLedger(nil)
	a, b := fundedPair(t, l)
	src, _ := l.Load(a)

	tx := Transaction{
		Source:     a,
		Sequence:   src.Sequence + 1,
		Operations: []Payment{{Destination: b, Amount: "12.5"}},
		Signers:    []string{a},
	}
	hash, _, err := l.Submit(tx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if hash != tx.Hash() {
		t.Errorf("hash mismatch")
	}

	from, _ := l.Load(a)
	to, _ := l.Load(b)
	if got := FormatAmount(from.Balance); got != "9987.4999900" {
		t.Errorf("source balance %s", got)
	}
	if got := FormatAmount(to.Balance); got != "10012.5000000" {
		t.Errorf("destination balance %s", got)
	}

	if _, _, err := l.Submit(tx); !errors.Is(err, ErrBadSequence) {
		t.Errorf("replay: expected ErrBadSequence, got %v", err)
	}
}

func TestLedgerRejects(t *testing.T) {
	l := NewLedger(nil)
	a, b := fundedPair(t, l)
	src, _ := l.Load(a)
	stranger, _ := PublicKeyFor(NewSecret())

	tests := []struct {
		name string
		tx   Transaction
		want error
	}{
		{"unsigned", Transaction{Source: a, Sequence: src.Sequence + 1, Operations: []Payment{{b, "1"}}}, ErrBadAuth},
		{"underfunded", Transaction{Source: a, Sequence: src.Sequence + 1, Operations: []Payment{{b, "20000"}}, Signers: []string{a}}, ErrUnderfunded},
		{"no destination", Transaction{Source: a, Sequence: src.Sequence + 1, Operations: []Payment{{stranger, "1"}}, Signers: []string{a}}, ErrNoDestination},
		{"bad amount", Transaction{Source: a, Sequence: src.Sequence + 1, Operations: []Payment{{b, "abc"}}, Signers: []string{a}}, ErrMalformed},
		{"unknown source", Transaction{Source: stranger, Sequence: 1, Operations: []Payment{{b, "1"}}, Signers: []string{stranger}}, ErrAccountNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := l.Submit(tt.tx); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestLedgerRegistry(t *testing.T) {
	r := NewRegistry()
	NewLedger(nil).Register(r)
	ctx := context.Background()

	kp, err := r.Call(ctx, "stellar_keypair_random", nil)
	if err != nil {
		t.Fatal(err)
	}
	pub := kp.(map[string]any)["public"].(string)

	if _, err := r.Call(ctx, "stellar_friendbot", map[string]any{"address": pub}); err != nil {
		t.Fatalf("friendbot: %v", err)
	}
	acct, err := r.Call(ctx, "stellar_load_account", map[string]any{"address": pub})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	balances := acct.(map[string]any)["balances"].([]any)
	if balances[0].(map[string]any)["balance"] != "10000.0000000" {
		t.Errorf("unexpected balances %v", balances)
	}
}

func TestAmounts(t *testing.T) {
	tests := map[string]int64{"1": 10_000_000, "0.0000001": 1, "12.5": 125_000_000}
	for in, want := range tests {
		got, err := ParseAmount(in)
		if err != nil || got != want {
			t.Errorf("ParseAmount(%q) = %d, %v", in, got, err)
		}
	}
	if _, err := ParseAmount("0.00000001"); err == nil {
		t.Error("expected precision error")
	}
}
