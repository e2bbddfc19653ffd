package auction

import (
	"context"
	"fmt"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/amount"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/chain"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/logger"
)

// Ledger is the consensus-ordered store auction state lives in.
// *chain.Chain implements it.
type Ledger interface {
	CurrentHeight() uint64
	Get(key []byte) (chain.Record, bool, error)
	Scan(prefix []byte, fn func(key []byte, rec chain.Record) error) error
	Submit(ctx context.Context, tx *chain.Tx) (*chain.Receipt, error)
}

// txn builds one conditional transaction. Every record it loads is
// guarded at the version it was read at, so the ledger rejects the
// transaction if anything it based its decision on has changed.
type txn struct {
	ledger Ledger
	kind   string
	sender string

	guards   []chain.Read      // guards are the read set in load order
	versions map[string]uint64 // versions indexes guards by key
	writes   []chain.Write
	written  map[string]int // written maps a key to its index in writes

	accounts map[string]*chain.Account // accounts caches balances touched by this txn

	minHeight uint64
	before    uint64
}

// newTxn starts a transaction of the given kind on behalf of sender.
func newTxn(ledger Ledger, kind, sender string) *txn {
	return &txn{
		ledger:   ledger,
		kind:     kind,
		sender:   sender,
		versions: make(map[string]uint64),
		written:  make(map[string]int),
		accounts: make(map[string]*chain.Account),
	}
}

// load reads key into v and guards it. It returns false if the key does
// not exist, in which case the guard requires it to still be absent.
func (t *txn) load(key []byte, v any) (bool, error) {
	rec, found, err := t.ledger.Get(key)
	if err != nil {
		return false, err
	}

	t.guard(key, rec.Version)

	if !found {
		return false, nil
	}

	if err := chain.Unmarshal(rec.Value, v); err != nil {
		return false, fmt.Errorf("decode %q:\n%w", key, err)
	}

	return true, nil
}

// peek reads key into v without guarding it. Only use it for values
// that can no longer change.
func (t *txn) peek(key []byte, v any) (bool, error) {
	rec, found, err := t.ledger.Get(key)
	if err != nil || !found {
		return false, err
	}

	if err := chain.Unmarshal(rec.Value, v); err != nil {
		return false, fmt.Errorf("decode %q:\n%w", key, err)
	}

	return true, nil
}

// guard adds key to the read set. The first observed version wins.
func (t *txn) guard(key []byte, version uint64) {
	if _, ok := t.versions[string(key)]; ok {
		return
	}

	t.versions[string(key)] = version
	t.guards = append(t.guards, chain.Read{Key: key, Version: version})
}

// store schedules v to be written at key. A key written twice keeps the
// last value.
func (t *txn) store(key []byte, v any) error {
	if _, ok := t.versions[string(key)]; !ok {
		rec, _, err := t.ledger.Get(key)
		if err != nil {
			return err
		}
		t.guard(key, rec.Version)
	}

	data, err := chain.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q:\n%w", key, err)
	}

	if i, ok := t.written[string(key)]; ok {
		t.writes[i].Value = data
		return nil
	}

	t.written[string(key)] = len(t.writes)
	t.writes = append(t.writes, chain.Write{Key: key, Value: data})

	return nil
}

// account returns the guarded account of id, loading it once.
func (t *txn) account(id string) (*chain.Account, error) {
	id = chain.NormalizeIdentity(id)
	if acct, ok := t.accounts[id]; ok {
		return acct, nil
	}

	acct := &chain.Account{}
	if _, err := t.load(chain.AccountKey(id), acct); err != nil {
		return nil, err
	}

	t.accounts[id] = acct

	return acct, nil
}

// balance returns the balance of id as this txn would leave it.
func (t *txn) balance(id string) (amount.Amount, error) {
	acct, err := t.account(id)
	if err != nil {
		return 0, err
	}

	return acct.Balance, nil
}

// debit takes amt from id.
func (t *txn) debit(id string, amt amount.Amount) error {
	acct, err := t.account(id)
	if err != nil {
		return err
	}

	next, err := acct.Balance.Sub(amt)
	if err != nil {
		return errorf(ErrInsufficientFunds, "%s holds %s, needs %s", id, acct.Balance, amt)
	}

	acct.Balance = next

	return t.store(chain.AccountKey(id), acct)
}

// credit gives amt to id.
func (t *txn) credit(id string, amt amount.Amount) error {
	acct, err := t.account(id)
	if err != nil {
		return err
	}

	next, err := acct.Balance.Add(amt)
	if err != nil {
		return fmt.Errorf("credit %s:\n%w", id, err)
	}

	acct.Balance = next

	return t.store(chain.AccountKey(id), acct)
}

// window limits inclusion to heights in [minHeight, before); 0 leaves a
// bound open.
func (t *txn) window(minHeight, before uint64) {
	t.minHeight = minHeight
	t.before = before
}

// commit submits the transaction and waits for inclusion.
func (t *txn) commit(ctx context.Context) (*chain.Receipt, error) {
	tx := &chain.Tx{
		Sender:    t.sender,
		Kind:      t.kind,
		Reads:     t.guards,
		Writes:    t.writes,
		MinHeight: t.minHeight,
		Before:    t.before,
	}

	receipt, err := t.ledger.Submit(ctx, tx)
	if err != nil {
		logger.Debug("auction tx not applied", "kind", t.kind, "sender", t.sender, "error", err)
		return nil, fmt.Errorf("submit %s:\n%w", t.kind, err)
	}

	return receipt, nil
}
