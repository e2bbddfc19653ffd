package chain

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/amount"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/logger"
)

var (
	prefixAccount = []byte("c:")         // c:<identity> -> Account
	keyGenesis    = []byte("m:genesis") // present once genesis is applied
)

// Account is a native balance on the ledger.
type Account struct {
	Balance amount.Amount `cbor:"1,keyasint"` // Balance is the spendable amount
}

// NormalizeIdentity lower-cases and trims an account identity.
func NormalizeIdentity(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// AccountKey returns the record key of an identity's account.
func AccountKey(id string) []byte {
	return append(append([]byte{}, prefixAccount...), NormalizeIdentity(id)...)
}

// DecodeAccount decodes an account record value. An absent record is a
// zero balance.
func DecodeAccount(rec Record, found bool) (Account, error) {
	var acct Account
	if !found {
		return acct, nil
	}

	if err := Unmarshal(rec.Value, &acct); err != nil {
		return acct, fmt.Errorf("decode account:\n%w", err)
	}

	return acct, nil
}

// Balance returns the balance of id.
func (c *Chain) Balance(id string) (amount.Amount, error) {
	rec, found, err := c.Get(AccountKey(id))
	if err != nil {
		return 0, err
	}

	acct, err := DecodeAccount(rec, found)
	if err != nil {
		return 0, err
	}

	return acct.Balance, nil
}

// Accounts returns every account balance keyed by identity.
func (c *Chain) Accounts() (map[string]amount.Amount, error) {
	out := make(map[string]amount.Amount)

	err := c.Scan(prefixAccount, func(key []byte, rec Record) error {
		acct, err := DecodeAccount(rec, true)
		if err != nil {
			return err
		}

		out[string(key[len(prefixAccount):])] = acct.Balance

		return nil
	})

	return out, err
}

// Mint credits amt to id. It is the dev faucet and is not used by
// auction settlement.
func (c *Chain) Mint(ctx context.Context, id string, amt amount.Amount) (*Receipt, error) {
	key := AccountKey(id)

	rec, found, err := c.Get(key)
	if err != nil {
		return nil, err
	}

	acct, err := DecodeAccount(rec, found)
	if err != nil {
		return nil, err
	}

	if acct.Balance, err = acct.Balance.Add(amt); err != nil {
		return nil, fmt.Errorf("mint to %s:\n%w", id, err)
	}

	value, err := Marshal(acct)
	if err != nil {
		return nil, err
	}

	tx := &Tx{
		Sender: NormalizeIdentity(id),
		Kind:   "mint",
		Reads:  []Read{{Key: key, Version: rec.Version}},
		Writes: []Write{{Key: key, Value: value}},
	}

	return c.Submit(ctx, tx)
}

// ApplyGenesis mints the initial allocation exactly once per ledger.
// It returns false if genesis was already applied.
func (c *Chain) ApplyGenesis(ctx context.Context, alloc map[string]amount.Amount) (bool, error) {
	tx := &Tx{
		Sender: "genesis",
		Kind:   "genesis",
		Reads:  []Read{{Key: keyGenesis, Version: 0}},
		Writes: []Write{{Key: keyGenesis, Value: []byte{1}}},
	}

	ids := make([]string, 0, len(alloc))
	for id := range alloc {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		key := AccountKey(id)

		rec, found, err := c.Get(key)
		if err != nil {
			return false, err
		}

		acct, err := DecodeAccount(rec, found)
		if err != nil {
			return false, err
		}

		if acct.Balance, err = acct.Balance.Add(alloc[id]); err != nil {
			return false, fmt.Errorf("genesis allocation for %s:\n%w", id, err)
		}

		value, err := Marshal(acct)
		if err != nil {
			return false, err
		}

		tx.Reads = append(tx.Reads, Read{Key: key, Version: rec.Version})
		tx.Writes = append(tx.Writes, Write{Key: key, Value: value})
	}

	receipt, err := c.Submit(ctx, tx)
	if errors.Is(err, ErrRejected) {
		if _, applied, gerr := c.Get(keyGenesis); gerr == nil && applied {
			return false, nil
		}
	}
	if err != nil {
		return false, fmt.Errorf("apply genesis:\n%w", err)
	}

	logger.Info("genesis applied", "accounts", len(ids), "height", receipt.Height)

	return true, nil
}
