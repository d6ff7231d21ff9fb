package chain

import (
	"sync"

	"github.com/MarcoBrian/OpenAudit/pkg/errcode"
	"github.com/MarcoBrian/OpenAudit/pkg/money"
)

// ReceiveHook runs when an address receives tokens. tx's sender is the recipient.
// Returning an error rejects the transfer.
type ReceiveHook func(tx *Tx, from Address, amount money.Amount) error

// Token is a fungible token. Balances are mutated only inside ledger calls.
type Token struct {
	symbol     string
	minter     Address
	supply     money.Amount
	balances   map[Address]money.Amount
	allowances map[Address]map[Address]money.Amount

	cfgMu   sync.RWMutex
	hooks   map[Address]ReceiveHook
	failing map[Address]bool
}

// NewToken creates a token that only minter may mint.
func NewToken(symbol string, minter Address) *Token {
	return &Token{
		symbol:     symbol,
		minter:     minter,
		balances:   make(map[Address]money.Amount),
		allowances: make(map[Address]map[Address]money.Amount),
		hooks:      make(map[Address]ReceiveHook),
		failing:    make(map[Address]bool),
	}
}

func (t *Token) Symbol() string { return t.symbol }

// Minter returns the address allowed to mint.
func (t *Token) Minter() Address { return t.minter }

// SetReceiveHook installs hook for addr. A nil hook removes it.
func (t *Token) SetReceiveHook(addr Address, hook ReceiveHook) {
	t.cfgMu.Lock()
	defer t.cfgMu.Unlock()
	if hook == nil {
		delete(t.hooks, addr)
		return
	}
	t.hooks[addr] = hook
}

// FailTransfersTo makes every transfer to addr fail with TransferFailed.
func (t *Token) FailTransfersTo(addr Address, fail bool) {
	t.cfgMu.Lock()
	defer t.cfgMu.Unlock()
	if fail {
		t.failing[addr] = true
		return
	}
	delete(t.failing, addr)
}

// BalanceOf returns addr's balance.
func (t *Token) BalanceOf(_ *Tx, addr Address) money.Amount {
	return t.balances[addr]
}

// TotalSupply returns the minted minus burned amount.
func (t *Token) TotalSupply(_ *Tx) money.Amount {
	return t.supply
}

// Allowance returns how much spender may move from owner.
func (t *Token) Allowance(_ *Tx, owner, spender Address) money.Amount {
	return t.allowances[owner][spender]
}

// Mint creates amount tokens for to. Only the minter may mint.
func (t *Token) Mint(tx *Tx, to Address, amount money.Amount) error {
	if err := tx.Writable(); err != nil {
		return err
	}
	if tx.Sender() != t.minter {
		return errcode.NotAuthorized.Withf("%s is not the %s minter", tx.Sender(), t.symbol)
	}
	if amount < 0 {
		return errcode.InvalidAmount.Withf("negative mint")
	}
	supply, err := t.supply.Add(amount)
	if err != nil {
		return errcode.InvalidAmount.Withf("%v", err)
	}
	t.setSupply(tx, supply)
	t.setBalance(tx, to, t.balances[to]+amount)
	return nil
}

// Burn destroys amount of the sender's tokens.
func (t *Token) Burn(tx *Tx, amount money.Amount) error {
	if err := tx.Writable(); err != nil {
		return err
	}
	from := tx.Sender()
	if t.balances[from] < amount || amount < 0 {
		return errcode.TransferFailed.Withf("burn %s exceeds balance of %s", amount, from)
	}
	t.setBalance(tx, from, t.balances[from]-amount)
	t.setSupply(tx, t.supply-amount)
	return nil
}

// Approve lets spender move up to amount of the sender's tokens.
func (t *Token) Approve(tx *Tx, spender Address, amount money.Amount) error {
	if err := tx.Writable(); err != nil {
		return err
	}
	if amount < 0 {
		return errcode.InvalidAmount.Withf("negative allowance")
	}
	t.setAllowance(tx, tx.Sender(), spender, amount)
	return nil
}

// Transfer moves amount from the sender to to.
func (t *Token) Transfer(tx *Tx, to Address, amount money.Amount) error {
	return t.move(tx, tx.Sender(), to, amount)
}

// TransferFrom moves amount from from to to, spending the sender's allowance.
func (t *Token) TransferFrom(tx *Tx, from, to Address, amount money.Amount) error {
	if err := tx.Writable(); err != nil {
		return err
	}
	spender := tx.Sender()
	allowed := t.allowances[from][spender]
	if allowed < amount {
		return errcode.TransferFailed.Withf("allowance %s of %s for %s below %s", allowed, from, spender, amount)
	}
	t.setAllowance(tx, from, spender, allowed-amount)
	return t.move(tx, from, to, amount)
}

func (t *Token) move(tx *Tx, from, to Address, amount money.Amount) error {
	if err := tx.Writable(); err != nil {
		return err
	}
	if amount < 0 {
		return errcode.InvalidAmount.Withf("negative transfer")
	}
	if to.IsZero() {
		return errcode.TransferFailed.Withf("transfer to zero address")
	}

	t.cfgMu.RLock()
	failing := t.failing[to]
	hook := t.hooks[to]
	t.cfgMu.RUnlock()

	if failing {
		return errcode.TransferFailed.Withf("recipient %s rejects transfers", to)
	}
	if t.balances[from] < amount {
		return errcode.TransferFailed.Withf("balance of %s below %s", from, amount)
	}

	t.setBalance(tx, from, t.balances[from]-amount)
	t.setBalance(tx, to, t.balances[to]+amount)

	if hook != nil {
		if err := hook(tx.As(to), from, amount); err != nil {
			return errcode.TransferFailed.Withf("recipient %s hook: %v", to, err)
		}
	}
	return nil
}

func (t *Token) setBalance(tx *Tx, addr Address, v money.Amount) {
	prev, had := t.balances[addr]
	tx.OnRevert(func() {
		if had {
			t.balances[addr] = prev
		} else {
			delete(t.balances, addr)
		}
	})
	if v == 0 {
		delete(t.balances, addr)
		return
	}
	t.balances[addr] = v
}

func (t *Token) setSupply(tx *Tx, v money.Amount) {
	prev := t.supply
	tx.OnRevert(func() { t.supply = prev })
	t.supply = v
}

func (t *Token) setAllowance(tx *Tx, owner, spender Address, v money.Amount) {
	m, ok := t.allowances[owner]
	if !ok {
		m = make(map[Address]money.Amount)
		t.allowances[owner] = m
	}
	prev, had := m[spender]
	tx.OnRevert(func() {
		if had {
			m[spender] = prev
		} else {
			delete(m, spender)
		}
	})
	m[spender] = v
}
