package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FundKind is the closed set of wallet categories a (user, tenant) pair holds.
type FundKind string

const (
	FundCash   FundKind = "cash"
	FundBonus  FundKind = "bonus"
	FundPoints FundKind = "points"
)

// FundKinds lists every fund kind in global lock order.
var FundKinds = []FundKind{FundCash, FundBonus, FundPoints}

func (k FundKind) Valid() bool {
	switch k {
	case FundCash, FundBonus, FundPoints:
		return true
	}
	return false
}

type Wallet struct {
	ID        int64           `json:"id" db:"id"`
	UserID    int64           `json:"user_id" db:"user_id"`
	TenantID  int64           `json:"tenant_id" db:"tenant_id"`
	Kind      FundKind        `json:"kind" db:"kind"`
	Balance   decimal.Decimal `json:"balance" db:"balance"` // NUMERIC(18,2)
	Version   int             `json:"-" db:"version"`       // for optimistic locking
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// WalletSet holds the three locked wallets of one (user, tenant) pair.
// Bonus and Points may be nil when the rows were never created.
type WalletSet struct {
	Cash   *Wallet
	Bonus  *Wallet
	Points *Wallet
}

// Set stores w under its kind.
func (s *WalletSet) Set(w *Wallet) {
	switch w.Kind {
	case FundCash:
		s.Cash = w
	case FundBonus:
		s.Bonus = w
	case FundPoints:
		s.Points = w
	}
}
