package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFundKinds(t *testing.T) {
	assert.Equal(t, []FundKind{FundCash, FundBonus, FundPoints}, FundKinds)
	for _, kind := range FundKinds {
		assert.True(t, kind.Valid())
	}
	assert.False(t, FundKind("crypto").Valid())
}

func TestWalletSet(t *testing.T) {
	var set WalletSet
	for i, kind := range FundKinds {
		set.Set(&Wallet{ID: int64(i + 1), Kind: kind})
	}
	assert.Equal(t, int64(1), set.Cash.ID)
	assert.Equal(t, int64(2), set.Bonus.ID)
	assert.Equal(t, int64(3), set.Points.ID)

	set.Set(&Wallet{ID: 9, Kind: FundKind("crypto")})
	assert.Equal(t, int64(1), set.Cash.ID)
}

func TestBetStatusSettled(t *testing.T) {
	assert.False(t, BetPlaced.Settled())
	for _, s := range []BetStatus{BetWon, BetLost, BetCancelled} {
		assert.True(t, s.Settled())
	}
}
