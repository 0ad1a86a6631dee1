package clone

import (
	"testing"

	"clonechain/core/events"
	"clonechain/native/fixedpoint"
)

func TestAddLiquidityInheritsILD(t *testing.T) {
	h := newHarness(t)
	oracle := h.addOracle(t, 1, 0)
	pool := h.addPool(t, poolSpec{oracle: oracle, ilCoef: "1", positionCoef: "0.1"})
	h.putPool(t, pool, func(p *Pool) {
		p.CommittedCollateralLiquidity = units(t, "1000")
		p.CollateralILD = int64(units(t, "10"))
		p.OnAssetILD = -int64(units(t, "5"))
	})
	lp := addr(0x10)
	h.depositComet(t, lp, units(t, "100"))

	if err := h.engine.AddLiquidityToComet(lp, pool, units(t, "100")); err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	user := h.user(t, lp)
	if len(user.Comet.Positions) != 1 {
		t.Fatalf("expected one position, got %d", len(user.Comet.Positions))
	}
	pos := user.Comet.Positions[0]
	if pos.CommittedCollateralLiquidity != units(t, "100") ||
		pos.CollateralILDRebate != int64(units(t, "1")) ||
		pos.OnAssetILDRebate != -int64(units(t, "0.5")) {
		t.Fatalf("unexpected position %+v", pos)
	}
	state := h.pool(t, pool)
	if state.CommittedCollateralLiquidity != units(t, "1100") ||
		state.CollateralILD != int64(units(t, "11")) ||
		state.OnAssetILD != -int64(units(t, "5.5")) {
		t.Fatalf("unexpected pool %+v", state)
	}
	share, err := h.engine.PositionILDShare(lp, 0)
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if !share.Collateral.IsZero() || !share.OnAsset.IsZero() {
		t.Fatalf("entering provider owes %s / %s", share.Collateral, share.OnAsset)
	}
	deltas := h.recorder.OfType(events.TypeCloneLiquidityDelta)
	if len(deltas) != 1 {
		t.Fatalf("expected one liquidity delta, got %d", len(deltas))
	}
	delta := deltas[0].(*events.CloneLiquidityDelta)
	if delta.CommittedDelta != int64(units(t, "100")) || delta.CollateralILDDelta != int64(units(t, "1")) {
		t.Fatalf("unexpected delta %+v", delta)
	}
}

func TestHealthGatesLiquidityAdd(t *testing.T) {
	h := newHarness(t)
	oracle := h.addOracle(t, 1, 0)
	first := h.addPool(t, poolSpec{oracle: oracle, ilCoef: "50", positionCoef: "5"})
	second := h.addPool(t, poolSpec{oracle: oracle, ilCoef: "50", positionCoef: "5"})
	lp := addr(0x10)
	h.depositComet(t, lp, units(t, "10"))
	h.putPool(t, first, func(p *Pool) {
		p.CommittedCollateralLiquidity = units(t, "2")
		p.CollateralILD = int64(units(t, "1"))
	})
	h.putUser(t, lp, func(u *User) {
		u.Comet.Positions = []CometPosition{{PoolIndex: first, CommittedCollateralLiquidity: units(t, "2")}}
	})

	health, err := h.engine.CometHealth(lp)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !health.Healthy || !health.Score.Equal(fixedpoint.New(94, 0)) {
		t.Fatalf("expected healthy score 94, got %s", health.Score)
	}

	recorded := len(h.recorder.Events)
	err = h.engine.AddLiquidityToComet(lp, second, units(t, "200"))
	expectErr(t, err, ErrHealthScoreTooLow)
	if got := h.pool(t, second).CommittedCollateralLiquidity; got != 0 {
		t.Fatalf("second pool committed %d", got)
	}
	if got := len(h.user(t, lp).Comet.Positions); got != 1 {
		t.Fatalf("expected one position, got %d", got)
	}
	if len(h.recorder.Events) != recorded {
		t.Fatalf("failed add emitted events")
	}
}

func TestEmptyCometIsHealthy(t *testing.T) {
	h := newHarness(t)
	health, err := h.engine.CometHealth(addr(0x10))
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !health.Healthy || !health.Score.Equal(fixedpoint.New(100, 0)) {
		t.Fatalf("unexpected empty comet health %+v", health)
	}
}

func TestWithdrawLiquidityPreservesShare(t *testing.T) {
	h := newHarness(t)
	oracle := h.addOracle(t, 1, 0)
	pool := h.addPool(t, poolSpec{oracle: oracle})
	lp := addr(0x10)
	other := addr(0x11)
	h.depositComet(t, lp, units(t, "1000"))
	h.depositComet(t, other, units(t, "1000"))
	if err := h.engine.AddLiquidityToComet(lp, pool, units(t, "300")); err != nil {
		t.Fatalf("add lp: %v", err)
	}
	if err := h.engine.AddLiquidityToComet(other, pool, units(t, "100")); err != nil {
		t.Fatalf("add other: %v", err)
	}
	h.putPool(t, pool, func(p *Pool) {
		p.CollateralILD = int64(units(t, "8"))
		p.OnAssetILD = -int64(units(t, "4"))
	})
	before, err := h.engine.PositionILDShare(lp, 0)
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if !before.Collateral.Equal(dec(t, "6")) || !before.OnAsset.Equal(dec(t, "-3")) {
		t.Fatalf("unexpected share %s / %s", before.Collateral, before.OnAsset)
	}

	withdrawn, err := h.engine.WithdrawLiquidityFromComet(lp, 0, units(t, "150"))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if withdrawn != units(t, "150") {
		t.Fatalf("withdrew %d", withdrawn)
	}
	after, err := h.engine.PositionILDShare(lp, 0)
	if err != nil {
		t.Fatalf("share after: %v", err)
	}
	if !after.Collateral.Equal(before.Collateral) || !after.OnAsset.Equal(before.OnAsset) {
		t.Fatalf("share moved from %s/%s to %s/%s", before.Collateral, before.OnAsset, after.Collateral, after.OnAsset)
	}
	state := h.pool(t, pool)
	if state.CommittedCollateralLiquidity != units(t, "250") {
		t.Fatalf("pool committed %d", state.CommittedCollateralLiquidity)
	}
	if state.CollateralILD != int64(units(t, "5")) || state.OnAssetILD != -int64(units(t, "2.5")) {
		t.Fatalf("unexpected pool ild %d / %d", state.CollateralILD, state.OnAssetILD)
	}

	// Over-withdrawal is clamped to the position.
	withdrawn, err = h.engine.WithdrawLiquidityFromComet(lp, 0, units(t, "1000"))
	if err != nil {
		t.Fatalf("withdraw rest: %v", err)
	}
	if withdrawn != units(t, "150") {
		t.Fatalf("clamped withdraw returned %d", withdrawn)
	}
	user := h.user(t, lp)
	if len(user.Comet.Positions) != 1 || user.Comet.Positions[0].CommittedCollateralLiquidity != 0 {
		t.Fatalf("position with open ILD must remain: %+v", user.Comet.Positions)
	}
	_, err = h.engine.WithdrawLiquidityFromComet(lp, 0, 1)
	expectErr(t, err, ErrNoLiquidityToWithdraw)
	_, err = h.engine.WithdrawLiquidityFromComet(lp, 3, 1)
	expectErr(t, err, ErrInvalidInputPositionIndex)
}

func TestWithdrawLiquidityRemovesSettledPosition(t *testing.T) {
	h := newHarness(t)
	oracle := h.addOracle(t, 1, 0)
	pool := h.addPool(t, poolSpec{oracle: oracle})
	lp := addr(0x10)
	h.depositComet(t, lp, units(t, "100"))
	if err := h.engine.AddLiquidityToComet(lp, pool, units(t, "40")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := h.engine.WithdrawLiquidityFromComet(lp, 0, units(t, "40")); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := len(h.user(t, lp).Comet.Positions); got != 0 {
		t.Fatalf("expected position removed, have %d", got)
	}
	if got := h.pool(t, pool).CommittedCollateralLiquidity; got != 0 {
		t.Fatalf("pool committed %d", got)
	}
}

func TestCometCollateralDepositAndWithdraw(t *testing.T) {
	h := newHarness(t)
	h.addStable(t)
	oracle := h.addOracle(t, 1, 0)
	pool := h.addPool(t, poolSpec{oracle: oracle, positionCoef: "100"})
	owner := addr(0x10)
	h.depositComet(t, owner, units(t, "10"))
	h.fund(t, stableMint, owner, 5_000_000)
	if err := h.engine.AddCollateralToComet(owner, StableCollateral, 5_000_000); err != nil {
		t.Fatalf("deposit stable: %v", err)
	}
	expectErr(t, h.engine.AddCollateralToComet(owner, 2, 1), ErrRequireOnlyStableCollateral)
	expectErr(t, h.engine.AddCollateralToComet(owner, OnUSDCollateral, 0), ErrInvalidTokenAmount)

	user := h.user(t, owner)
	if user.Comet.CollateralAmount != units(t, "10") || user.Comet.StableCollateral != 5_000_000 {
		t.Fatalf("unexpected comet %+v", user.Comet)
	}
	if got := h.balance(t, stableMint, stableVault); got != 5_000_000 {
		t.Fatalf("stable vault holds %d", got)
	}
	health, err := h.engine.CometHealth(owner)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !health.Collateral.Equal(dec(t, "15")) {
		t.Fatalf("collateral valued at %s", health.Collateral)
	}

	// 10 committed at coefficient 100 needs at least 10 of collateral.
	if err := h.engine.AddLiquidityToComet(owner, pool, units(t, "10")); err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	_, err = h.engine.WithdrawCollateralFromComet(owner, OnUSDCollateral, units(t, "6"))
	expectErr(t, err, ErrHealthScoreTooLow)
	withdrawn, err := h.engine.WithdrawCollateralFromComet(owner, OnUSDCollateral, units(t, "5"))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if withdrawn != units(t, "5") || h.balance(t, h.onusd, owner) != units(t, "5") {
		t.Fatalf("withdrew %d, wallet %d", withdrawn, h.balance(t, h.onusd, owner))
	}
	collateralEvents := h.recorder.OfType(events.TypeCloneCometCollateralUpdate)
	last := collateralEvents[len(collateralEvents)-1].(*events.CloneCometCollateralUpdate)
	if last.Delta != -int64(units(t, "5")) || last.Collateral != units(t, "5") {
		t.Fatalf("unexpected collateral event %+v", last)
	}
}

func TestPayImpermanentLossDebt(t *testing.T) {
	h := newHarness(t)
	oracle := h.addOracle(t, 2, 0)
	pool := h.addPool(t, poolSpec{oracle: oracle})
	lp := addr(0x10)
	h.depositComet(t, lp, units(t, "100"))
	h.putPool(t, pool, func(p *Pool) {
		p.CommittedCollateralLiquidity = units(t, "10")
		p.CollateralILD = int64(units(t, "3"))
		p.OnAssetILD = int64(units(t, "2"))
	})
	h.putUser(t, lp, func(u *User) {
		u.Comet.Positions = []CometPosition{{PoolIndex: pool, CommittedCollateralLiquidity: units(t, "10")}}
	})

	_, err := h.engine.PayImpermanentLossDebt(lp, 0, PaymentType(9), 1)
	expectErr(t, err, ErrInvalidPaymentType)

	h.fund(t, onassetMint(pool), lp, units(t, "5"))
	paid, err := h.engine.PayImpermanentLossDebt(lp, 0, PaymentOnAsset, units(t, "5"))
	if err != nil {
		t.Fatalf("pay onasset: %v", err)
	}
	if paid != units(t, "2") || h.balance(t, onassetMint(pool), lp) != units(t, "3") {
		t.Fatalf("paid %d onasset, wallet %d", paid, h.balance(t, onassetMint(pool), lp))
	}

	h.fund(t, h.onusd, lp, units(t, "1"))
	paid, err = h.engine.PayImpermanentLossDebt(lp, 0, PaymentCollateralFromWallet, units(t, "1"))
	if err != nil {
		t.Fatalf("pay from wallet: %v", err)
	}
	if paid != units(t, "1") || h.balance(t, h.onusd, lp) != 0 {
		t.Fatalf("paid %d from wallet", paid)
	}

	paid, err = h.engine.PayImpermanentLossDebt(lp, 0, PaymentCollateralFromComet, units(t, "10"))
	if err != nil {
		t.Fatalf("pay from comet: %v", err)
	}
	if paid != units(t, "2") {
		t.Fatalf("paid %d from comet", paid)
	}
	user := h.user(t, lp)
	if user.Comet.CollateralAmount != units(t, "98") {
		t.Fatalf("comet collateral %d", user.Comet.CollateralAmount)
	}
	if got := h.balance(t, h.onusd, h.onusdVault); got != units(t, "98") {
		t.Fatalf("vault holds %d", got)
	}
	share, err := h.engine.PositionILDShare(lp, 0)
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if !share.Collateral.IsZero() || !share.OnAsset.IsZero() {
		t.Fatalf("share not settled: %s / %s", share.Collateral, share.OnAsset)
	}

	// Nothing left to pay: the call is a no-op.
	paid, err = h.engine.PayImpermanentLossDebt(lp, 0, PaymentCollateralFromWallet, units(t, "1"))
	if err != nil || paid != 0 {
		t.Fatalf("expected no-op, paid %d err %v", paid, err)
	}
}

func TestPayDebtFromCometKeepsCometHealthy(t *testing.T) {
	h := newHarness(t)
	oracle := h.addOracle(t, 1, 0)
	pool := h.addPool(t, poolSpec{oracle: oracle, ilCoef: "1", positionCoef: "5"})
	lp := addr(0x10)
	h.depositComet(t, lp, units(t, "10"))
	h.putPool(t, pool, func(p *Pool) {
		p.CommittedCollateralLiquidity = units(t, "190")
		p.CollateralILD = int64(units(t, "1"))
	})
	h.putUser(t, lp, func(u *User) {
		u.Comet.Positions = []CometPosition{{PoolIndex: pool, CommittedCollateralLiquidity: units(t, "190")}}
	})

	health, err := h.engine.CometHealth(lp)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !health.Healthy || !health.Score.Equal(dec(t, "4.9")) {
		t.Fatalf("expected healthy score 4.9, got %s", health.Score)
	}

	recorded := len(h.recorder.Events)
	_, err = h.engine.PayImpermanentLossDebt(lp, 0, PaymentCollateralFromComet, units(t, "1"))
	expectErr(t, err, ErrHealthScoreTooLow)
	user := h.user(t, lp)
	if user.Comet.CollateralAmount != units(t, "10") || user.Comet.Positions[0].CollateralILDRebate != 0 {
		t.Fatalf("failed payment mutated comet %+v", user.Comet)
	}
	if got := h.balance(t, h.onusd, h.onusdVault); got != units(t, "10") {
		t.Fatalf("vault holds %d", got)
	}
	if len(h.recorder.Events) != recorded {
		t.Fatalf("failed payment emitted events")
	}

	h.fund(t, h.onusd, lp, units(t, "1"))
	paid, err := h.engine.PayImpermanentLossDebt(lp, 0, PaymentCollateralFromWallet, units(t, "1"))
	if err != nil || paid != units(t, "1") {
		t.Fatalf("pay from wallet: paid %d err %v", paid, err)
	}
}

func TestCollectLpRewards(t *testing.T) {
	h := newHarness(t)
	oracle := h.addOracle(t, 1, 0)
	pool := h.addPool(t, poolSpec{oracle: oracle})
	lp := addr(0x10)
	h.putPool(t, pool, func(p *Pool) {
		p.CommittedCollateralLiquidity = units(t, "20")
		p.CollateralILD = -int64(units(t, "4"))
		p.OnAssetILD = -int64(units(t, "1"))
	})
	h.putUser(t, lp, func(u *User) {
		u.Comet.Positions = []CometPosition{{PoolIndex: pool, CommittedCollateralLiquidity: units(t, "10")}}
	})

	rewards, err := h.engine.CollectLpRewards(lp, 0)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if rewards.Collateral != units(t, "2") || rewards.OnAsset != units(t, "0.5") {
		t.Fatalf("unexpected rewards %+v", rewards)
	}
	if h.balance(t, h.onusd, lp) != units(t, "2") || h.balance(t, onassetMint(pool), lp) != units(t, "0.5") {
		t.Fatalf("rewards not minted")
	}
	pos := h.user(t, lp).Comet.Positions[0]
	if pos.CollateralILDRebate != -int64(units(t, "2")) || pos.OnAssetILDRebate != -int64(units(t, "0.5")) {
		t.Fatalf("unexpected rebates %+v", pos)
	}
	again, err := h.engine.CollectLpRewards(lp, 0)
	if err != nil {
		t.Fatalf("collect again: %v", err)
	}
	if again != (LpRewards{}) {
		t.Fatalf("rewards paid twice: %+v", again)
	}
}

func TestCometPositionsCapacity(t *testing.T) {
	h := newHarness(t)
	oracle := h.addOracle(t, 1, 0)
	lp := addr(0x10)
	h.depositComet(t, lp, units(t, "1000"))
	for i := 0; i <= MaxCometPositions; i++ {
		pool := h.addPool(t, poolSpec{oracle: oracle})
		err := h.engine.AddLiquidityToComet(lp, pool, units(t, "1"))
		if i < MaxCometPositions && err != nil {
			t.Fatalf("add position %d: %v", i, err)
		}
		if i == MaxCometPositions {
			expectErr(t, err, ErrPositionsFull)
		}
	}
}
