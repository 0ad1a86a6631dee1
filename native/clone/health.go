package clone

import (
	"fmt"

	"clonechain/native/fixedpoint"
)

var hundred = fixedpoint.New(100, 0)

// HealthScore is 100 - exposure/collateral. Score is only meaningful when
// Collateral is positive; a comet with exposure and no collateral is
// unhealthy and a comet without exposure is always healthy.
type HealthScore struct {
	Score      fixedpoint.Decimal
	Exposure   fixedpoint.Decimal
	Collateral fixedpoint.Decimal
	Healthy    bool
}

// cometCollateralValue values onUSD collateral at par and the non-quote
// stable collateral at par after rescaling to TokenScale.
func (t *txn) cometCollateralValue(comet *Comet) (fixedpoint.Decimal, error) {
	value := tokenAmount(comet.CollateralAmount)
	if comet.StableCollateral == 0 {
		return value, nil
	}
	stable, err := t.collateral(StableCollateral)
	if err != nil {
		return fixedpoint.Zero, err
	}
	converted := fixedpoint.RescaleTowardZero(fixedpoint.FromUint64(comet.StableCollateral, int32(stable.Scale)), TokenScale)
	return value.Add(converted), nil
}

// positionOwed values the positive ILD sides of a position in onUSD.
func (t *txn) positionOwed(pool *Pool, share ILDShare) (fixedpoint.Decimal, error) {
	owed := fixedpoint.PositivePart(share.Collateral)
	if share.OnAsset.Sign() > 0 {
		price, err := t.freshPrice(pool.AssetInfo.OracleIndex)
		if err != nil {
			return fixedpoint.Zero, err
		}
		owed = owed.Add(fixedpoint.MulAt(share.OnAsset, price, TokenScale))
	}
	return owed, nil
}

func (t *txn) cometHealth(comet *Comet) (HealthScore, error) {
	exposure := fixedpoint.Zero
	for i := range comet.Positions {
		pos := &comet.Positions[i]
		pool, err := t.positionPool(pos.PoolIndex)
		if err != nil {
			return HealthScore{}, err
		}
		share, err := positionILDShare(pool, pos)
		if err != nil {
			return HealthScore{}, err
		}
		owed, err := t.positionOwed(pool, share)
		if err != nil {
			return HealthScore{}, err
		}
		ilTerm := fixedpoint.MulAt(owed, pool.AssetInfo.ILHealthScoreCoefficient, TokenScale)
		positionTerm := fixedpoint.MulAt(tokenAmount(pos.CommittedCollateralLiquidity), pool.AssetInfo.PositionHealthScoreCoefficient, TokenScale)
		exposure = exposure.Add(ilTerm).Add(positionTerm)
	}
	collateral, err := t.cometCollateralValue(comet)
	if err != nil {
		return HealthScore{}, err
	}
	score := HealthScore{Exposure: exposure, Collateral: collateral}
	if exposure.IsZero() {
		score.Score = hundred
		score.Healthy = true
		return score, nil
	}
	if collateral.IsZero() {
		return score, nil
	}
	ratio, err := fixedpoint.DivAt(exposure, collateral, TokenScale)
	if err != nil {
		return HealthScore{}, err
	}
	score.Score = hundred.Sub(ratio)
	score.Healthy = score.Score.Sign() >= 0
	return score, nil
}

func (t *txn) requireHealthy(comet *Comet) error {
	health, err := t.cometHealth(comet)
	if err != nil {
		return err
	}
	if !health.Healthy {
		return fmt.Errorf("%w: score %s", ErrHealthScoreTooLow, health.Score)
	}
	return nil
}
