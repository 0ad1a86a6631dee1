package clone

import (
	"math"

	"clonechain/native/fixedpoint"
)

// ILDShare is the signed impermanent-loss debt attributed to a comet
// position. Positive sides are owed by the position; negative sides are owed
// to it.
type ILDShare struct {
	OnAsset    fixedpoint.Decimal
	Collateral fixedpoint.Decimal
}

func tokenAmount(v uint64) fixedpoint.Decimal { return fixedpoint.FromUint64(v, TokenScale) }

func ildAmount(v int64) fixedpoint.Decimal { return fixedpoint.New(v, TokenScale) }

func toTokenUnits(d fixedpoint.Decimal) (uint64, error) { return fixedpoint.ToUint64(d, TokenScale) }

func toILDUnits(d fixedpoint.Decimal) (int64, error) { return fixedpoint.ToInt64(d, TokenScale) }

// proportionalClaim returns ild * committed / total truncated toward zero.
func proportionalClaim(ild int64, committed, total uint64) (fixedpoint.Decimal, error) {
	if total == 0 || committed == 0 || ild == 0 {
		return fixedpoint.Zero, nil
	}
	return fixedpoint.MulDiv(ildAmount(ild), tokenAmount(committed), tokenAmount(total), TokenScale)
}

func positionILDShare(pool *Pool, pos *CometPosition) (ILDShare, error) {
	collateralClaim, err := proportionalClaim(pool.CollateralILD, pos.CommittedCollateralLiquidity, pool.CommittedCollateralLiquidity)
	if err != nil {
		return ILDShare{}, err
	}
	onassetClaim, err := proportionalClaim(pool.OnAssetILD, pos.CommittedCollateralLiquidity, pool.CommittedCollateralLiquidity)
	if err != nil {
		return ILDShare{}, err
	}
	return ILDShare{
		OnAsset:    onassetClaim.Sub(ildAmount(pos.OnAssetILDRebate)),
		Collateral: collateralClaim.Sub(ildAmount(pos.CollateralILDRebate)),
	}, nil
}

func addInt64(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrCheckedMath
	}
	return a + b, nil
}

func subInt64(a, b int64) (int64, error) {
	if b == math.MinInt64 {
		return 0, ErrCheckedMath
	}
	return addInt64(a, -b)
}

func addUint64(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, ErrCheckedMath
	}
	return a + b, nil
}

func subUint64(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrCheckedMath
	}
	return a - b, nil
}

func signedUnits(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, ErrIntTypeConversion
	}
	return int64(v), nil
}

func cometPosition(user *User, index int) (*CometPosition, error) {
	if index < 0 || index >= len(user.Comet.Positions) {
		return nil, ErrInvalidInputPositionIndex
	}
	return &user.Comet.Positions[index], nil
}

func removeCometPosition(user *User, index int) {
	user.Comet.Positions = append(user.Comet.Positions[:index], user.Comet.Positions[index+1:]...)
}

func findCometPosition(user *User, pool PoolIdx) int {
	for i := range user.Comet.Positions {
		if user.Comet.Positions[i].PoolIndex == pool {
			return i
		}
	}
	return -1
}
