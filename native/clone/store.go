package clone

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"clonechain/native/fixedpoint"
	"clonechain/storage"
)

// Stored records keep signed integers and decimals as strings because RLP
// only encodes unsigned integers.

type storedProtocol struct {
	Admin                              common.Address
	AuthSet                            []common.Address
	Treasury                           common.Address
	OnUSDMint                          common.Address
	CometCollateralILDLiquidatorFeeBps uint16
	CometOnAssetILDLiquidatorFeeBps    uint16
	BorrowLiquidatorFeeBps             uint16
	OracleStalenessSlots               uint64
	PoolCount                          uint16
	CollateralCount                    uint16
	OracleCount                        uint16
}

type storedOracle struct {
	Address        common.Address
	Source         uint8
	Status         uint8
	Price          string
	Expo           uint8
	RescaleFactor  uint8
	LastUpdateSlot uint64
}

type storedCollateral struct {
	OracleIndex            uint16
	Mint                   common.Address
	Vault                  common.Address
	CollateralizationRatio string
	Scale                  uint8
	Status                 uint8
}

type storedPool struct {
	OnAssetMint                       common.Address
	OracleIndex                       uint16
	ILHealthScoreCoefficient          string
	PositionHealthScoreCoefficient    string
	MinOvercollateralRatio            string
	MaxLiquidationOvercollateralRatio string
	CommittedCollateralLiquidity      uint64
	CollateralILD                     string
	OnAssetILD                        string
	TreasuryTradingFeeBps             uint16
	LiquidityTradingFeeBps            uint16
	Status                            uint8
	Removed                           bool
}

type storedCometPosition struct {
	PoolIndex                    uint16
	CommittedCollateralLiquidity uint64
	CollateralILDRebate          string
	OnAssetILDRebate             string
}

type storedBorrowPosition struct {
	PoolIndex        uint16
	CollateralIndex  uint16
	CollateralAmount uint64
	BorrowedOnAsset  uint64
}

type storedUser struct {
	CollateralAmount uint64
	StableCollateral uint64
	Positions        []storedCometPosition
	Borrows          []storedBorrowPosition
	NetValue         uint64
	NetValueSlot     uint64
}

func newStoredProtocol(p *Protocol) *storedProtocol {
	return &storedProtocol{
		Admin:                              p.Admin,
		AuthSet:                            append([]common.Address(nil), p.AuthSet...),
		Treasury:                           p.Treasury,
		OnUSDMint:                          p.OnUSDMint,
		CometCollateralILDLiquidatorFeeBps: p.CometCollateralILDLiquidatorFeeBps,
		CometOnAssetILDLiquidatorFeeBps:    p.CometOnAssetILDLiquidatorFeeBps,
		BorrowLiquidatorFeeBps:             p.BorrowLiquidatorFeeBps,
		OracleStalenessSlots:               p.OracleStalenessSlots,
		PoolCount:                          p.PoolCount,
		CollateralCount:                    p.CollateralCount,
		OracleCount:                        p.OracleCount,
	}
}

func (s *storedProtocol) toProtocol() *Protocol {
	return &Protocol{
		Admin:                              s.Admin,
		AuthSet:                            append([]common.Address(nil), s.AuthSet...),
		Treasury:                           s.Treasury,
		OnUSDMint:                          s.OnUSDMint,
		CometCollateralILDLiquidatorFeeBps: s.CometCollateralILDLiquidatorFeeBps,
		CometOnAssetILDLiquidatorFeeBps:    s.CometOnAssetILDLiquidatorFeeBps,
		BorrowLiquidatorFeeBps:             s.BorrowLiquidatorFeeBps,
		OracleStalenessSlots:               s.OracleStalenessSlots,
		PoolCount:                          s.PoolCount,
		CollateralCount:                    s.CollateralCount,
		OracleCount:                        s.OracleCount,
	}
}

func newStoredOracle(o *Oracle) *storedOracle {
	return &storedOracle{
		Address:        o.Address,
		Source:         uint8(o.Source),
		Status:         uint8(o.Status),
		Price:          strconv.FormatInt(o.Price, 10),
		Expo:           o.Expo,
		RescaleFactor:  o.RescaleFactor,
		LastUpdateSlot: o.LastUpdateSlot,
	}
}

func (s *storedOracle) toOracle() (*Oracle, error) {
	price, err := parseInt(s.Price)
	if err != nil {
		return nil, err
	}
	return &Oracle{
		Address:        s.Address,
		Source:         OracleSource(s.Source),
		Status:         Status(s.Status),
		Price:          price,
		Expo:           s.Expo,
		RescaleFactor:  s.RescaleFactor,
		LastUpdateSlot: s.LastUpdateSlot,
	}, nil
}

func newStoredCollateral(c *Collateral) *storedCollateral {
	return &storedCollateral{
		OracleIndex:            uint16(c.OracleIndex),
		Mint:                   c.Mint,
		Vault:                  c.Vault,
		CollateralizationRatio: c.CollateralizationRatio.String(),
		Scale:                  c.Scale,
		Status:                 uint8(c.Status),
	}
}

func (s *storedCollateral) toCollateral() (*Collateral, error) {
	ratio, err := parseDecimal(s.CollateralizationRatio)
	if err != nil {
		return nil, err
	}
	return &Collateral{
		OracleIndex:            OracleIdx(s.OracleIndex),
		Mint:                   s.Mint,
		Vault:                  s.Vault,
		CollateralizationRatio: ratio,
		Scale:                  s.Scale,
		Status:                 Status(s.Status),
	}, nil
}

func newStoredPool(p *Pool) *storedPool {
	return &storedPool{
		OnAssetMint:                       p.AssetInfo.OnAssetMint,
		OracleIndex:                       uint16(p.AssetInfo.OracleIndex),
		ILHealthScoreCoefficient:          p.AssetInfo.ILHealthScoreCoefficient.String(),
		PositionHealthScoreCoefficient:    p.AssetInfo.PositionHealthScoreCoefficient.String(),
		MinOvercollateralRatio:            p.AssetInfo.MinOvercollateralRatio.String(),
		MaxLiquidationOvercollateralRatio: p.AssetInfo.MaxLiquidationOvercollateralRatio.String(),
		CommittedCollateralLiquidity:      p.CommittedCollateralLiquidity,
		CollateralILD:                     strconv.FormatInt(p.CollateralILD, 10),
		OnAssetILD:                        strconv.FormatInt(p.OnAssetILD, 10),
		TreasuryTradingFeeBps:             p.TreasuryTradingFeeBps,
		LiquidityTradingFeeBps:            p.LiquidityTradingFeeBps,
		Status:                            uint8(p.Status),
		Removed:                           p.Removed,
	}
}

func (s *storedPool) toPool() (*Pool, error) {
	pool := &Pool{
		AssetInfo: AssetInfo{
			OnAssetMint: s.OnAssetMint,
			OracleIndex: OracleIdx(s.OracleIndex),
		},
		CommittedCollateralLiquidity: s.CommittedCollateralLiquidity,
		TreasuryTradingFeeBps:        s.TreasuryTradingFeeBps,
		LiquidityTradingFeeBps:       s.LiquidityTradingFeeBps,
		Status:                       Status(s.Status),
		Removed:                      s.Removed,
	}
	var err error
	if pool.AssetInfo.ILHealthScoreCoefficient, err = parseDecimal(s.ILHealthScoreCoefficient); err != nil {
		return nil, err
	}
	if pool.AssetInfo.PositionHealthScoreCoefficient, err = parseDecimal(s.PositionHealthScoreCoefficient); err != nil {
		return nil, err
	}
	if pool.AssetInfo.MinOvercollateralRatio, err = parseDecimal(s.MinOvercollateralRatio); err != nil {
		return nil, err
	}
	if pool.AssetInfo.MaxLiquidationOvercollateralRatio, err = parseDecimal(s.MaxLiquidationOvercollateralRatio); err != nil {
		return nil, err
	}
	if pool.CollateralILD, err = parseInt(s.CollateralILD); err != nil {
		return nil, err
	}
	if pool.OnAssetILD, err = parseInt(s.OnAssetILD); err != nil {
		return nil, err
	}
	return pool, nil
}

func newStoredUser(u *User) *storedUser {
	stored := &storedUser{
		CollateralAmount: u.Comet.CollateralAmount,
		StableCollateral: u.Comet.StableCollateral,
		NetValue:         u.NetValue,
		NetValueSlot:     u.NetValueSlot,
	}
	for _, pos := range u.Comet.Positions {
		stored.Positions = append(stored.Positions, storedCometPosition{
			PoolIndex:                    uint16(pos.PoolIndex),
			CommittedCollateralLiquidity: pos.CommittedCollateralLiquidity,
			CollateralILDRebate:          strconv.FormatInt(pos.CollateralILDRebate, 10),
			OnAssetILDRebate:             strconv.FormatInt(pos.OnAssetILDRebate, 10),
		})
	}
	for _, b := range u.Borrows {
		stored.Borrows = append(stored.Borrows, storedBorrowPosition{
			PoolIndex:        uint16(b.PoolIndex),
			CollateralIndex:  uint16(b.CollateralIndex),
			CollateralAmount: b.CollateralAmount,
			BorrowedOnAsset:  b.BorrowedOnAsset,
		})
	}
	return stored
}

func (s *storedUser) toUser() (*User, error) {
	user := &User{
		Comet: Comet{
			CollateralAmount: s.CollateralAmount,
			StableCollateral: s.StableCollateral,
		},
		NetValue:     s.NetValue,
		NetValueSlot: s.NetValueSlot,
	}
	for _, pos := range s.Positions {
		collateralRebate, err := parseInt(pos.CollateralILDRebate)
		if err != nil {
			return nil, err
		}
		onassetRebate, err := parseInt(pos.OnAssetILDRebate)
		if err != nil {
			return nil, err
		}
		user.Comet.Positions = append(user.Comet.Positions, CometPosition{
			PoolIndex:                    PoolIdx(pos.PoolIndex),
			CommittedCollateralLiquidity: pos.CommittedCollateralLiquidity,
			CollateralILDRebate:          collateralRebate,
			OnAssetILDRebate:             onassetRebate,
		})
	}
	for _, b := range s.Borrows {
		user.Borrows = append(user.Borrows, BorrowPosition{
			PoolIndex:        PoolIdx(b.PoolIndex),
			CollateralIndex:  CollateralIdx(b.CollateralIndex),
			CollateralAmount: b.CollateralAmount,
			BorrowedOnAsset:  b.BorrowedOnAsset,
		})
	}
	return user, nil
}

func parseInt(value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("clone: decode integer %q: %w", value, err)
	}
	return v, nil
}

func parseDecimal(value string) (fixedpoint.Decimal, error) {
	if value == "" {
		return fixedpoint.Zero, nil
	}
	d, err := fixedpoint.Parse(value)
	if err != nil {
		return fixedpoint.Zero, fmt.Errorf("clone: decode decimal %q: %w", value, err)
	}
	return d, nil
}

// Record loaders used by the engine and its transactions.

func loadProtocol(store Store) (*Protocol, error) {
	var stored storedProtocol
	ok, err := store.Get(protocolKey, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	return stored.toProtocol(), nil
}

func loadOracle(store Store, index OracleIdx) (*Oracle, bool, error) {
	var stored storedOracle
	ok, err := store.Get(oracleKey(index), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	oracle, err := stored.toOracle()
	return oracle, err == nil, err
}

func loadCollateral(store Store, index CollateralIdx) (*Collateral, bool, error) {
	var stored storedCollateral
	ok, err := store.Get(collateralKey(index), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	collateral, err := stored.toCollateral()
	return collateral, err == nil, err
}

func loadPool(store Store, index PoolIdx) (*Pool, bool, error) {
	var stored storedPool
	ok, err := store.Get(poolKey(index), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	pool, err := stored.toPool()
	return pool, err == nil, err
}

func loadUser(store Store, addr common.Address) (*User, error) {
	var stored storedUser
	ok, err := store.Get(userKey(addr), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &User{}, nil
	}
	return stored.toUser()
}

func loadEventCounter(store Store) (uint64, error) {
	var counter uint64
	if _, err := store.Get(eventCounterKey, &counter); err != nil {
		return 0, err
	}
	return counter, nil
}

func stageUser(batch *storage.Batch, addr common.Address, user *User) error {
	if user.Empty() {
		batch.Delete(userKey(addr))
		return nil
	}
	return batch.Put(userKey(addr), newStoredUser(user))
}
