package clone

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"clonechain/native/fixedpoint"
)

const (
	moduleName = "clone"

	// TokenScale is the scale of every onasset, onUSD and ILD amount.
	TokenScale = fixedpoint.TokenScale

	MaxPools           = 64
	MaxCollaterals     = 16
	MaxOracles         = 80
	MaxCometPositions  = 32
	MaxBorrowPositions = 24
	MaxAuth            = 10

	bpsDenominator = 10_000
)

// PoolIdx, CollateralIdx and OracleIdx address the append-only registries.
// Indices are never reused or reordered.
type (
	PoolIdx       uint16
	CollateralIdx uint16
	OracleIdx     uint16
)

// NoOracle marks a stable collateral priced at parity without a feed.
const NoOracle OracleIdx = 0xFFFF

const (
	// OnUSDCollateral is the protocol's quote stable collateral.
	OnUSDCollateral CollateralIdx = 0
	// StableCollateral is the non-quote stable collateral accepted by comets.
	StableCollateral CollateralIdx = 1
)

type OracleSource uint8

const (
	SourcePyth OracleSource = iota
	SourceSwitchboard
)

func (s OracleSource) String() string {
	switch s {
	case SourcePyth:
		return "pyth"
	case SourceSwitchboard:
		return "switchboard"
	default:
		return fmt.Sprintf("source(%d)", uint8(s))
	}
}

// ParseOracleSource accepts the lower-case names used in configuration.
func ParseOracleSource(value string) (OracleSource, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "pyth":
		return SourcePyth, nil
	case "switchboard":
		return SourceSwitchboard, nil
	default:
		return 0, fmt.Errorf("%w: unknown oracle source %q", ErrInvalidValueRange, value)
	}
}

type Status uint8

const (
	StatusActive Status = iota
	StatusFrozen
	StatusLiquidation
	StatusDeprecation
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusFrozen:
		return "frozen"
	case StatusLiquidation:
		return "liquidation"
	case StatusDeprecation:
		return "deprecation"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func ParseStatus(value string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "active":
		return StatusActive, nil
	case "frozen":
		return StatusFrozen, nil
	case "liquidation":
		return StatusLiquidation, nil
	case "deprecation":
		return StatusDeprecation, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidStatus, value)
	}
}

// Oracle is a price feed slot. Price carries Expo fractional digits.
type Oracle struct {
	Address        common.Address
	Source         OracleSource
	Status         Status
	Price          int64
	Expo           uint8
	RescaleFactor  uint8
	LastUpdateSlot uint64
}

// PriceDecimal returns the stored price as a decimal.
func (o *Oracle) PriceDecimal() fixedpoint.Decimal {
	return fixedpoint.New(o.Price, int32(o.Expo))
}

func (o *Oracle) Clone() *Oracle {
	if o == nil {
		return nil
	}
	clone := *o
	return &clone
}

// Collateral describes an accepted collateral kind. Amounts of this kind
// carry Scale fractional digits.
type Collateral struct {
	OracleIndex            OracleIdx
	Mint                   common.Address
	Vault                  common.Address
	CollateralizationRatio fixedpoint.Decimal
	Scale                  uint8
	Status                 Status
}

func (c *Collateral) Clone() *Collateral {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// IsStable reports whether the collateral is priced at parity with onUSD.
func (c *Collateral) IsStable(index CollateralIdx) bool {
	return index == OnUSDCollateral || index == StableCollateral || c.OracleIndex == NoOracle
}

type AssetInfo struct {
	OnAssetMint                       common.Address
	OracleIndex                       OracleIdx
	ILHealthScoreCoefficient          fixedpoint.Decimal
	PositionHealthScoreCoefficient    fixedpoint.Decimal
	MinOvercollateralRatio            fixedpoint.Decimal
	MaxLiquidationOvercollateralRatio fixedpoint.Decimal
}

// Pool aggregates the committed liquidity and ILD counters of every comet
// position referencing it. Counters carry TokenScale fractional digits.
type Pool struct {
	AssetInfo                    AssetInfo
	CommittedCollateralLiquidity uint64
	CollateralILD                int64
	OnAssetILD                   int64
	TreasuryTradingFeeBps        uint16
	LiquidityTradingFeeBps       uint16
	Status                       Status
	Removed                      bool
}

func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

type CometPosition struct {
	PoolIndex                    PoolIdx
	CommittedCollateralLiquidity uint64
	CollateralILDRebate          int64
	OnAssetILDRebate             int64
}

// Empty reports whether the position can be removed from the comet.
func (p *CometPosition) Empty() bool {
	return p.CommittedCollateralLiquidity == 0 && p.CollateralILDRebate == 0 && p.OnAssetILDRebate == 0
}

// Comet is a user's committed-liquidity portfolio. CollateralAmount is held
// in onUSD at TokenScale; StableCollateral holds the non-quote stable
// collateral in its own scale until normalised.
type Comet struct {
	CollateralAmount uint64
	StableCollateral uint64
	Positions        []CometPosition
}

func (c Comet) Clone() Comet {
	clone := c
	clone.Positions = append([]CometPosition(nil), c.Positions...)
	return clone
}

type BorrowPosition struct {
	PoolIndex        PoolIdx
	CollateralIndex  CollateralIdx
	CollateralAmount uint64
	BorrowedOnAsset  uint64
}

type User struct {
	Borrows      []BorrowPosition
	Comet        Comet
	NetValue     uint64
	NetValueSlot uint64
}

func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	clone := *u
	clone.Borrows = append([]BorrowPosition(nil), u.Borrows...)
	clone.Comet = u.Comet.Clone()
	return &clone
}

// Empty reports whether the user record holds no positions or balances.
func (u *User) Empty() bool {
	return len(u.Borrows) == 0 && len(u.Comet.Positions) == 0 &&
		u.Comet.CollateralAmount == 0 && u.Comet.StableCollateral == 0 && u.NetValueSlot == 0
}

// Protocol is the singleton configuration aggregate.
type Protocol struct {
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

func (p *Protocol) Clone() *Protocol {
	if p == nil {
		return nil
	}
	clone := *p
	clone.AuthSet = append([]common.Address(nil), p.AuthSet...)
	return &clone
}

// IsAuth reports whether addr belongs to the auth set.
func (p *Protocol) IsAuth(addr common.Address) bool {
	for _, member := range p.AuthSet {
		if member == addr {
			return true
		}
	}
	return false
}

// TokenAccount identifies a ledger balance by mint and owner.
type TokenAccount struct {
	Mint  common.Address
	Owner common.Address
}
