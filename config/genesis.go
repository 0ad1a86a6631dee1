package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"clonechain/native/clone"
	"clonechain/native/fixedpoint"
)

// Genesis describes the protocol singleton and the registries created when
// a fresh engine is bootstrapped. Collateral index 0 (onUSD) is implied by
// OnUSDMint/OnUSDVault; Collaterals start at index 1.
type Genesis struct {
	Admin                              string   `toml:"Admin"`
	Treasury                           string   `toml:"Treasury"`
	OnUSDMint                          string   `toml:"OnUSDMint"`
	OnUSDVault                         string   `toml:"OnUSDVault"`
	AuthSet                            []string `toml:"AuthSet"`
	CometCollateralILDLiquidatorFeeBps uint16   `toml:"CometCollateralILDLiquidatorFeeBps"`
	CometOnAssetILDLiquidatorFeeBps    uint16   `toml:"CometOnAssetILDLiquidatorFeeBps"`
	BorrowLiquidatorFeeBps             uint16   `toml:"BorrowLiquidatorFeeBps"`
	OracleStalenessSlots               uint64   `toml:"OracleStalenessSlots"`

	Oracles     []GenesisOracle     `toml:"Oracles"`
	Collaterals []GenesisCollateral `toml:"Collaterals"`
	Pools       []GenesisPool       `toml:"Pools"`
}

type GenesisOracle struct {
	Address       string `toml:"Address"`
	Source        string `toml:"Source"`
	RescaleFactor uint8  `toml:"RescaleFactor"`
}

// GenesisCollateral leaves OracleIndex unset for a stable priced at parity.
type GenesisCollateral struct {
	OracleIndex            *uint16 `toml:"OracleIndex"`
	Mint                   string  `toml:"Mint"`
	Vault                  string  `toml:"Vault"`
	CollateralizationRatio string  `toml:"CollateralizationRatio"`
	Scale                  uint8   `toml:"Scale"`
}

type GenesisPool struct {
	OnAssetMint                       string `toml:"OnAssetMint"`
	OracleIndex                       uint16 `toml:"OracleIndex"`
	ILHealthScoreCoefficient          string `toml:"ILHealthScoreCoefficient"`
	PositionHealthScoreCoefficient    string `toml:"PositionHealthScoreCoefficient"`
	MinOvercollateralRatio            string `toml:"MinOvercollateralRatio"`
	MaxLiquidationOvercollateralRatio string `toml:"MaxLiquidationOvercollateralRatio"`
	TreasuryTradingFeeBps             uint16 `toml:"TreasuryTradingFeeBps"`
	LiquidityTradingFeeBps            uint16 `toml:"LiquidityTradingFeeBps"`
}

// LoadGenesis reads and validates a genesis file. Unknown keys are rejected.
func LoadGenesis(path string) (*Genesis, error) {
	g := &Genesis{}
	meta, err := toml.DecodeFile(path, g)
	if err != nil {
		return nil, fmt.Errorf("decode genesis %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("genesis %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// SaveGenesis writes g as TOML, creating parent directories.
func SaveGenesis(path string, g *Genesis) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(g)
}

func parseAddress(field, value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, value)
	}
	return common.HexToAddress(value), nil
}

func parseRatio(field, value string) (fixedpoint.Decimal, error) {
	d, err := fixedpoint.Parse(strings.TrimSpace(value))
	if err != nil {
		return fixedpoint.Zero, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

// Validate checks addresses, decimal fields and cross references. Range
// checks on ratios and fees are left to the engine's admin operations.
func (g *Genesis) Validate() error {
	_, err := g.initParams()
	if err != nil {
		return err
	}
	var errs []error
	for i, member := range g.AuthSet {
		if _, err := parseAddress(fmt.Sprintf("AuthSet[%d]", i), member); err != nil {
			errs = append(errs, err)
		}
	}
	if len(g.AuthSet) > clone.MaxAuth {
		errs = append(errs, fmt.Errorf("AuthSet: %d members exceeds %d", len(g.AuthSet), clone.MaxAuth))
	}
	for i := range g.Oracles {
		if _, err := g.Oracles[i].params(i); err != nil {
			errs = append(errs, err)
		}
	}
	for i := range g.Collaterals {
		params, err := g.Collaterals[i].params(i)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if params.OracleIndex != clone.NoOracle && int(params.OracleIndex) >= len(g.Oracles) {
			errs = append(errs, fmt.Errorf("Collaterals[%d]: oracle %d not declared", i, params.OracleIndex))
		}
	}
	for i := range g.Pools {
		params, err := g.Pools[i].params(i)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if int(params.AssetInfo.OracleIndex) >= len(g.Oracles) {
			errs = append(errs, fmt.Errorf("Pools[%d]: oracle %d not declared", i, params.AssetInfo.OracleIndex))
		}
	}
	return errors.Join(errs...)
}

func (g *Genesis) initParams() (clone.InitParams, error) {
	params := clone.InitParams{
		CometCollateralILDLiquidatorFeeBps: g.CometCollateralILDLiquidatorFeeBps,
		CometOnAssetILDLiquidatorFeeBps:    g.CometOnAssetILDLiquidatorFeeBps,
		BorrowLiquidatorFeeBps:             g.BorrowLiquidatorFeeBps,
		OracleStalenessSlots:               g.OracleStalenessSlots,
	}
	var err error
	if params.Admin, err = parseAddress("Admin", g.Admin); err != nil {
		return params, err
	}
	if params.Treasury, err = parseAddress("Treasury", g.Treasury); err != nil {
		return params, err
	}
	if params.OnUSDMint, err = parseAddress("OnUSDMint", g.OnUSDMint); err != nil {
		return params, err
	}
	if params.OnUSDVault, err = parseAddress("OnUSDVault", g.OnUSDVault); err != nil {
		return params, err
	}
	return params, nil
}

func (o GenesisOracle) params(i int) (clone.OracleFeedParams, error) {
	field := fmt.Sprintf("Oracles[%d]", i)
	address, err := parseAddress(field+".Address", o.Address)
	if err != nil {
		return clone.OracleFeedParams{}, err
	}
	source, err := clone.ParseOracleSource(o.Source)
	if err != nil {
		return clone.OracleFeedParams{}, fmt.Errorf("%s.Source: %w", field, err)
	}
	return clone.OracleFeedParams{Address: address, Source: source, RescaleFactor: o.RescaleFactor}, nil
}

func (c GenesisCollateral) params(i int) (clone.CollateralParams, error) {
	field := fmt.Sprintf("Collaterals[%d]", i)
	params := clone.CollateralParams{OracleIndex: clone.NoOracle, Scale: c.Scale}
	if c.OracleIndex != nil {
		params.OracleIndex = clone.OracleIdx(*c.OracleIndex)
	}
	var err error
	if params.Mint, err = parseAddress(field+".Mint", c.Mint); err != nil {
		return params, err
	}
	if params.Vault, err = parseAddress(field+".Vault", c.Vault); err != nil {
		return params, err
	}
	if params.CollateralizationRatio, err = parseRatio(field+".CollateralizationRatio", c.CollateralizationRatio); err != nil {
		return params, err
	}
	return params, nil
}

func (p GenesisPool) params(i int) (clone.PoolParams, error) {
	field := fmt.Sprintf("Pools[%d]", i)
	params := clone.PoolParams{
		TreasuryTradingFeeBps:  p.TreasuryTradingFeeBps,
		LiquidityTradingFeeBps: p.LiquidityTradingFeeBps,
	}
	info := &params.AssetInfo
	info.OracleIndex = clone.OracleIdx(p.OracleIndex)
	var err error
	if info.OnAssetMint, err = parseAddress(field+".OnAssetMint", p.OnAssetMint); err != nil {
		return params, err
	}
	decimals := []struct {
		name  string
		value string
		dst   *fixedpoint.Decimal
	}{
		{"ILHealthScoreCoefficient", p.ILHealthScoreCoefficient, &info.ILHealthScoreCoefficient},
		{"PositionHealthScoreCoefficient", p.PositionHealthScoreCoefficient, &info.PositionHealthScoreCoefficient},
		{"MinOvercollateralRatio", p.MinOvercollateralRatio, &info.MinOvercollateralRatio},
		{"MaxLiquidationOvercollateralRatio", p.MaxLiquidationOvercollateralRatio, &info.MaxLiquidationOvercollateralRatio},
	}
	for _, d := range decimals {
		if *d.dst, err = parseRatio(field+"."+d.name, d.value); err != nil {
			return params, err
		}
	}
	return params, nil
}

// Apply initializes engine and creates the declared registries in order, so
// registry indices match their position in the file.
func (g *Genesis) Apply(engine *clone.Engine) error {
	init, err := g.initParams()
	if err != nil {
		return err
	}
	if err := engine.Initialize(init); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	for i, member := range g.AuthSet {
		addr, err := parseAddress(fmt.Sprintf("AuthSet[%d]", i), member)
		if err != nil {
			return err
		}
		if err := engine.AddAuth(init.Admin, addr); err != nil {
			return fmt.Errorf("AuthSet[%d]: %w", i, err)
		}
	}
	for i := range g.Oracles {
		params, err := g.Oracles[i].params(i)
		if err != nil {
			return err
		}
		if _, err := engine.AddOracleFeed(init.Admin, params); err != nil {
			return fmt.Errorf("Oracles[%d]: %w", i, err)
		}
	}
	for i := range g.Collaterals {
		params, err := g.Collaterals[i].params(i)
		if err != nil {
			return err
		}
		if _, err := engine.AddCollateral(init.Admin, params); err != nil {
			return fmt.Errorf("Collaterals[%d]: %w", i, err)
		}
	}
	for i := range g.Pools {
		params, err := g.Pools[i].params(i)
		if err != nil {
			return err
		}
		if _, err := engine.AddPool(init.Admin, params); err != nil {
			return fmt.Errorf("Pools[%d]: %w", i, err)
		}
	}
	return nil
}
