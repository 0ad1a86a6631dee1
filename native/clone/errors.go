package clone

import (
	"errors"

	nativecommon "clonechain/native/common"
	"clonechain/native/fixedpoint"
)

var (
	ErrUnauthorized      = errors.New("clone: unauthorized")
	ErrAuthArrayFull     = errors.New("clone: auth array full")
	ErrAuthNotFound      = errors.New("clone: auth not found")
	ErrAuthAlreadyExists = errors.New("clone: auth already exists")

	ErrInvalidInputPositionIndex  = errors.New("clone: invalid input position index")
	ErrInvalidTokenAmount         = errors.New("clone: invalid token amount")
	ErrInvalidValueRange          = errors.New("clone: invalid value range")
	ErrInvalidStatus              = errors.New("clone: invalid status")
	ErrInvalidOracleIndex         = errors.New("clone: invalid oracle index")
	ErrInvalidPaymentType         = errors.New("clone: invalid payment type")
	ErrInvalidConversion          = errors.New("clone: invalid conversion")
	ErrInvalidTokenAccountBalance = errors.New("clone: invalid token account balance")
	ErrPoolNotFound               = errors.New("clone: pool not found")
	ErrExpectedAccountNotFound    = errors.New("clone: expected account not found")
	ErrCollateralNotFound         = errors.New("clone: collateral not found")

	ErrInvalidMintCollateralRatio         = errors.New("clone: invalid mint collateral ratio")
	ErrHealthScoreTooLow                  = errors.New("clone: health score too low")
	ErrSlippageToleranceExceeded          = errors.New("clone: slippage tolerance exceeded")
	ErrInvalidOvercollateralizationRatios = errors.New("clone: invalid overcollateralization ratios")
	ErrRequireOnlyStableCollateral        = errors.New("clone: require only stable collateral")

	ErrOutdatedOracle          = errors.New("clone: outdated oracle")
	ErrFailedToLoadPyth        = errors.New("clone: failed to load pyth")
	ErrFailedToLoadSwitchboard = errors.New("clone: failed to load switchboard")
	ErrIncorrectOracleAddress  = errors.New("clone: incorrect oracle address")
	ErrOutdatedUpdateSlot      = errors.New("clone: outdated update slot")

	ErrStatusPreventsAction  = errors.New("clone: status prevents action")
	ErrPoolEmpty             = errors.New("clone: pool empty")
	ErrNoLiquidityToWithdraw = errors.New("clone: no liquidity to withdraw")

	ErrNotSubjectToLiquidation         = errors.New("clone: not subject to liquidation")
	ErrLiquidationAmountTooLarge       = errors.New("clone: liquidation amount too large")
	ErrBorrowPositionUnableToLiquidate = errors.New("clone: borrow position unable to liquidate")
	ErrCometNotEmpty                   = errors.New("clone: comet not empty")
	ErrRequireAllPositionsClosed       = errors.New("clone: require all positions closed")

	ErrPositionsFull                 = errors.New("clone: positions full")
	ErrInequalityComparisonViolated  = errors.New("clone: inequality comparison violated")
	ErrNotInitialized                = errors.New("clone: protocol not initialized")
	ErrAlreadyInitialized            = errors.New("clone: protocol already initialized")
	ErrInsufficientCollateralBalance = errors.New("clone: insufficient collateral balance")

	// Arithmetic kinds are shared with the fixed-point package so callers can
	// match either name.
	ErrIntTypeConversion = fixedpoint.ErrIntTypeConversion
	ErrCheckedMath       = fixedpoint.ErrCheckedMath
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrUnauthorized, "Unauthorized"},
	{ErrAuthArrayFull, "AuthArrayFull"},
	{ErrAuthNotFound, "AuthNotFound"},
	{ErrAuthAlreadyExists, "AuthAlreadyExists"},
	{ErrInvalidInputPositionIndex, "InvalidInputPositionIndex"},
	{ErrInvalidTokenAmount, "InvalidTokenAmount"},
	{ErrInvalidValueRange, "InvalidValueRange"},
	{ErrInvalidStatus, "InvalidStatus"},
	{ErrInvalidOracleIndex, "InvalidOracleIndex"},
	{ErrInvalidPaymentType, "InvalidPaymentType"},
	{ErrInvalidConversion, "InvalidConversion"},
	{ErrInvalidTokenAccountBalance, "InvalidTokenAccountBalance"},
	{ErrPoolNotFound, "PoolNotFound"},
	{ErrExpectedAccountNotFound, "ExpectedAccountNotFound"},
	{ErrCollateralNotFound, "CollateralNotFound"},
	{ErrIntTypeConversion, "IntTypeConversionError"},
	{ErrCheckedMath, "CheckedMathError"},
	{ErrInvalidMintCollateralRatio, "InvalidMintCollateralRatio"},
	{ErrHealthScoreTooLow, "HealthScoreTooLow"},
	{ErrSlippageToleranceExceeded, "SlippageToleranceExceeded"},
	{ErrInvalidOvercollateralizationRatios, "InvalidOvercollateralizationRatios"},
	{ErrRequireOnlyStableCollateral, "RequireOnlyStableCollateral"},
	{ErrOutdatedOracle, "OutdatedOracle"},
	{ErrFailedToLoadPyth, "FailedToLoadPyth"},
	{ErrFailedToLoadSwitchboard, "FailedToLoadSwitchboard"},
	{ErrIncorrectOracleAddress, "IncorrectOracleAddress"},
	{ErrOutdatedUpdateSlot, "OutdatedUpdateSlot"},
	{ErrStatusPreventsAction, "StatusPreventsAction"},
	{ErrPoolEmpty, "PoolEmpty"},
	{ErrNoLiquidityToWithdraw, "NoLiquidityToWithdraw"},
	{ErrNotSubjectToLiquidation, "NotSubjectToLiquidation"},
	{ErrLiquidationAmountTooLarge, "LiquidationAmountTooLarge"},
	{ErrBorrowPositionUnableToLiquidate, "BorrowPositionUnableToLiquidate"},
	{ErrCometNotEmpty, "CometNotEmpty"},
	{ErrRequireAllPositionsClosed, "RequireAllPositionsClosed"},
	{ErrPositionsFull, "PositionsFull"},
	{ErrInequalityComparisonViolated, "InequalityComparisonViolated"},
	{ErrNotInitialized, "NotInitialized"},
	{ErrAlreadyInitialized, "AlreadyInitialized"},
	{ErrInsufficientCollateralBalance, "InsufficientCollateralBalance"},
	{nativecommon.ErrModulePaused, "ModulePaused"},
}

// ErrorKind returns the taxonomy name of err, or "Internal" when err does not
// wrap a protocol error. A nil error has no kind.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range errorKinds {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return "Internal"
}
