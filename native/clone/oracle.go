package clone

import (
	"fmt"
	"log/slog"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OracleFeedParams registers a new oracle slot.
type OracleFeedParams struct {
	Address       common.Address
	Source        OracleSource
	RescaleFactor uint8
}

// AddOracleFeed appends an oracle slot. Admin only.
func (e *Engine) AddOracleFeed(principal common.Address, params OracleFeedParams) (OracleIdx, error) {
	defer e.lockAdmin()()
	t, err := e.begin()
	if err != nil {
		return 0, err
	}
	if principal != t.protocol.Admin {
		return 0, ErrUnauthorized
	}
	if _, ok := sourceDecoders[params.Source]; !ok {
		return 0, fmt.Errorf("%w: oracle source %d", ErrInvalidValueRange, params.Source)
	}
	if t.protocol.OracleCount >= MaxOracles {
		return 0, fmt.Errorf("%w: oracle registry", ErrPositionsFull)
	}
	index := OracleIdx(t.protocol.OracleCount)
	t.oracles[index] = &Oracle{
		Address:       params.Address,
		Source:        params.Source,
		Status:        StatusActive,
		RescaleFactor: params.RescaleFactor,
	}
	t.markOracle(index)
	t.protocol.OracleCount++
	t.markProtocol()
	if err := t.commit(); err != nil {
		return 0, err
	}
	e.logger.Info("clone: oracle added", slog.Int("index", int(index)), slog.String("source", params.Source.String()))
	return index, nil
}

// UpdateOracles applies a batch of raw feed payloads. Each payload must be
// bound to the address stored for its slot: signed payloads by recovering the
// signer, unsigned ones by the declared address, which only the admin or an
// auth-set member may submit. Payloads older than the stored slot are ignored
// and payloads dated after the current slot are rejected. The whole batch
// commits or none of it does.
func (e *Engine) UpdateOracles(principal common.Address, batch []OraclePayload) error {
	defer e.lockAdmin()()
	t, err := e.begin()
	if err != nil {
		return err
	}
	trusted := principal == t.protocol.Admin || t.protocol.IsAuth(principal)
	for _, payload := range batch {
		oracle, err := t.oracle(payload.Index)
		if err != nil {
			return err
		}
		if len(payload.Signature) == 0 && !trusted {
			return fmt.Errorf("%w: unsigned payload for oracle %d", ErrUnauthorized, payload.Index)
		}
		bound, err := payload.boundAddress()
		if err != nil {
			return err
		}
		if bound != oracle.Address {
			return fmt.Errorf("%w: oracle %d", ErrIncorrectOracleAddress, payload.Index)
		}
		decode, ok := sourceDecoders[oracle.Source]
		if !ok {
			return fmt.Errorf("%w: oracle source %d", ErrInvalidValueRange, oracle.Source)
		}
		raw, err := decode(payload.Data)
		if err != nil {
			return err
		}
		if raw.Price <= 0 {
			return fmt.Errorf("%w: oracle %d price %d", ErrInvalidValueRange, payload.Index, raw.Price)
		}
		if raw.Slot > t.slot {
			return fmt.Errorf("%w: oracle %d payload slot %d after current slot %d", ErrInvalidValueRange, payload.Index, raw.Slot, t.slot)
		}
		if raw.Slot < oracle.LastUpdateSlot {
			continue
		}
		price, expo, err := rescalePrice(raw, oracle.RescaleFactor)
		if err != nil {
			return err
		}
		oracle.Price = price
		oracle.Expo = expo
		oracle.LastUpdateSlot = raw.Slot
		t.markOracle(payload.Index)
	}
	e.logger.Debug("clone: oracles updated", slog.String("principal", principal.Hex()), slog.Int("count", len(batch)))
	return t.commit()
}

func rescalePrice(raw rawPrice, factor uint8) (int64, uint8, error) {
	if factor == 0 {
		return raw.Price, raw.Expo, nil
	}
	if int(raw.Expo)+int(factor) > math.MaxUint8 {
		return 0, 0, fmt.Errorf("%w: rescale factor %d", ErrInvalidConversion, factor)
	}
	scaled := new(big.Int).Mul(big.NewInt(raw.Price), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(factor)), nil))
	if !scaled.IsInt64() {
		return 0, 0, fmt.Errorf("%w: rescaled price overflows", ErrInvalidConversion)
	}
	return scaled.Int64(), raw.Expo + factor, nil
}

// SetOracleStatus changes an oracle's status. Only the admin may activate a
// feed; the admin or an auth-set member may freeze it.
func (e *Engine) SetOracleStatus(principal common.Address, index OracleIdx, status Status) error {
	defer e.lockAdmin()()
	t, err := e.begin()
	if err != nil {
		return err
	}
	if err := authorizeStatusChange(t.protocol, principal, status, StatusActive, StatusFrozen); err != nil {
		return err
	}
	oracle, err := t.oracle(index)
	if err != nil {
		return err
	}
	oracle.Status = status
	t.markOracle(index)
	return t.commit()
}

// authorizeStatusChange enforces that only allowed statuses are set, that
// auth-set members can only freeze and that everyone else is rejected.
func authorizeStatusChange(p *Protocol, principal common.Address, status Status, allowed ...Status) error {
	valid := false
	for _, candidate := range allowed {
		if candidate == status {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	if principal == p.Admin {
		return nil
	}
	if p.IsAuth(principal) && status == StatusFrozen {
		return nil
	}
	return ErrUnauthorized
}
