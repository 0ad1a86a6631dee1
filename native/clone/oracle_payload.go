package clone

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	pythPayloadLen        = 8 + 4 + 8
	switchboardPayloadLen = 16 + 4 + 8
)

// OraclePayload carries a raw feed update for one oracle slot. When
// Signature is present the bound address is the secp256k1 signer of
// keccak256(Data); otherwise it is the declared Address.
type OraclePayload struct {
	Index     OracleIdx
	Address   common.Address
	Data      []byte
	Signature []byte
}

type rawPrice struct {
	Price int64
	Expo  uint8
	Slot  uint64
}

type sourceDecoder func(data []byte) (rawPrice, error)

var sourceDecoders = map[OracleSource]sourceDecoder{
	SourcePyth:        decodePyth,
	SourceSwitchboard: decodeSwitchboard,
}

// decodePyth reads a big-endian (price int64, exponent int32, slot uint64)
// record.
func decodePyth(data []byte) (rawPrice, error) {
	if len(data) != pythPayloadLen {
		return rawPrice{}, fmt.Errorf("%w: payload length %d", ErrFailedToLoadPyth, len(data))
	}
	price := int64(binary.BigEndian.Uint64(data[0:8]))
	exponent := int32(binary.BigEndian.Uint32(data[8:12]))
	slot := binary.BigEndian.Uint64(data[12:20])
	value, expo, err := normaliseExponent(big.NewInt(price), int64(exponent))
	if err != nil {
		return rawPrice{}, err
	}
	return rawPrice{Price: value, Expo: expo, Slot: slot}, nil
}

// decodeSwitchboard reads a big-endian (mantissa int128, scale uint32, slot
// uint64) record.
func decodeSwitchboard(data []byte) (rawPrice, error) {
	if len(data) != switchboardPayloadLen {
		return rawPrice{}, fmt.Errorf("%w: payload length %d", ErrFailedToLoadSwitchboard, len(data))
	}
	mantissa := new(big.Int).SetBytes(data[0:16])
	if data[0]&0x80 != 0 {
		mantissa.Sub(mantissa, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	scale := binary.BigEndian.Uint32(data[16:20])
	slot := binary.BigEndian.Uint64(data[20:28])
	value, expo, err := normaliseExponent(mantissa, -int64(scale))
	if err != nil {
		return rawPrice{}, err
	}
	return rawPrice{Price: value, Expo: expo, Slot: slot}, nil
}

// normaliseExponent turns value*10^exponent into an int64 mantissa with a
// non-negative fractional digit count.
func normaliseExponent(value *big.Int, exponent int64) (int64, uint8, error) {
	mantissa := new(big.Int).Set(value)
	if exponent > 0 {
		if exponent > 18 {
			return 0, 0, fmt.Errorf("%w: exponent %d", ErrInvalidConversion, exponent)
		}
		mantissa.Mul(mantissa, new(big.Int).Exp(big.NewInt(10), big.NewInt(exponent), nil))
		exponent = 0
	}
	if -exponent > math.MaxUint8 {
		return 0, 0, fmt.Errorf("%w: exponent %d", ErrInvalidConversion, exponent)
	}
	if !mantissa.IsInt64() {
		return 0, 0, fmt.Errorf("%w: mantissa %s", ErrInvalidConversion, mantissa)
	}
	return mantissa.Int64(), uint8(-exponent), nil
}

func (p OraclePayload) boundAddress() (common.Address, error) {
	if len(p.Signature) == 0 {
		return p.Address, nil
	}
	pub, err := ethcrypto.SigToPub(ethcrypto.Keccak256(p.Data), p.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrIncorrectOracleAddress, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// EncodePythPayload builds a Pyth style record.
func EncodePythPayload(price int64, exponent int32, slot uint64) []byte {
	buf := make([]byte, pythPayloadLen)
	binary.BigEndian.PutUint64(buf[0:8], uint64(price))
	binary.BigEndian.PutUint32(buf[8:12], uint32(exponent))
	binary.BigEndian.PutUint64(buf[12:20], slot)
	return buf
}

// EncodeSwitchboardPayload builds a Switchboard style record.
func EncodeSwitchboardPayload(mantissa *big.Int, scale uint32, slot uint64) []byte {
	buf := make([]byte, switchboardPayloadLen)
	value := new(big.Int).Set(mantissa)
	if value.Sign() < 0 {
		value.Add(value, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	value.FillBytes(buf[0:16])
	binary.BigEndian.PutUint32(buf[16:20], scale)
	binary.BigEndian.PutUint64(buf[20:28], slot)
	return buf
}

// SignPayload signs keccak256(data) with key.
func SignPayload(data []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	return ethcrypto.Sign(ethcrypto.Keccak256(data), key)
}
