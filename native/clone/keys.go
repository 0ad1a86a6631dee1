package clone

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

var (
	protocolKey     = []byte("clone/protocol")
	eventCounterKey = []byte("clone/event-counter")

	poolPrefix       = []byte("clone/pool/")
	collateralPrefix = []byte("clone/collateral/")
	oraclePrefix     = []byte("clone/oracle/")
	userPrefix       = []byte("clone/user/")
)

func indexKey(prefix []byte, index uint16) []byte {
	buf := make([]byte, len(prefix)+2)
	copy(buf, prefix)
	binary.BigEndian.PutUint16(buf[len(prefix):], index)
	return buf
}

func poolKey(index PoolIdx) []byte { return indexKey(poolPrefix, uint16(index)) }

func collateralKey(index CollateralIdx) []byte {
	return indexKey(collateralPrefix, uint16(index))
}

func oracleKey(index OracleIdx) []byte { return indexKey(oraclePrefix, uint16(index)) }

func userKey(addr common.Address) []byte {
	buf := make([]byte, len(userPrefix)+common.AddressLength)
	copy(buf, userPrefix)
	copy(buf[len(userPrefix):], addr.Bytes())
	return buf
}
