package escrow

import (
	"encoding/binary"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	escrowPrefix   = []byte("escrow/record/")
	approvalPrefix = []byte("escrow/approval/")
	feeConfigKey   = []byte("escrow/config/fees")
	adminKey       = []byte("escrow/admin")
	tokenKey       = []byte("escrow/token")
	pausedKey      = []byte("escrow/paused")
)

func escrowKey(bountyID uint64) []byte {
	buf := make([]byte, len(escrowPrefix)+8)
	copy(buf, escrowPrefix)
	binary.BigEndian.PutUint64(buf[len(escrowPrefix):], bountyID)
	return buf
}

func approvalKey(bountyID uint64) []byte {
	buf := make([]byte, len(approvalPrefix)+8)
	copy(buf, approvalPrefix)
	binary.BigEndian.PutUint64(buf[len(approvalPrefix):], bountyID)
	return buf
}

// VaultAddress returns the deterministic custody address holding all locked
// funds. It is derived from the module namespace so no key material exists
// that could ever spend from it.
func VaultAddress() [20]byte {
	digest := ethcrypto.Keccak256([]byte("escrow/vault"))
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}
