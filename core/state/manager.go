package state

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"bountyescrow/core/types"
	"bountyescrow/storage"
)

var accountPrefix = []byte("account:")

// Manager provides typed read/write access to module state stored in a
// key-value database. Keys are hashed with keccak256 before hitting the
// backend so composite prefixes cannot collide, and values are RLP encoded.
//
// Writes performed while a snapshot is active are journaled so the whole
// span can be reverted, giving callers an explicit transactional wrapper for
// multi-step mutations.
type Manager struct {
	db        storage.Database
	journal   []journalEntry
	snapshots []int
}

type journalEntry struct {
	key     []byte
	prev    []byte
	existed bool
}

type storedAccount struct {
	Nonce   uint64
	Balance *big.Int
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func accountKey(addr []byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr)
	return ethcrypto.Keccak256(buf)
}

func (m *Manager) withDB() (storage.Database, error) {
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("state: database not configured")
	}
	return m.db, nil
}

func (m *Manager) record(hashed []byte) error {
	if len(m.snapshots) == 0 {
		return nil
	}
	db, err := m.withDB()
	if err != nil {
		return err
	}
	prev, err := db.Get(hashed)
	if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		return err
	}
	entry := journalEntry{key: append([]byte(nil), hashed...)}
	if err == nil {
		entry.prev = append([]byte(nil), prev...)
		entry.existed = true
	}
	m.journal = append(m.journal, entry)
	return nil
}

func (m *Manager) writeRaw(hashed, encoded []byte) error {
	db, err := m.withDB()
	if err != nil {
		return err
	}
	if err := m.record(hashed); err != nil {
		return err
	}
	return db.Put(hashed, encoded)
}

func (m *Manager) deleteRaw(hashed []byte) error {
	db, err := m.withDB()
	if err != nil {
		return err
	}
	if err := m.record(hashed); err != nil {
		return err
	}
	return db.Delete(hashed)
}

// KVPut stores the provided value under the supplied key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("state: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.writeRaw(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the
// key existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("state: key must not be empty")
	}
	db, err := m.withDB()
	if err != nil {
		return false, err
	}
	data, err := db.Get(kvKey(key))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVHas reports whether the supplied key exists in state.
func (m *Manager) KVHas(key []byte) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("state: key must not be empty")
	}
	db, err := m.withDB()
	if err != nil {
		return false, err
	}
	return db.Has(kvKey(key))
}

// KVDelete removes the supplied key from state if present.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("state: key must not be empty")
	}
	return m.deleteRaw(kvKey(key))
}

// GetAccount loads the ledger account for the given address. Unknown
// addresses resolve to a zero-balance account rather than an error.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("state: address must not be empty")
	}
	db, err := m.withDB()
	if err != nil {
		return nil, err
	}
	data, err := db.Get(accountKey(addr))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return (&types.Account{}).EnsureDefaults(), nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedAccount
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, err
	}
	acc := &types.Account{Nonce: stored.Nonce, Balance: stored.Balance}
	return acc.EnsureDefaults(), nil
}

// PutAccount persists the ledger account for the given address. Negative
// balances are rejected to keep the ledger conservation checks meaningful.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if len(addr) == 0 {
		return fmt.Errorf("state: address must not be empty")
	}
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	account = account.EnsureDefaults()
	if account.Balance.Sign() < 0 {
		return fmt.Errorf("state: negative balance not allowed")
	}
	stored := storedAccount{Nonce: account.Nonce, Balance: new(big.Int).Set(account.Balance)}
	encoded, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return err
	}
	return m.writeRaw(accountKey(addr), encoded)
}

// Snapshot marks the current state revision and starts journaling writes.
// The returned revision is consumed by RevertToSnapshot or Release.
func (m *Manager) Snapshot() int {
	m.snapshots = append(m.snapshots, len(m.journal))
	return len(m.snapshots) - 1
}

// RevertToSnapshot undoes every write journaled since the given revision was
// taken, restoring prior values and removing keys that did not exist.
func (m *Manager) RevertToSnapshot(rev int) error {
	if rev < 0 || rev >= len(m.snapshots) {
		return fmt.Errorf("state: invalid snapshot revision %d", rev)
	}
	db, err := m.withDB()
	if err != nil {
		return err
	}
	mark := m.snapshots[rev]
	for i := len(m.journal) - 1; i >= mark; i-- {
		entry := m.journal[i]
		if entry.existed {
			if err := db.Put(entry.key, entry.prev); err != nil {
				return err
			}
		} else {
			if err := db.Delete(entry.key); err != nil {
				return err
			}
		}
	}
	m.journal = m.journal[:mark]
	m.snapshots = m.snapshots[:rev]
	return nil
}

// Release discards the given snapshot, keeping the writes made since it was
// taken. Once the outermost snapshot is released the journal is dropped.
func (m *Manager) Release(rev int) {
	if rev < 0 || rev >= len(m.snapshots) {
		return
	}
	m.snapshots = m.snapshots[:rev]
	if len(m.snapshots) == 0 {
		m.journal = m.journal[:0]
	}
}
