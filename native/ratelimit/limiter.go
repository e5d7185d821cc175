package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCooldownActive indicates the address acted again before its
	// cooldown elapsed.
	ErrCooldownActive = errors.New("ratelimit: operation in cooldown period")
	// ErrLimitExceeded indicates the address exhausted its window allowance.
	ErrLimitExceeded = errors.New("ratelimit: rate limit exceeded")

	errNilStore = errors.New("ratelimit: storage not configured")
)

var (
	configKey       = []byte("ratelimit/config")
	statePrefix     = []byte("ratelimit/state/")
	whitelistPrefix = []byte("ratelimit/whitelist/")
)

// Storage is the minimal keyed persistence the limiter needs.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVHas(key []byte) (bool, error)
	KVDelete(key []byte) error
}

// Config bounds per-address call frequency: at most MaxOperations calls per
// sliding window, with a minimum gap of CooldownSeconds between calls.
type Config struct {
	WindowSeconds   uint64
	MaxOperations   uint32
	CooldownSeconds uint64
}

// DefaultConfig mirrors the deployment defaults: ten operations per hour with
// a one minute cooldown.
func DefaultConfig() Config {
	return Config{
		WindowSeconds:   3_600,
		MaxOperations:   10,
		CooldownSeconds: 60,
	}
}

// Validate rejects configurations that would deny every call.
func (c Config) Validate() error {
	if c.WindowSeconds == 0 {
		return fmt.Errorf("ratelimit: window must be positive")
	}
	if c.MaxOperations == 0 {
		return fmt.Errorf("ratelimit: max operations must be positive")
	}
	return nil
}

type addressState struct {
	LastOperation uint64
	WindowStart   uint64
	Count         uint32
}

// Engine tracks per-address sliding windows in storage. All timestamps come
// from the injected clock so behaviour stays deterministic under test.
type Engine struct {
	store Storage
	nowFn func() int64
}

// NewEngine constructs a limiter backed by the provided storage adapter.
func NewEngine(store Storage) *Engine {
	return &Engine{store: store, nowFn: func() int64 { return time.Now().Unix() }}
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if e == nil {
		return
	}
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() uint64 {
	if e == nil || e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	ts := e.nowFn()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func stateKey(addr [20]byte) []byte {
	buf := make([]byte, len(statePrefix)+len(addr))
	copy(buf, statePrefix)
	copy(buf[len(statePrefix):], addr[:])
	return buf
}

func whitelistKey(addr [20]byte) []byte {
	buf := make([]byte, len(whitelistPrefix)+len(addr))
	copy(buf, whitelistPrefix)
	copy(buf[len(whitelistPrefix):], addr[:])
	return buf
}

// Config loads the persisted configuration, falling back to defaults.
func (e *Engine) Config() (Config, error) {
	if e == nil || e.store == nil {
		return Config{}, errNilStore
	}
	var cfg Config
	ok, err := e.store.KVGet(configKey, &cfg)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return DefaultConfig(), nil
	}
	return cfg, nil
}

// SetConfig persists a new limiter configuration.
func (e *Engine) SetConfig(cfg Config) error {
	if e == nil || e.store == nil {
		return errNilStore
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return e.store.KVPut(configKey, &cfg)
}

// SetWhitelisted adds or removes the address from the bypass list.
func (e *Engine) SetWhitelisted(addr [20]byte, whitelisted bool) error {
	if e == nil || e.store == nil {
		return errNilStore
	}
	if whitelisted {
		return e.store.KVPut(whitelistKey(addr), true)
	}
	return e.store.KVDelete(whitelistKey(addr))
}

// IsWhitelisted reports whether the address bypasses rate limiting.
func (e *Engine) IsWhitelisted(addr [20]byte) (bool, error) {
	if e == nil || e.store == nil {
		return false, errNilStore
	}
	return e.store.KVHas(whitelistKey(addr))
}

// Check gates one operation for the address. On success the operation is
// recorded against the address window; on failure no state changes.
func (e *Engine) Check(addr [20]byte) error {
	if e == nil || e.store == nil {
		return errNilStore
	}
	whitelisted, err := e.IsWhitelisted(addr)
	if err != nil {
		return err
	}
	if whitelisted {
		return nil
	}
	cfg, err := e.Config()
	if err != nil {
		return err
	}
	now := e.now()
	key := stateKey(addr)
	state := addressState{WindowStart: now}
	if _, err := e.store.KVGet(key, &state); err != nil {
		return err
	}

	if state.LastOperation > 0 && now < state.LastOperation+cfg.CooldownSeconds {
		return ErrCooldownActive
	}

	if now >= state.WindowStart+cfg.WindowSeconds {
		state.WindowStart = now
		state.Count = 1
	} else {
		if state.Count >= cfg.MaxOperations {
			return ErrLimitExceeded
		}
		state.Count++
	}
	state.LastOperation = now
	return e.store.KVPut(key, &state)
}
