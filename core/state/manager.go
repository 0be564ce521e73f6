package state

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/text/unicode/norm"

	nativecommon "creditline/native/common"
	"creditline/native/credit"
	"creditline/storage"
)

// KV is the key-value surface the manager encodes ledger state onto. Both the
// raw Database and the overlay Txn satisfy it, so the same manager serves
// boot-time reads and per-operation transactions.
type KV interface {
	Get(key []byte) ([]byte, error)
	Put(key []byte, value []byte) error
	Delete(key []byte) error
}

// Manager reads and writes ledger records as RLP payloads under
// keccak256-hashed, prefix-scoped keys.
type Manager struct {
	kv KV
}

// NewManager creates a state manager operating on the provided key-value
// surface.
func NewManager(kv KV) *Manager {
	return &Manager{kv: kv}
}

// AssetMetadata describes a registered reserve asset.
type AssetMetadata struct {
	Symbol   string
	Name     string
	Decimals uint8
}

// CreditParams is the module configuration written once at initialization.
type CreditParams struct {
	ReserveAsset string
	ChainID      uint64
}

// RoleCreditAdmin marks identities allowed to perform administrative credit
// operations.
const RoleCreditAdmin = "ROLE_CREDIT_ADMIN"

var (
	assetPrefix      = []byte("asset:")
	assetListKey     = ethcrypto.Keccak256([]byte("asset-list"))
	balancePrefix    = []byte("balance:")
	rolePrefix       = []byte("role:")
	creditLinePrefix = []byte("credit/line:")
	creditParamsKey  = ethcrypto.Keccak256([]byte("credit/params"))
	noncePrefix      = []byte("credit/nonce:")
	quotaPrefix      = []byte("credit/quota:")
	pausePrefix      = []byte("pause:")
)

func prefixedKey(prefix []byte, suffix []byte) []byte {
	buf := make([]byte, len(prefix)+len(suffix))
	copy(buf, prefix)
	copy(buf[len(prefix):], suffix)
	return ethcrypto.Keccak256(buf)
}

func assetKey(symbol string) []byte { return prefixedKey(assetPrefix, []byte(symbol)) }

func balanceKey(addr []byte, symbol string) []byte {
	buf := make([]byte, len(symbol)+1+len(addr))
	copy(buf, symbol)
	buf[len(symbol)] = ':'
	copy(buf[len(symbol)+1:], addr)
	return prefixedKey(balancePrefix, buf)
}

func roleKey(role string) []byte { return prefixedKey(rolePrefix, []byte(role)) }

func creditLineKey(borrower [20]byte) []byte { return prefixedKey(creditLinePrefix, borrower[:]) }

func nonceKey(addr [20]byte) []byte { return prefixedKey(noncePrefix, addr[:]) }

func quotaKey(addr [20]byte) []byte { return prefixedKey(quotaPrefix, addr[:]) }

func pauseKey(module string) []byte { return prefixedKey(pausePrefix, []byte(module)) }

// getRaw translates the storage not-found sentinel into an ok flag so callers
// can distinguish absence from failure.
func (m *Manager) getRaw(key []byte) ([]byte, bool, error) {
	data, err := m.kv.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	return data, true, nil
}

func (m *Manager) putRLP(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.kv.Put(key, encoded)
}

// --- asset registry ---

func (m *Manager) loadAssetList() ([]string, error) {
	data, ok, err := m.getRaw(assetListKey)
	if err != nil || !ok {
		return []string{}, err
	}
	var list []string
	if err := rlp.DecodeBytes(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// RegisterAsset stores the metadata for a reserve asset and records it in the
// asset index. Registering the same symbol twice fails. The display name is
// NFKC-normalized before it is persisted.
func (m *Manager) RegisterAsset(symbol, name string, decimals uint8) error {
	normalized, err := credit.NormalizeAsset(symbol)
	if err != nil {
		return err
	}
	name = norm.NFKC.String(strings.TrimSpace(name))
	if name == "" {
		return fmt.Errorf("asset %s: name must not be empty", normalized)
	}
	if existing, err := m.Asset(normalized); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("asset %s already registered", normalized)
	}

	list, err := m.loadAssetList()
	if err != nil {
		return err
	}
	list = append(list, normalized)
	sort.Strings(list)
	if err := m.putRLP(assetListKey, list); err != nil {
		return err
	}
	return m.putRLP(assetKey(normalized), &AssetMetadata{Symbol: normalized, Name: name, Decimals: decimals})
}

// Asset retrieves metadata for a registered asset, or nil when unknown.
func (m *Manager) Asset(symbol string) (*AssetMetadata, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	data, ok, err := m.getRaw(assetKey(normalized))
	if err != nil || !ok {
		return nil, err
	}
	meta := new(AssetMetadata)
	if err := rlp.DecodeBytes(data, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// AssetList returns all registered asset symbols in sorted order.
func (m *Manager) AssetList() ([]string, error) {
	return m.loadAssetList()
}

// AssetExists reports whether the provided asset symbol is registered.
func (m *Manager) AssetExists(symbol string) bool {
	meta, err := m.Asset(symbol)
	return err == nil && meta != nil
}

// --- balances ---

// SetBalance stores an account balance for the provided asset.
func (m *Manager) SetBalance(addr []byte, symbol string, amount *big.Int) error {
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative balance not allowed")
	}
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if !m.AssetExists(normalized) {
		return fmt.Errorf("asset %s not registered", normalized)
	}
	return m.putRLP(balanceKey(addr, normalized), amount)
}

// Balance retrieves an asset balance for the provided account. Unknown
// accounts hold zero.
func (m *Manager) Balance(addr []byte, symbol string) (*big.Int, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	data, ok, err := m.getRaw(balanceKey(addr, normalized))
	if err != nil || !ok {
		return big.NewInt(0), err
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// --- roles ---

// SetRole associates an address with the specified role. Duplicate
// assignments are ignored while the stored list remains sorted for
// determinism.
func (m *Manager) SetRole(role string, addr []byte) error {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return fmt.Errorf("role must not be empty")
	}
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	members, err := m.RoleMembers(trimmed)
	if err != nil {
		return err
	}
	for _, existing := range members {
		if bytes.Equal(existing, addr) {
			return nil
		}
	}
	members = append(members, append([]byte(nil), addr...))
	sort.Slice(members, func(i, j int) bool {
		return hex.EncodeToString(members[i]) < hex.EncodeToString(members[j])
	})
	return m.putRLP(roleKey(trimmed), members)
}

// RoleMembers returns all addresses assigned to the provided role.
func (m *Manager) RoleMembers(role string) ([][]byte, error) {
	data, ok, err := m.getRaw(roleKey(strings.TrimSpace(role)))
	if err != nil || !ok {
		return [][]byte{}, err
	}
	var members [][]byte
	if err := rlp.DecodeBytes(data, &members); err != nil {
		return nil, err
	}
	return members, nil
}

// HasRole reports whether the provided address is associated with the
// specified role. Read errors report false, matching the best-effort
// semantics the capability checks require.
func (m *Manager) HasRole(role string, addr []byte) bool {
	if len(addr) == 0 {
		return false
	}
	members, err := m.RoleMembers(role)
	if err != nil {
		return false
	}
	for _, member := range members {
		if bytes.Equal(member, addr) {
			return true
		}
	}
	return false
}

// --- credit lines ---

// CreditLineGet loads the borrower's record. The boolean reports existence.
func (m *Manager) CreditLineGet(borrower [20]byte) (*credit.CreditLine, bool, error) {
	data, ok, err := m.getRaw(creditLineKey(borrower))
	if err != nil || !ok {
		return nil, false, err
	}
	line := new(credit.CreditLine)
	if err := rlp.DecodeBytes(data, line); err != nil {
		return nil, false, err
	}
	return line, true, nil
}

// CreditLinePut validates and persists the borrower's record. Each borrower
// owns exactly one storage slot; a put fully replaces the previous record.
func (m *Manager) CreditLinePut(line *credit.CreditLine) error {
	sanitized, err := credit.SanitizeCreditLine(line)
	if err != nil {
		return err
	}
	return m.putRLP(creditLineKey(sanitized.Borrower), sanitized)
}

// --- module params ---

// SetCreditParams writes the module configuration. Initialization is
// one-shot: a second write fails.
func (m *Manager) SetCreditParams(params *CreditParams) error {
	if params == nil {
		return fmt.Errorf("credit params required")
	}
	normalized, err := credit.NormalizeAsset(params.ReserveAsset)
	if err != nil {
		return err
	}
	if existing, err := m.CreditParams(); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("credit module already initialized")
	}
	return m.putRLP(creditParamsKey, &CreditParams{ReserveAsset: normalized, ChainID: params.ChainID})
}

// CreditParams returns the module configuration, or nil before
// initialization.
func (m *Manager) CreditParams() (*CreditParams, error) {
	data, ok, err := m.getRaw(creditParamsKey)
	if err != nil || !ok {
		return nil, err
	}
	params := new(CreditParams)
	if err := rlp.DecodeBytes(data, params); err != nil {
		return nil, err
	}
	return params, nil
}

// --- borrower nonces ---

// CreditNonce returns the highest instruction nonce accepted for the address.
func (m *Manager) CreditNonce(addr [20]byte) (uint64, error) {
	data, ok, err := m.getRaw(nonceKey(addr))
	if err != nil || !ok {
		return 0, err
	}
	var nonce uint64
	if err := rlp.DecodeBytes(data, &nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

// SetCreditNonce records the highest accepted instruction nonce.
func (m *Manager) SetCreditNonce(addr [20]byte, nonce uint64) error {
	return m.putRLP(nonceKey(addr), nonce)
}

// --- borrower quotas ---

type storedQuota struct {
	ReqCount  uint32
	ValueUsed *big.Int
	EpochID   uint64
}

// CreditQuota returns the usage counters recorded for the address.
func (m *Manager) CreditQuota(addr [20]byte) (nativecommon.QuotaNow, error) {
	data, ok, err := m.getRaw(quotaKey(addr))
	if err != nil || !ok {
		return nativecommon.QuotaNow{ValueUsed: big.NewInt(0)}, err
	}
	stored := new(storedQuota)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nativecommon.QuotaNow{}, err
	}
	return nativecommon.QuotaNow{ReqCount: stored.ReqCount, ValueUsed: stored.ValueUsed, EpochID: stored.EpochID}, nil
}

// SetCreditQuota persists the usage counters for the address.
func (m *Manager) SetCreditQuota(addr [20]byte, now nativecommon.QuotaNow) error {
	used := now.ValueUsed
	if used == nil {
		used = big.NewInt(0)
	}
	if used.Sign() < 0 {
		return fmt.Errorf("quota value must be non-negative")
	}
	return m.putRLP(quotaKey(addr), &storedQuota{ReqCount: now.ReqCount, ValueUsed: used, EpochID: now.EpochID})
}

// --- module pauses ---

// SetModulePaused toggles the administrative halt flag for a module.
func (m *Manager) SetModulePaused(module string, paused bool) error {
	trimmed := strings.TrimSpace(module)
	if trimmed == "" {
		return fmt.Errorf("module name required")
	}
	return m.putRLP(pauseKey(trimmed), paused)
}

// ModulePaused reports the halt flag for a module. Read errors report false.
func (m *Manager) ModulePaused(module string) bool {
	data, ok, err := m.getRaw(pauseKey(strings.TrimSpace(module)))
	if err != nil || !ok {
		return false
	}
	var paused bool
	if err := rlp.DecodeBytes(data, &paused); err != nil {
		return false
	}
	return paused
}
