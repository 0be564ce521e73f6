package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"creditline/core/events"
	"creditline/core/state"
	"creditline/core/types"
	"creditline/crypto"
	nativecommon "creditline/native/common"
	"creditline/native/credit"
	"creditline/observability"
	"creditline/storage"
)

var (
	// ErrLedgerNotInitialized is returned when an operation runs before genesis.
	ErrLedgerNotInitialized = errors.New("ledger: not initialized")
	// ErrLedgerAlreadyInitialized is returned when genesis is applied twice.
	ErrLedgerAlreadyInitialized = errors.New("ledger: already initialized")
	// ErrInsufficientReserve is returned when the reserve vault cannot cover a draw.
	ErrInsufficientReserve = errors.New("ledger: insufficient reserve balance")
)

// ReserveVaultAddress is the deterministic account holding the funds credit
// draws disburse from. Deriving it from a fixed label keeps genesis files free
// of magic addresses.
func ReserveVaultAddress() crypto.Address {
	digest := ethcrypto.Keccak256([]byte("creditline/reserve-vault"))
	return crypto.MustAddressFromBytes(digest[12:])
}

// GenesisConfig seeds an empty ledger: the reserve asset, the operator set
// holding the credit admin role and the opening reserve balance.
type GenesisConfig struct {
	ChainID        uint64
	ReserveAsset   string
	AssetName      string
	AssetDecimals  uint8
	Admins         []crypto.Address
	ReserveBalance *big.Int
}

// Ledger serializes credit operations over a single persistent store. Each
// operation runs inside its own transaction; buffered events reach the stream
// only after the transaction commits.
type Ledger struct {
	mu     sync.Mutex
	db     storage.Database
	stream *EventStream
	log    *slog.Logger
	tracer trace.Tracer
	clock  func() time.Time
	quota  nativecommon.Quota

	chainID uint64
	asset   string
	reserve [20]byte
}

// LedgerOption customizes ledger construction.
type LedgerOption func(*Ledger)

// WithLogger overrides the default slog logger.
func WithLogger(log *slog.Logger) LedgerOption {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// WithClock overrides the wall clock, used by quota epoch accounting.
func WithClock(clock func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithQuota enables per-borrower throttling of signed instructions.
func WithQuota(q nativecommon.Quota) LedgerOption {
	return func(l *Ledger) { l.quota = q }
}

// NewLedger opens a ledger over the supplied database. If the store already
// carries genesis parameters they are loaded; otherwise Initialize must run
// before any operation.
func NewLedger(db storage.Database, opts ...LedgerOption) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger: database must not be nil")
	}
	l := &Ledger{
		db:      db,
		stream:  NewEventStream(),
		log:     slog.Default(),
		tracer:  otel.Tracer("creditline/core"),
		clock:   time.Now,
		reserve: ReserveVaultAddress(),
	}
	for _, opt := range opts {
		opt(l)
	}
	params, err := state.NewManager(db).CreditParams()
	if err != nil {
		return nil, fmt.Errorf("ledger: load params: %w", err)
	}
	if params != nil {
		l.asset = params.ReserveAsset
		l.chainID = params.ChainID
	}
	return l, nil
}

// Bootstrapped reports whether genesis parameters are present.
func (l *Ledger) Bootstrapped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.asset != ""
}

// ChainID returns the chain identifier bound into signed instructions.
func (l *Ledger) ChainID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chainID
}

// ReserveAsset returns the symbol of the asset moved on draws.
func (l *Ledger) ReserveAsset() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.asset
}

// Initialize applies the genesis configuration exactly once: it registers the
// reserve asset, grants the admin role, funds the reserve vault and persists
// the ledger parameters.
func (l *Ledger) Initialize(genesis GenesisConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.asset != "" {
		return ErrLedgerAlreadyInitialized
	}
	if genesis.ChainID == 0 {
		return fmt.Errorf("ledger: genesis chain id required")
	}
	asset, err := credit.NormalizeAsset(genesis.ReserveAsset)
	if err != nil {
		return fmt.Errorf("ledger: genesis reserve asset: %w", err)
	}
	if len(genesis.Admins) == 0 {
		return fmt.Errorf("ledger: at least one admin required")
	}
	funding := big.NewInt(0)
	if genesis.ReserveBalance != nil {
		if genesis.ReserveBalance.Sign() < 0 {
			return fmt.Errorf("ledger: reserve balance must not be negative")
		}
		funding = new(big.Int).Set(genesis.ReserveBalance)
	}

	txn := state.NewTxn(l.db)
	manager := state.NewManager(txn)
	if existing, err := manager.CreditParams(); err != nil {
		return fmt.Errorf("ledger: load params: %w", err)
	} else if existing != nil {
		return ErrLedgerAlreadyInitialized
	}

	name := genesis.AssetName
	if name == "" {
		name = asset
	}
	if err := manager.RegisterAsset(asset, name, genesis.AssetDecimals); err != nil {
		return fmt.Errorf("ledger: register asset: %w", err)
	}

	admins := make([]crypto.Address, len(genesis.Admins))
	copy(admins, genesis.Admins)
	sort.Slice(admins, func(i, j int) bool {
		return bytes.Compare(admins[i][:], admins[j][:]) < 0
	})
	for _, admin := range admins {
		if err := manager.SetRole(state.RoleCreditAdmin, admin.Bytes()); err != nil {
			return fmt.Errorf("ledger: grant admin role: %w", err)
		}
	}

	if funding.Sign() > 0 {
		if err := manager.SetBalance(l.reserve[:], asset, funding); err != nil {
			return fmt.Errorf("ledger: fund reserve: %w", err)
		}
	}
	if err := manager.SetCreditParams(&state.CreditParams{ReserveAsset: asset, ChainID: genesis.ChainID}); err != nil {
		return fmt.Errorf("ledger: persist params: %w", err)
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("ledger: commit genesis: %w", err)
	}

	l.asset = asset
	l.chainID = genesis.ChainID
	l.log.Info("ledger initialized",
		"asset", asset,
		"chainId", genesis.ChainID,
		"admins", len(admins),
		"reserveBalance", funding.String(),
	)
	return nil
}

// ledgerVault moves reserve asset balances inside the active transaction. It
// satisfies the engine's value transfer contract.
type ledgerVault struct {
	manager *state.Manager
	reserve [20]byte
}

func (v ledgerVault) Transfer(from, to [20]byte, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("ledger: transfer amount must be positive")
	}
	fromBalance, err := v.manager.Balance(from[:], asset)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrInsufficientReserve
	}
	toBalance, err := v.manager.Balance(to[:], asset)
	if err != nil {
		return err
	}
	if err := v.manager.SetBalance(from[:], asset, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	if err := v.manager.SetBalance(to[:], asset, new(big.Int).Add(toBalance, amount)); err != nil {
		return err
	}
	direction := "out"
	if to == v.reserve {
		direction = "in"
	}
	observability.Transfers().RecordTransfer(asset, direction)
	return nil
}

type ledgerAuthorizer struct {
	manager *state.Manager
}

func (a ledgerAuthorizer) IsAdmin(addr [20]byte) bool {
	return a.manager.HasRole(state.RoleCreditAdmin, addr[:])
}

type ledgerPauses struct {
	manager *state.Manager
}

func (p ledgerPauses) IsPaused(module string) bool {
	return p.manager.ModulePaused(module)
}

type eventWithPayload interface {
	Event() *types.Event
}

// bufferedEmitter holds events emitted during a transaction until commit.
type bufferedEmitter struct {
	events []*types.Event
}

func (b *bufferedEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	payload, ok := evt.(eventWithPayload)
	if !ok {
		return
	}
	event := payload.Event()
	if event == nil {
		return
	}
	b.events = append(b.events, event)
}

func (l *Ledger) newEngine(manager *state.Manager, emitter events.Emitter) *credit.Engine {
	engine := credit.NewEngine(l.reserve, l.asset)
	engine.SetState(manager)
	engine.SetAuthorizer(ledgerAuthorizer{manager: manager})
	engine.SetVault(ledgerVault{manager: manager, reserve: l.reserve})
	engine.SetPauses(ledgerPauses{manager: manager})
	engine.SetEmitter(emitter)
	return engine
}

// run executes one operation inside a fresh transaction under the ledger
// mutex. Events buffered by the engine are published only after the commit
// succeeds.
func (l *Ledger) run(ctx context.Context, op string, fn func(engine *credit.Engine, manager *state.Manager) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	started := l.clock()
	_, span := l.tracer.Start(ctx, "ledger."+op,
		trace.WithAttributes(attribute.String("ledger.op", op)))
	defer span.End()

	err := func() error {
		if l.asset == "" {
			return ErrLedgerNotInitialized
		}
		txn := state.NewTxn(l.db)
		manager := state.NewManager(txn)
		emitter := &bufferedEmitter{}
		engine := l.newEngine(manager, emitter)
		if err := fn(engine, manager); err != nil {
			return err
		}
		if err := txn.Commit(); err != nil {
			return fmt.Errorf("ledger: commit %s: %w", op, err)
		}
		for _, evt := range emitter.events {
			l.stream.Publish(evt)
			observability.Ledger().RecordEvent(evt.Type)
		}
		return nil
	}()

	observability.Ledger().ObserveOperation(op, err, l.clock().Sub(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		l.log.Warn("ledger operation rejected", "op", op, "error", err)
		return err
	}
	span.SetStatus(otelcodes.Ok, "committed")
	return nil
}

// consumeInstruction verifies a signed borrower instruction against the chain
// identifier, advances the replay nonce and charges the per-borrower quota.
// All writes land in the active transaction, so a failed operation burns
// neither nonce nor quota.
func (l *Ledger) consumeInstruction(manager *state.Manager, ins CreditInstruction, sig []byte, intent string) ([20]byte, *big.Int, error) {
	var zero [20]byte
	if ins.NormalizedIntent() != intent {
		return zero, nil, fmt.Errorf("%w: expected %s", ErrInstructionIntent, intent)
	}
	addr, err := ins.Verify(sig, l.chainID)
	if err != nil {
		return zero, nil, err
	}
	borrower := [20]byte(addr)

	stored, err := manager.CreditNonce(borrower)
	if err != nil {
		return zero, nil, err
	}
	if ins.Nonce <= stored {
		return zero, nil, fmt.Errorf("%w: submitted %d, watermark %d", ErrInstructionNonce, ins.Nonce, stored)
	}
	if err := manager.SetCreditNonce(borrower, ins.Nonce); err != nil {
		return zero, nil, err
	}

	amount, err := ins.AmountBig()
	if err != nil {
		return zero, nil, err
	}
	if l.quota.Enabled() {
		prev, err := manager.CreditQuota(borrower)
		if err != nil {
			return zero, nil, err
		}
		epoch := uint64(l.clock().Unix()) / uint64(l.quota.EpochSeconds)
		value := big.NewInt(0)
		if intent == CreditIntentDraw {
			value = amount
		}
		next, err := nativecommon.CheckQuota(l.quota, epoch, prev, 1, value)
		if err != nil {
			return zero, nil, err
		}
		if err := manager.SetCreditQuota(borrower, next); err != nil {
			return zero, nil, err
		}
	}
	return borrower, amount, nil
}

// Open provisions a credit line. The caller must hold the admin role.
func (l *Ledger) Open(ctx context.Context, caller, borrower [20]byte, limit *big.Int, rateBps, riskScore uint32) (*credit.CreditLine, error) {
	var line *credit.CreditLine
	err := l.run(ctx, "open", func(engine *credit.Engine, _ *state.Manager) error {
		var opErr error
		line, opErr = engine.Open(caller, borrower, limit, rateBps, riskScore)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return line, nil
}

// UpdateParameters overwrites the limit, rate and risk score of a line. The
// caller must hold the admin role.
func (l *Ledger) UpdateParameters(ctx context.Context, caller, borrower [20]byte, limit *big.Int, rateBps, riskScore uint32) (*credit.CreditLine, error) {
	var line *credit.CreditLine
	err := l.run(ctx, "update_parameters", func(engine *credit.Engine, _ *state.Manager) error {
		var opErr error
		line, opErr = engine.UpdateParameters(caller, borrower, limit, rateBps, riskScore)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return line, nil
}

// Suspend freezes new draws on an active line. The caller must hold the admin
// role.
func (l *Ledger) Suspend(ctx context.Context, caller, borrower [20]byte) (*credit.CreditLine, error) {
	var line *credit.CreditLine
	err := l.run(ctx, "suspend", func(engine *credit.Engine, _ *state.Manager) error {
		var opErr error
		line, opErr = engine.Suspend(caller, borrower)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return line, nil
}

// Close retires a line. Admins may close at any utilization; the borrower
// path goes through CloseInstruction instead.
func (l *Ledger) Close(ctx context.Context, caller, borrower [20]byte) (*credit.CreditLine, error) {
	var line *credit.CreditLine
	err := l.run(ctx, "close", func(engine *credit.Engine, _ *state.Manager) error {
		var opErr error
		line, opErr = engine.Close(caller, borrower)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return line, nil
}

// MarkDefaulted flags a line as defaulted, preserving its utilization for
// collections. The caller must hold the admin role.
func (l *Ledger) MarkDefaulted(ctx context.Context, caller, borrower [20]byte) (*credit.CreditLine, error) {
	var line *credit.CreditLine
	err := l.run(ctx, "default", func(engine *credit.Engine, _ *state.Manager) error {
		var opErr error
		line, opErr = engine.MarkDefaulted(caller, borrower)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return line, nil
}

// Draw verifies a signed draw instruction and disburses reserve funds to the
// borrower.
func (l *Ledger) Draw(ctx context.Context, ins CreditInstruction, sig []byte) (*credit.CreditLine, error) {
	var line *credit.CreditLine
	err := l.run(ctx, "draw", func(engine *credit.Engine, manager *state.Manager) error {
		borrower, amount, err := l.consumeInstruction(manager, ins, sig, CreditIntentDraw)
		if err != nil {
			return err
		}
		line, err = engine.Draw(borrower, borrower, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return line, nil
}

// Repay verifies a signed repay instruction and reduces utilization by the
// applied amount, capped at the outstanding balance.
func (l *Ledger) Repay(ctx context.Context, ins CreditInstruction, sig []byte) (*credit.CreditLine, *big.Int, error) {
	var (
		line    *credit.CreditLine
		applied *big.Int
	)
	err := l.run(ctx, "repay", func(engine *credit.Engine, manager *state.Manager) error {
		borrower, amount, err := l.consumeInstruction(manager, ins, sig, CreditIntentRepay)
		if err != nil {
			return err
		}
		line, applied, err = engine.Repay(borrower, borrower, amount)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return line, applied, nil
}

// CloseInstruction verifies a signed close instruction. Borrowers may only
// close their own line once utilization is zero.
func (l *Ledger) CloseInstruction(ctx context.Context, ins CreditInstruction, sig []byte) (*credit.CreditLine, error) {
	var line *credit.CreditLine
	err := l.run(ctx, "close", func(engine *credit.Engine, manager *state.Manager) error {
		borrower, _, err := l.consumeInstruction(manager, ins, sig, CreditIntentClose)
		if err != nil {
			return err
		}
		line, err = engine.Close(borrower, borrower)
		return err
	})
	if err != nil {
		return nil, err
	}
	return line, nil
}

// SetPaused toggles the module pause flag. The caller must hold the admin
// role; unpausing works while paused.
func (l *Ledger) SetPaused(ctx context.Context, caller [20]byte, paused bool) error {
	err := l.run(ctx, "set_pause", func(_ *credit.Engine, manager *state.Manager) error {
		if !manager.HasRole(state.RoleCreditAdmin, caller[:]) {
			return credit.ErrUnauthorized
		}
		return manager.SetModulePaused(credit.ModuleName, paused)
	})
	if err != nil {
		return err
	}
	l.log.Info("credit module pause toggled", "paused", paused)
	return nil
}

// Paused reports whether mutating credit operations are currently suspended.
func (l *Ledger) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.asset == "" {
		return false
	}
	return state.NewManager(l.db).ModulePaused(credit.ModuleName)
}

// Get returns a snapshot of the borrower's credit line. Reads stay available
// while the module is paused.
func (l *Ledger) Get(borrower [20]byte) (*credit.CreditLine, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.asset == "" {
		return nil, false, ErrLedgerNotInitialized
	}
	return state.NewManager(l.db).CreditLineGet(borrower)
}

// Nonce returns the highest consumed instruction nonce for the borrower.
func (l *Ledger) Nonce(borrower [20]byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.asset == "" {
		return 0, ErrLedgerNotInitialized
	}
	return state.NewManager(l.db).CreditNonce(borrower)
}

// Balance returns the reserve asset balance held by the address.
func (l *Ledger) Balance(addr [20]byte) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.asset == "" {
		return nil, ErrLedgerNotInitialized
	}
	return state.NewManager(l.db).Balance(addr[:], l.asset)
}

// ReserveAddress returns the deterministic reserve vault account.
func (l *Ledger) ReserveAddress() crypto.Address {
	return crypto.Address(l.reserve)
}

// IsAdmin reports whether the address holds the credit admin role.
func (l *Ledger) IsAdmin(addr [20]byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.asset == "" {
		return false
	}
	return state.NewManager(l.db).HasRole(state.RoleCreditAdmin, addr[:])
}

// Subscribe attaches a listener to the committed event stream.
func (l *Ledger) Subscribe(ctx context.Context, cursor string) (<-chan StreamEvent, func(), []StreamEvent, error) {
	return l.stream.Subscribe(ctx, cursor)
}

// ListEvents pages through retained committed events.
func (l *Ledger) ListEvents(prefix, cursor string, limit int) ([]StreamEvent, error) {
	return l.stream.Events(prefix, cursor, limit)
}
