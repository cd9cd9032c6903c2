package killswitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sync/singleflight"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/settings"
)

// SchemaVersion is written with every stored blob.
const SchemaVersion = "1.0.0"

// DefaultTTL bounds how long a cached flag set is served.
const DefaultTTL = 30 * time.Second

var supportedSchema = mustConstraint("^1.0.0")

func mustConstraint(c string) *semver.Constraints {
	v, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return v
}

// blob is the persisted layout.
type blob struct {
	SchemaVersion string          `json:"schema_version"`
	Flags         json.RawMessage `json:"flags"`
	UpdatedBy     string          `json:"updated_by,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at,omitempty"`
}

// Gate serves flags from a short-lived cache in front of the settings store.
// Reads never fail: when the store is unreachable the safe defaults are
// returned and nothing is cached, so recovery is picked up on the next call.
type Gate struct {
	store  settings.Store
	ttl    time.Duration
	clock  func() time.Time
	logger *slog.Logger
	group  singleflight.Group

	mu       sync.RWMutex
	cached   *Flags
	cachedAt time.Time
	// gen counts Update and Invalidate calls. A refill that started under
	// an older gen must not overwrite what they left in the cache.
	gen uint64
}

// Option configures a Gate.
type Option func(*Gate)

func WithTTL(ttl time.Duration) Option { return func(g *Gate) { g.ttl = ttl } }

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option { return func(g *Gate) { g.clock = clock } }

func WithLogger(l *slog.Logger) Option { return func(g *Gate) { g.logger = l } }

// NewGate creates a gate over store.
func NewGate(store settings.Store, opts ...Option) *Gate {
	g := &Gate{
		store:  store,
		ttl:    DefaultTTL,
		clock:  time.Now,
		logger: slog.Default().With("component", "killswitch"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GetFlags returns the current flags.
func (g *Gate) GetFlags(ctx context.Context) Flags {
	g.mu.RLock()
	if g.cached != nil && g.clock().Sub(g.cachedAt) < g.ttl {
		f := *g.cached
		g.mu.RUnlock()
		return f
	}
	g.mu.RUnlock()

	v, _, _ := g.group.Do("load", func() (any, error) {
		g.mu.RLock()
		gen := g.gen
		g.mu.RUnlock()

		f, _, err := g.load(ctx)
		if err != nil {
			g.logger.WarnContext(ctx, "kill switch read failed, serving defaults", "error", err)
			return Defaults(), nil
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.gen != gen {
			if g.cached != nil {
				return *g.cached, nil
			}
			return f, nil
		}
		g.cached = &f
		g.cachedAt = g.clock()
		return f, nil
	})
	return v.(Flags)
}

// load reads and decodes the stored blob. A missing key yields defaults.
func (g *Gate) load(ctx context.Context) (Flags, int64, error) {
	e, err := g.store.Get(ctx, settings.KeyKillSwitches)
	if errors.Is(err, settings.ErrNotFound) {
		return Defaults(), 0, nil
	}
	if err != nil {
		return Flags{}, 0, err
	}
	f, err := decode(e.Value)
	if err != nil {
		return Flags{}, 0, err
	}
	return f, e.Version, nil
}

// decode merges stored flags over the defaults. Blobs written before
// schema versioning hold the flag object at the top level.
func decode(raw []byte) (Flags, error) {
	var b blob
	if err := json.Unmarshal(raw, &b); err != nil {
		return Flags{}, fmt.Errorf("killswitch: decode: %w", err)
	}
	payload := b.Flags
	if b.SchemaVersion == "" {
		payload = raw
	} else {
		v, err := semver.NewVersion(b.SchemaVersion)
		if err != nil {
			return Flags{}, fmt.Errorf("killswitch: schema version %q: %w", b.SchemaVersion, err)
		}
		if !supportedSchema.Check(v) {
			return Flags{}, fmt.Errorf("killswitch: unsupported schema version %s", v)
		}
	}

	f := Defaults()
	if len(payload) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(payload, &f); err != nil {
		return Flags{}, fmt.Errorf("killswitch: decode flags: %w", err)
	}
	return f, nil
}

// IsEnabled reports a single flag.
func (g *Gate) IsEnabled(ctx context.Context, flag Flag) bool {
	return g.GetFlags(ctx).Enabled(flag)
}

// IsPaymentMethodEnabled requires both the master payments switch and the
// method's own switch. Unknown methods are disabled.
func (g *Gate) IsPaymentMethodEnabled(ctx context.Context, method string) bool {
	flag, ok := methodFlags[method]
	if !ok {
		return false
	}
	f := g.GetFlags(ctx)
	return f.PaymentsEnabled && f.Enabled(flag)
}

// RequireFeature returns *FeatureDisabledError when flag is off.
func (g *Gate) RequireFeature(ctx context.Context, flag Flag) error {
	if !g.IsEnabled(ctx, flag) {
		return &FeatureDisabledError{Flag: flag}
	}
	return nil
}

// RequirePaymentMethod returns *FeatureDisabledError naming the switch that
// blocks method: the master payments switch first, then the method's own.
func (g *Gate) RequirePaymentMethod(ctx context.Context, method string) error {
	flag, ok := methodFlags[method]
	if !ok {
		return fmt.Errorf("killswitch: unknown payment method %q", method)
	}
	f := g.GetFlags(ctx)
	if !f.PaymentsEnabled {
		return &FeatureDisabledError{Flag: FlagPayments}
	}
	if !f.Enabled(flag) {
		return &FeatureDisabledError{Flag: flag}
	}
	return nil
}

// Invalidate drops the cached flags.
func (g *Gate) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cached = nil
	g.gen++
}

// maxUpdateAttempts bounds optimistic retries on concurrent writers.
const maxUpdateAttempts = 3

// Update applies patch over the stored flags and refreshes the cache.
// Keys absent from patch keep their stored value.
func (g *Gate) Update(ctx context.Context, patch map[Flag]bool, actor string) (Flags, error) {
	for name := range patch {
		if _, known := knownFlags[name]; !known {
			return Flags{}, &UnknownFlagError{Flag: name}
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, version, err := g.load(ctx)
		if err != nil {
			return Flags{}, fmt.Errorf("killswitch: update: %w", err)
		}
		next := apply(current, patch)

		flagsRaw, err := json.Marshal(next)
		if err != nil {
			return Flags{}, err
		}
		raw, err := json.Marshal(blob{
			SchemaVersion: SchemaVersion,
			Flags:         flagsRaw,
			UpdatedBy:     actor,
			UpdatedAt:     g.clock().UTC(),
		})
		if err != nil {
			return Flags{}, err
		}

		e, err := g.store.CompareAndPut(ctx, settings.KeyKillSwitches, raw, version)
		if errors.Is(err, settings.ErrVersionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return Flags{}, fmt.Errorf("killswitch: update: %w", err)
		}

		g.mu.Lock()
		g.cached = &next
		g.cachedAt = g.clock()
		g.gen++
		g.mu.Unlock()

		g.logger.InfoContext(ctx, "kill switches updated", "actor", actor, "version", e.Version, "patch", patch)
		return next, nil
	}
	return Flags{}, fmt.Errorf("killswitch: update: %w", lastErr)
}

var knownFlags = map[Flag]struct{}{
	FlagPayments: {}, FlagCard: {}, FlagWallet: {}, FlagCOD: {}, FlagCheckout: {},
	FlagCoupons: {}, FlagRegistration: {}, FlagAdminManualPay: {}, FlagPOS: {},
}

func apply(f Flags, patch map[Flag]bool) Flags {
	for name, on := range patch {
		switch name {
		case FlagPayments:
			f.PaymentsEnabled = on
		case FlagCard:
			f.CardEnabled = on
		case FlagWallet:
			f.WalletEnabled = on
		case FlagCOD:
			f.CODEnabled = on
		case FlagCheckout:
			f.CheckoutEnabled = on
		case FlagCoupons:
			f.CouponsEnabled = on
		case FlagRegistration:
			f.RegistrationEnabled = on
		case FlagAdminManualPay:
			f.AdminManualPay = on
		case FlagPOS:
			f.POSEnabled = on
		}
	}
	return f
}
