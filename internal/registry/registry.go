// Package registry holds the active fraud-pattern set as immutable,
// versioned snapshots that are swapped atomically on reload.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// OverlayVelocityID is the id of the env-managed velocity pattern.
const OverlayVelocityID = "velocity-limits"

// CompiledPattern is a validated pattern ready for evaluation.
type CompiledPattern struct {
	Pattern domain.FraudPattern
	Params  domain.PatternParams

	// Scope is nil when the pattern applies to every transfer.
	Scope cel.Program
}

// InvalidPattern is an active pattern that failed validation.
type InvalidPattern struct {
	ID   string
	Kind domain.PatternKind
	Err  error
}

// Snapshot is one complete, internally consistent pattern set.
// Snapshots are never mutated after publication.
type Snapshot struct {
	Version  uint64
	Patterns []*CompiledPattern // active and valid, sorted by id
	Invalid  []InvalidPattern   // active but rejected, sorted by id
	LoadedAt time.Time
}

// Get returns the compiled pattern with id, or nil.
func (s *Snapshot) Get(id string) *CompiledPattern {
	i := sort.Search(len(s.Patterns), func(i int) bool { return s.Patterns[i].Pattern.ID >= id })
	if i < len(s.Patterns) && s.Patterns[i].Pattern.ID == id {
		return s.Patterns[i]
	}
	return nil
}

// Registry is a copy-on-write pattern registry. Readers call Snapshot and
// never block; writers are serialized and publish a fresh snapshot.
type Registry struct {
	env     *cel.Env
	current atomic.Pointer[Snapshot]

	mu      sync.Mutex
	base    map[string]domain.FraudPattern
	overlay map[string]domain.FraudPattern
	version uint64

	logger *slog.Logger
}

// New creates an empty registry. The initial snapshot has version 0.
func New(logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := NewEnv()
	if err != nil {
		return nil, err
	}

	r := &Registry{
		env:     env,
		base:    make(map[string]domain.FraudPattern),
		overlay: make(map[string]domain.FraudPattern),
		logger:  logger,
	}
	r.current.Store(&Snapshot{LoadedAt: time.Now().UTC()})
	return r, nil
}

// Snapshot returns the current pattern set.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Load replaces the persisted pattern set. Inactive patterns are kept out
// of the snapshot; invalid active patterns are recorded on it.
func (r *Registry) Load(patterns []*domain.FraudPattern) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	base := make(map[string]domain.FraudPattern, len(patterns))
	for _, p := range patterns {
		if p == nil {
			continue
		}
		base[p.ID] = *p
	}
	r.base = base
	return r.publish()
}

// SetOverlay replaces the env-managed patterns. A persisted pattern with
// the same id takes precedence over an overlay pattern.
func (r *Registry) SetOverlay(patterns []*domain.FraudPattern) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	overlay := make(map[string]domain.FraudPattern, len(patterns))
	for _, p := range patterns {
		if p == nil {
			continue
		}
		overlay[p.ID] = *p
	}
	r.overlay = overlay
	return r.publish()
}

// Upsert validates p and adds or replaces it in the persisted set.
// An invalid pattern is rejected and the snapshot is unchanged.
func (r *Registry) Upsert(p *domain.FraudPattern) (*Snapshot, error) {
	if p == nil {
		return nil, &domain.InvalidPatternConfigError{Reason: "pattern is required"}
	}
	if _, err := r.compile(p); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.base[p.ID] = *p
	return r.publish(), nil
}

// Deactivate marks a persisted pattern inactive.
func (r *Registry) Deactivate(id string) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.base[id]
	if !ok {
		return nil, fmt.Errorf("pattern %s: %w", id, domain.ErrNotFound)
	}
	p.Active = false
	r.base[id] = p
	return r.publish(), nil
}

// Validate compiles p without changing the registry.
func (r *Registry) Validate(p *domain.FraudPattern) error {
	_, err := r.compile(p)
	return err
}

// publish builds and stores a new snapshot. Caller holds r.mu.
func (r *Registry) publish() *Snapshot {
	merged := make(map[string]domain.FraudPattern, len(r.base)+len(r.overlay))
	for id, p := range r.overlay {
		merged[id] = p
	}
	for id, p := range r.base {
		merged[id] = p
	}

	ids := make([]string, 0, len(merged))
	for id, p := range merged {
		if p.Active {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	r.version++
	snap := &Snapshot{
		Version:  r.version,
		Patterns: make([]*CompiledPattern, 0, len(ids)),
		LoadedAt: time.Now().UTC(),
	}

	for _, id := range ids {
		p := merged[id]
		cp, err := r.compile(&p)
		if err != nil {
			r.logger.Warn("pattern rejected",
				"pattern_id", id,
				"kind", p.Kind,
				"error", err,
			)
			snap.Invalid = append(snap.Invalid, InvalidPattern{ID: id, Kind: p.Kind, Err: err})
			continue
		}
		snap.Patterns = append(snap.Patterns, cp)
	}

	r.current.Store(snap)

	r.logger.Info("pattern registry updated",
		"version", snap.Version,
		"active", len(snap.Patterns),
		"invalid", len(snap.Invalid),
	)
	return snap
}

func (r *Registry) compile(p *domain.FraudPattern) (*CompiledPattern, error) {
	params, err := p.Params()
	if err != nil {
		return nil, err
	}

	cp := &CompiledPattern{Pattern: *p, Params: params}
	if p.Scope == "" {
		return cp, nil
	}

	ast, issues := r.env.Compile(p.Scope)
	if issues != nil && issues.Err() != nil {
		return nil, &domain.InvalidPatternConfigError{PatternID: p.ID, Reason: fmt.Sprintf("scope: %v", issues.Err())}
	}
	if ast.OutputType() != cel.BoolType {
		return nil, &domain.InvalidPatternConfigError{PatternID: p.ID, Reason: fmt.Sprintf("scope must return bool, got %s", ast.OutputType())}
	}
	program, err := r.env.Program(ast)
	if err != nil {
		return nil, &domain.InvalidPatternConfigError{PatternID: p.ID, Reason: fmt.Sprintf("scope program: %v", err)}
	}
	cp.Scope = program
	return cp, nil
}
