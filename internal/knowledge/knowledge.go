// Package knowledge computes each agent's effective instruction set from
// base knowledge, standard knowledge and its active amendments, and caches
// the result per agent until an amendment mutation invalidates it.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/storage"
)

// Mode selects how computed knowledge is cached.
type Mode string

const (
	// ModeProcess caches per agent until invalidated.
	ModeProcess Mode = "process"
	// ModeRequest recomputes on every call.
	ModeRequest Mode = "request"
)

// ParseMode converts a configuration value to a Mode. Empty means process.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeProcess:
		return ModeProcess, nil
	case ModeRequest:
		return ModeRequest, nil
	}
	return "", fmt.Errorf("knowledge: unknown cache mode %q", s)
}

// Effective is an agent's merged instruction set.
type Effective struct {
	AgentRole  string      `json:"agent_role"`
	Knowledge  string      `json:"effective_knowledge"`
	Amendments []uuid.UUID `json:"amendment_ids"`
	ComputedAt time.Time   `json:"computed_at"`
	FromCache  bool        `json:"from_cache"`
}

// TaskContext describes the task instructions are requested for.
type TaskContext struct {
	Category string `json:"category"`
}

// Notifier broadcasts invalidations to other instances.
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// Computer merges and caches effective knowledge.
type Computer struct {
	store    storage.Store
	logger   *slog.Logger
	mode     Mode
	notifier Notifier
	now      func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]Effective
	// gen counts invalidations per agent so a computation that raced an
	// invalidation is not cached.
	gen map[string]uint64
}

// New creates a Computer. notifier may be nil for a single instance.
func New(store storage.Store, logger *slog.Logger, mode Mode, notifier Notifier) *Computer {
	if mode == "" {
		mode = ModeProcess
	}
	return &Computer{
		store:    store,
		logger:   logger,
		mode:     mode,
		notifier: notifier,
		now:      time.Now,
		cache:    make(map[string]Effective),
		gen:      make(map[string]uint64),
	}
}

// Mode reports the cache mode.
func (c *Computer) Mode() Mode { return c.mode }

// Get returns the agent's effective knowledge, from cache when possible.
// Concurrent misses for one agent share a single computation.
func (c *Computer) Get(ctx context.Context, role string) (Effective, error) {
	if c.mode == ModeProcess {
		c.mu.Lock()
		eff, ok := c.cache[role]
		c.mu.Unlock()
		if ok {
			eff.FromCache = true
			return eff, nil
		}
	}

	v, err, _ := c.group.Do(role, func() (any, error) {
		return c.Compute(ctx, role)
	})
	if err != nil {
		return Effective{}, err
	}
	return v.(Effective), nil
}

// Compute merges the agent's knowledge layers, writes the result back to
// the agent row and caches it.
func (c *Computer) Compute(ctx context.Context, role string) (Effective, error) {
	c.mu.Lock()
	gen := c.gen[role]
	c.mu.Unlock()

	agent, err := c.store.GetAgent(ctx, role)
	if err != nil {
		return Effective{}, fmt.Errorf("knowledge: compute %s: %w", role, err)
	}
	active, err := c.activeAmendments(ctx, role)
	if err != nil {
		return Effective{}, err
	}

	eff := Effective{
		AgentRole:  role,
		Knowledge:  Merge(agent.BaseKnowledge, agent.StandardKnowledge, active),
		Amendments: make([]uuid.UUID, 0, len(active)),
		ComputedAt: c.now().UTC(),
	}
	for _, a := range active {
		eff.Amendments = append(eff.Amendments, a.ID)
	}

	if _, err := c.store.UpdateAgent(ctx, role, func(a *model.Agent) error {
		if a.EffectiveKnowledge == eff.Knowledge && a.EffectiveComputedAt != nil {
			return storage.ErrUnchanged
		}
		a.EffectiveKnowledge = eff.Knowledge
		a.EffectiveComputedAt = &eff.ComputedAt
		return nil
	}); err != nil {
		c.logger.Warn("knowledge: write back failed", "agent", role, "error", err)
	}

	if c.mode == ModeProcess {
		c.mu.Lock()
		if c.gen[role] == gen {
			c.cache[role] = eff
		}
		c.mu.Unlock()
	}
	c.logger.Debug("knowledge: computed", "agent", role, "amendments", len(active))
	return eff, nil
}

func (c *Computer) activeAmendments(ctx context.Context, role string) ([]model.Amendment, error) {
	active := true
	list, err := c.store.ListAmendments(ctx, model.AmendmentFilter{AgentRole: role, Active: &active})
	if err != nil {
		return nil, fmt.Errorf("knowledge: active amendments of %s: %w", role, err)
	}
	return Order(list), nil
}

// Invalidate drops the cached entry for role and tells other instances to
// do the same.
func (c *Computer) Invalidate(ctx context.Context, role string) {
	c.drop(role)
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, storage.ChannelKnowledge, role); err != nil {
		c.logger.Warn("knowledge: invalidation broadcast failed", "agent", role, "error", err)
	}
}

func (c *Computer) drop(role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, role)
	c.gen[role]++
}

// ApplicableInstructions returns the active amendments that apply to a
// task: those scoped to the task's category and those with no category.
func (c *Computer) ApplicableInstructions(ctx context.Context, role string, task TaskContext) ([]model.Amendment, error) {
	active, err := c.activeAmendments(ctx, role)
	if err != nil {
		return nil, err
	}
	out := make([]model.Amendment, 0, len(active))
	for _, a := range active {
		if a.Category == "" || a.Category == task.Category {
			out = append(out, a)
		}
	}
	return out, nil
}
