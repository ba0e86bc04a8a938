package governor

import (
	"log/slog"

	"github.com/cognalith/governor/internal/amendment"
	"github.com/cognalith/governor/internal/approval"
	"github.com/cognalith/governor/internal/conflicts"
	"github.com/cognalith/governor/internal/escalation"
	"github.com/cognalith/governor/internal/knowledge"
	"github.com/cognalith/governor/internal/patterns"
	"github.com/cognalith/governor/internal/safety"
	"github.com/cognalith/governor/internal/service/performance"
	"github.com/cognalith/governor/internal/storage"
	"github.com/cognalith/governor/internal/telemetry"
)

// Assembly configures the components Assemble wires together. Zero values
// select defaults.
type Assembly struct {
	ApprovalMode approval.Mode
	CacheMode    knowledge.Mode
	Notifier     knowledge.Notifier
	Contradicts  conflicts.Detector
	Detector     patterns.Options
	Metrics      *telemetry.Governance
	Logger       *slog.Logger
	Concurrency  int
}

// Assemble builds a Service and every component behind it over one store.
// The knowledge computer is returned as well so callers can attach a
// cross-instance invalidation listener.
func Assemble(store storage.Store, a Assembly) (*Service, *knowledge.Computer) {
	if a.Logger == nil {
		a.Logger = slog.Default()
	}
	if a.Metrics == nil {
		a.Metrics = telemetry.NewGovernance(nil)
	}
	if a.CacheMode == "" {
		a.CacheMode = knowledge.ModeProcess
	}
	if a.ApprovalMode == "" {
		a.ApprovalMode = approval.ModeAutonomous
	}

	kc := knowledge.New(store, a.Logger, a.CacheMode, a.Notifier)
	perf := performance.New(store, a.Logger, 0)
	engine := amendment.New(store, perf, kc, a.Logger)
	sf := safety.New(store, a.Contradicts, kc, a.Metrics, a.Logger)
	workflow := approval.New(approval.Config{
		Store:       store,
		Engine:      engine,
		Safety:      sf,
		Escalator:   escalation.New(store, a.Metrics, a.Logger),
		Invalidator: kc,
		Metrics:     a.Metrics,
		Logger:      a.Logger,
		Mode:        a.ApprovalMode,
	})
	svc := New(Config{
		Store:       store,
		Detector:    patterns.New(store, a.Logger, a.Detector),
		Engine:      engine,
		Workflow:    workflow,
		Safety:      sf,
		Knowledge:   kc,
		Performance: perf,
		Metrics:     a.Metrics,
		Logger:      a.Logger,
		Concurrency: a.Concurrency,
	})
	return svc, kc
}
