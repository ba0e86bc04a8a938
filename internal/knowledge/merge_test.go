package knowledge_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/cognalith/governor/internal/knowledge"
	"github.com/cognalith/governor/internal/model"
)

const standard = "Intro line.\n\n## Procedures\nStep one.\n\n## Tone\nBe concise."

func mut(typ model.AmendmentType, area, content string) model.Amendment {
	return model.Amendment{
		ID:               uuid.New(),
		AmendmentType:    typ,
		InstructionDelta: content,
		Mutation:         model.KnowledgeMutation{Operation: typ, TargetArea: area, Content: content},
	}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name       string
		base       string
		standard   string
		amendments []model.Amendment
		want       string
	}{
		{
			name:     "no amendments",
			base:     "Base.",
			standard: standard,
			want:     "Base.\n\nIntro line.\n\n## Procedures\nStep one.\n\n## Tone\nBe concise.",
		},
		{
			name:       "append to named area",
			base:       "Base.",
			standard:   standard,
			amendments: []model.Amendment{mut(model.AmendmentAppend, "procedures", "Step two.")},
			want:       "Base.\n\nIntro line.\n\n## Procedures\nStep one.\nStep two.\n\n## Tone\nBe concise.",
		},
		{
			name:       "append without area",
			standard:   standard,
			amendments: []model.Amendment{mut(model.AmendmentAppend, "", "Extra.")},
			want:       "Intro line.\n\n## Procedures\nStep one.\n\n## Tone\nBe concise.\n\n## Amendments\nExtra.",
		},
		{
			name:       "replace existing area",
			standard:   standard,
			amendments: []model.Amendment{mut(model.AmendmentReplace, "Tone", "Be warm.")},
			want:       "Intro line.\n\n## Procedures\nStep one.\n\n## Tone\nBe warm.",
		},
		{
			name:       "replace creates missing area",
			standard:   standard,
			amendments: []model.Amendment{mut(model.AmendmentReplace, "Review", "Check twice.")},
			want:       "Intro line.\n\n## Procedures\nStep one.\n\n## Tone\nBe concise.\n\n## Review\nCheck twice.",
		},
		{
			name:       "remove area",
			standard:   standard,
			amendments: []model.Amendment{mut(model.AmendmentRemove, "Tone", "")},
			want:       "Intro line.\n\n## Procedures\nStep one.",
		},
		{
			name:       "remove missing area is a no-op",
			standard:   standard,
			amendments: []model.Amendment{mut(model.AmendmentRemove, "Nothing", "")},
			want:       "Intro line.\n\n## Procedures\nStep one.\n\n## Tone\nBe concise.",
		},
		{
			name:     "later amendments win",
			standard: standard,
			amendments: []model.Amendment{
				mut(model.AmendmentReplace, "Tone", "First."),
				mut(model.AmendmentReplace, "Tone", "Second."),
			},
			want: "Intro line.\n\n## Procedures\nStep one.\n\n## Tone\nSecond.",
		},
		{
			name:       "base is never edited",
			base:       "## Procedures\nBase rule.",
			amendments: []model.Amendment{mut(model.AmendmentAppend, "Procedures", "X.")},
			want:       "## Procedures\nBase rule.\n\n## Procedures\nX.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, knowledge.Merge(tt.base, tt.standard, tt.amendments))
		})
	}
}

func TestMergeUsesAmendmentType(t *testing.T) {
	a := mut(model.AmendmentAppend, "Tone", "Be warm.")
	a.AmendmentType = model.AmendmentReplace
	assert.Equal(t, "Intro line.\n\n## Procedures\nStep one.\n\n## Tone\nBe warm.",
		knowledge.Merge("", standard, []model.Amendment{a}))
}

func TestOrder(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	late := model.Amendment{ID: uuid.New(), Version: 1, ActivatedAt: &t1}
	v2 := model.Amendment{ID: uuid.New(), Version: 2, ActivatedAt: &t0}
	v1 := model.Amendment{ID: uuid.New(), Version: 1, ActivatedAt: &t0}
	unactivated := model.Amendment{ID: uuid.New(), Version: 1, CreatedAt: t0.Add(-time.Hour)}

	got := knowledge.Order([]model.Amendment{late, v2, v1, unactivated})
	assert.Equal(t, []uuid.UUID{unactivated.ID, v1.ID, v2.ID, late.ID},
		[]uuid.UUID{got[0].ID, got[1].ID, got[2].ID, got[3].ID})
}
