package knowledge

import (
	"sort"
	"strings"
	"time"

	"github.com/cognalith/governor/internal/model"
)

// DefaultArea receives appended content when an amendment names no area.
const DefaultArea = "Amendments"

const headingPrefix = "## "

type area struct {
	name string
	body []string
}

// document is standard knowledge split into its named areas. Text before
// the first heading is kept as the preamble.
type document struct {
	preamble []string
	areas    []*area
}

func parse(text string) *document {
	d := &document{}
	var cur *area
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if strings.HasPrefix(line, headingPrefix) {
			cur = &area{name: strings.TrimSpace(line[len(headingPrefix):])}
			d.areas = append(d.areas, cur)
			continue
		}
		if cur == nil {
			d.preamble = append(d.preamble, line)
		} else {
			cur.body = append(cur.body, line)
		}
	}
	return d
}

func (d *document) find(name string) (int, *area) {
	for i, a := range d.areas {
		if strings.EqualFold(a.name, name) {
			return i, a
		}
	}
	return -1, nil
}

func (d *document) ensure(name string) *area {
	if _, a := d.find(name); a != nil {
		return a
	}
	a := &area{name: name}
	d.areas = append(d.areas, a)
	return a
}

func (d *document) apply(m model.KnowledgeMutation) {
	name := strings.TrimSpace(m.TargetArea)
	content := strings.TrimSpace(m.Content)
	switch m.Operation {
	case model.AmendmentAppend:
		if name == "" {
			name = DefaultArea
		}
		a := d.ensure(name)
		a.body = append(trimTrailingBlank(a.body), content)
	case model.AmendmentReplace:
		if name == "" {
			return
		}
		d.ensure(name).body = []string{content}
	case model.AmendmentRemove:
		if i, _ := d.find(name); i >= 0 {
			d.areas = append(d.areas[:i], d.areas[i+1:]...)
		}
	}
}

func (d *document) String() string {
	var parts []string
	if pre := strings.TrimSpace(strings.Join(d.preamble, "\n")); pre != "" {
		parts = append(parts, pre)
	}
	for _, a := range d.areas {
		var b strings.Builder
		b.WriteString(headingPrefix)
		b.WriteString(a.name)
		if body := strings.TrimSpace(strings.Join(a.body, "\n")); body != "" {
			b.WriteString("\n")
			b.WriteString(body)
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n")
}

func trimTrailingBlank(lines []string) []string {
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Order sorts amendments in the order they apply: activation time (or
// creation time when never activated), then version, then id.
func Order(amendments []model.Amendment) []model.Amendment {
	out := make([]model.Amendment, len(amendments))
	copy(out, amendments)
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := appliedAt(out[i]), appliedAt(out[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		if out[i].Version != out[j].Version {
			return out[i].Version < out[j].Version
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func appliedAt(a model.Amendment) time.Time {
	if a.ActivatedAt != nil {
		return *a.ActivatedAt
	}
	return a.CreatedAt
}

// mutation returns the edit an amendment applies. The amendment type
// decides the operation; the instruction delta stands in for empty content.
func mutation(a model.Amendment) model.KnowledgeMutation {
	m := a.Mutation
	m.Operation = a.AmendmentType
	if strings.TrimSpace(m.Content) == "" {
		m.Content = a.InstructionDelta
	}
	return m
}

// Merge layers base, standard knowledge and amendments into one
// instruction set. Amendments edit the named areas of standard knowledge
// in the order given; base is never modified.
func Merge(base, standard string, amendments []model.Amendment) string {
	doc := parse(standard)
	for _, a := range amendments {
		doc.apply(mutation(a))
	}
	var parts []string
	if b := strings.TrimSpace(base); b != "" {
		parts = append(parts, b)
	}
	if s := doc.String(); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n\n")
}
