// Package artifact turns raw provider output into structured stage artifacts.
// Parsing doubles as validation: an output that does not yield the required
// shape is a validation failure, and the stage attempt fails.
package artifact

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"genline/internal/domain"
)

// ParseError marks output that arrived but failed structural checks.
type ParseError struct {
	Kind string
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid %s output: %s", e.Kind, e.Msg)
}

// Parse validates raw output for a stage kind and returns the artifact.
func Parse(kind, raw string) (*domain.Artifact, error) {
	switch kind {
	case domain.KindDesign:
		return parseDesign(raw)
	case domain.KindPlan:
		return parsePlan(raw)
	case domain.KindPhaseDetail:
		return parsePhaseDetail(raw)
	case domain.KindHandoff:
		return parseHandoff(raw)
	default:
		return nil, fmt.Errorf("unknown stage kind %q", kind)
	}
}

// parseDesign expects a markdown document: a top-level title and at least one
// section heading. Text between the title and the first section becomes the
// overview.
func parseDesign(raw string) (*domain.Artifact, error) {
	doc := &domain.DesignDoc{}
	var cur *domain.Section
	var overview []string
	for _, line := range strings.Split(raw, "\n") {
		switch {
		case strings.HasPrefix(line, "# ") && doc.Title == "":
			doc.Title = strings.TrimSpace(strings.TrimPrefix(line, "# "))
		case strings.HasPrefix(line, "## "):
			doc.Sections = append(doc.Sections, domain.Section{
				Heading: strings.TrimSpace(strings.TrimPrefix(line, "## ")),
			})
			cur = &doc.Sections[len(doc.Sections)-1]
		case cur != nil:
			cur.Body = appendLine(cur.Body, line)
		case doc.Title != "":
			overview = append(overview, line)
		}
	}
	doc.Overview = strings.TrimSpace(strings.Join(overview, "\n"))
	for i := range doc.Sections {
		doc.Sections[i].Body = strings.TrimSpace(doc.Sections[i].Body)
	}
	if doc.Title == "" {
		return nil, &ParseError{Kind: domain.KindDesign, Msg: "missing title heading"}
	}
	if len(doc.Sections) == 0 {
		return nil, &ParseError{Kind: domain.KindDesign, Msg: "no sections found"}
	}
	return &domain.Artifact{Kind: domain.KindDesign, Design: doc}, nil
}

var phaseHeading = regexp.MustCompile(`^##\s+Phase\s+(\d+)\s*[:.-]\s*(.+)$`)

// parsePlan expects numbered phase headings of the form "## Phase N: Name".
// Body text under each heading becomes the phase goal; text before the first
// phase becomes the summary.
func parsePlan(raw string) (*domain.Artifact, error) {
	plan := &domain.Plan{}
	var cur *domain.PlanPhase
	var summary []string
	for _, line := range strings.Split(raw, "\n") {
		if m := phaseHeading.FindStringSubmatch(line); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return nil, &ParseError{Kind: domain.KindPlan, Msg: "bad phase number in " + strconv.Quote(line)}
			}
			plan.Phases = append(plan.Phases, domain.PlanPhase{Number: n, Name: strings.TrimSpace(m[2])})
			cur = &plan.Phases[len(plan.Phases)-1]
			continue
		}
		if cur != nil {
			cur.Goal = appendLine(cur.Goal, line)
		} else if !strings.HasPrefix(line, "# ") {
			summary = append(summary, line)
		}
	}
	plan.Summary = strings.TrimSpace(strings.Join(summary, "\n"))
	for i := range plan.Phases {
		plan.Phases[i].Goal = strings.TrimSpace(plan.Phases[i].Goal)
	}
	if len(plan.Phases) == 0 {
		return nil, &ParseError{Kind: domain.KindPlan, Msg: "no phases found"}
	}
	seen := map[int]bool{}
	for _, p := range plan.Phases {
		if p.Number < 1 {
			return nil, &ParseError{Kind: domain.KindPlan, Msg: fmt.Sprintf("phase number %d out of range", p.Number)}
		}
		if seen[p.Number] {
			return nil, &ParseError{Kind: domain.KindPlan, Msg: fmt.Sprintf("duplicate phase number %d", p.Number)}
		}
		seen[p.Number] = true
	}
	return &domain.Artifact{Kind: domain.KindPlan, Plan: plan}, nil
}

// parsePhaseDetail expects at least one bullet step. A "# Phase N" or
// "# Phase N: Name" heading, when present, carries the phase number and name.
func parsePhaseDetail(raw string) (*domain.Artifact, error) {
	detail := &domain.PhaseDetail{}
	heading := regexp.MustCompile(`^#+\s+Phase\s+(\d+)\s*(?:[:.-]\s*(.+))?$`)
	for _, line := range strings.Split(raw, "\n") {
		if m := heading.FindStringSubmatch(line); m != nil && detail.Phase == 0 {
			detail.Phase, _ = strconv.Atoi(m[1])
			detail.Name = strings.TrimSpace(m[2])
			continue
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			step := strings.TrimSpace(trimmed[2:])
			if step != "" {
				detail.Steps = append(detail.Steps, step)
			}
		}
	}
	if len(detail.Steps) == 0 {
		return nil, &ParseError{Kind: domain.KindPhaseDetail, Msg: "no steps found"}
	}
	return &domain.Artifact{Kind: domain.KindPhaseDetail, Phase: detail}, nil
}

// parseHandoff requires a non-empty summary. Bullet lines become notes; the
// remaining prose is the summary.
func parseHandoff(raw string) (*domain.Artifact, error) {
	h := &domain.Handoff{}
	var summary []string
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			note := strings.TrimSpace(trimmed[2:])
			if note != "" {
				h.Notes = append(h.Notes, note)
			}
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		summary = append(summary, line)
	}
	h.Summary = strings.TrimSpace(strings.Join(summary, "\n"))
	if h.Summary == "" {
		return nil, &ParseError{Kind: domain.KindHandoff, Msg: "empty summary"}
	}
	return &domain.Artifact{Kind: domain.KindHandoff, Handoff: h}, nil
}

func appendLine(acc, line string) string {
	if acc == "" {
		return line
	}
	return acc + "\n" + line
}
