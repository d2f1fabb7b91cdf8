// Package optimizer implements the fitness-driven UI optimizer: it generates
// a UI hypothesis, scores it against a weighted set of cognitive principles,
// ingests behavioral telemetry, and conditionally applies revisions.
package optimizer

import (
	"github.com/xkilldash9x/evoloop/api/schemas"
)

// principleCriteria maps each cognitive principle to the fixed evaluation
// criteria the Oracle scores against. New principles are added by extending
// this table, not by branching logic.
var principleCriteria = map[schemas.CognitivePrinciple]string{
	schemas.PrincipleHicksLaw: `Choice-count reduction (Hick's Law).
    - No view presents more than 7 simultaneous decisions.
    - Primary actions are visually dominant; secondary actions are demoted.
    - Progressive disclosure is used for optional complexity.
    Score 1.0 when every view satisfies all criteria, 0.0 when decision counts are unbounded.`,

	schemas.PrincipleFittsLaw: `Target size and proximity (Fitts's Law).
    - Interactive targets are at least 44x44 logical pixels.
    - Frequently paired controls sit adjacent to each other.
    - Destructive actions are distanced from high-frequency targets.
    Score by the fraction of interactive elements meeting the size/distance heuristics.`,

	schemas.PrincipleMillersLaw: `Chunking limits (Miller's Law).
    - Grouped content holds 5 to 9 items per chunk.
    - Longer collections are paginated, segmented, or hierarchically nested.
    Score by the fraction of groups within the 5-9 bound.`,

	schemas.PrincipleProximity: `Gestalt proximity.
    - Related controls share spatial grouping and aligned spacing.
    - Unrelated concerns are separated by clear negative space.
    Score by how reliably spatial grouping matches semantic grouping.`,

	schemas.PrincipleJakobsLaw: `Convention adherence (Jakob's Law).
    - Navigation, form, and feedback patterns follow widely established
      conventions for this product category.
    - Novel interactions are reserved for the product's differentiating core.
    Score by the fraction of patterns a habitual web user would predict correctly.`,
}

// CriteriaFor returns the evaluation criteria for a principle, and whether
// the principle is known to the table.
func CriteriaFor(p schemas.CognitivePrinciple) (string, bool) {
	criteria, ok := principleCriteria[p]
	return criteria, ok
}

// DefaultFitnessFunction weights every principle in the table. Used when a
// metaprompt does not supply its own weighting.
func DefaultFitnessFunction() schemas.FitnessFunction {
	return schemas.FitnessFunction{
		Principles: []schemas.PrincipleWeight{
			{Principle: schemas.PrincipleHicksLaw, Weight: 0.25, TargetMetric: "decision_count", TargetValue: 7},
			{Principle: schemas.PrincipleFittsLaw, Weight: 0.25, TargetMetric: "target_compliance", TargetValue: 0.9},
			{Principle: schemas.PrincipleMillersLaw, Weight: 0.2, TargetMetric: "chunk_compliance", TargetValue: 0.9},
			{Principle: schemas.PrincipleProximity, Weight: 0.15, TargetMetric: "grouping_accuracy", TargetValue: 0.85},
			{Principle: schemas.PrincipleJakobsLaw, Weight: 0.15, TargetMetric: "convention_score", TargetValue: 0.85},
		},
	}
}
