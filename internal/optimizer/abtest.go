package optimizer

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/xkilldash9x/evoloop/api/schemas"
)

// defaultABSessions is the total simulated session count split evenly across
// the two variants when the caller does not specify one.
const defaultABSessions = 100

// RunABTest scores the current UI (variant A) against a candidate tree
// (variant B) under the optimizer's fitness function and declares a winner.
// Neither tree is mutated and the current UI is never replaced here; the
// caller decides what to do with the outcome.
func (o *Optimizer) RunABTest(ctx context.Context, candidate *schemas.UIComponentTree, sessions int) (*schemas.ABTestResult, error) {
	if candidate == nil {
		return nil, fmt.Errorf("%w: A/B candidate tree is nil", schemas.ErrInvalidRequest)
	}
	if sessions <= 0 {
		sessions = defaultABSessions
	}

	o.mu.Lock()
	current := o.tree
	fitness := o.fitness
	o.mu.Unlock()

	if current == nil {
		return nil, fmt.Errorf("%w: optimizer has no current UI to test against", schemas.ErrInvalidRequest)
	}

	fitnessA := o.evaluateTree(ctx, current, fitness)
	fitnessB := o.evaluateTree(ctx, candidate, fitness)

	winner, confidence := ComputeABOutcome(fitnessA, fitnessB)

	result := &schemas.ABTestResult{
		Winner:     winner,
		FitnessA:   fitnessA,
		FitnessB:   fitnessB,
		Confidence: confidence,
		SessionsA:  sessions / 2,
		SessionsB:  sessions - sessions/2,
	}

	o.logger.Info("A/B test complete.",
		zap.String("winner", winner),
		zap.Float64("fitness_a", fitnessA),
		zap.Float64("fitness_b", fitnessB),
		zap.Float64("confidence", confidence),
	)
	return result, nil
}

// ComputeABOutcome decides the winner by strict fitness comparison. The
// confidence is the relative fitness gap |a-b|/max(a,b), clamped to [0,1];
// equal scores are inconclusive with zero confidence.
func ComputeABOutcome(fitnessA, fitnessB float64) (winner string, confidence float64) {
	switch {
	case fitnessA > fitnessB:
		winner = "a"
	case fitnessB > fitnessA:
		winner = "b"
	default:
		return "inconclusive", 0
	}

	max := math.Max(fitnessA, fitnessB)
	if max <= 0 {
		return winner, 0
	}
	return winner, clamp01(math.Abs(fitnessA-fitnessB) / max)
}
