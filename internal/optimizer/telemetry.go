package optimizer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/evoloop/api/schemas"
	"github.com/xkilldash9x/evoloop/internal/oracle/oracleutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// IngestTelemetry buffers events for the next analysis. Ingestion is
// idempotent per event: a session's high-water sequence number rejects
// replayed batches, while a session that keeps streaming across batches with
// advancing sequence numbers keeps buffering. Each session is tracked once.
func (o *Optimizer) IngestTelemetry(events []schemas.TelemetryEvent) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	accepted := 0
	for _, ev := range events {
		if ev.SessionID == "" {
			continue
		}
		highWater, known := o.sessions[ev.SessionID]
		if !known {
			o.sessionOrder = append(o.sessionOrder, ev.SessionID)
		} else if ev.SequenceNumber <= highWater {
			// Already covered by an earlier batch; replay.
			continue
		}
		o.sessions[ev.SessionID] = ev.SequenceNumber
		o.buffer = append(o.buffer, ev)
		accepted++
	}

	if accepted < len(events) {
		o.logger.Debug("Dropped replayed events.",
			zap.Int("accepted", accepted),
			zap.Int("dropped", len(events)-accepted),
		)
	}
	return accepted
}

// IngestTelemetryJSON decodes a raw JSON batch of events and ingests it.
func (o *Optimizer) IngestTelemetryJSON(data []byte) (int, error) {
	var events []schemas.TelemetryEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return 0, fmt.Errorf("%w: telemetry batch: %v", schemas.ErrMalformedResponse, err)
	}
	return o.IngestTelemetry(events), nil
}

// recommendationResponse is the JSON shape of the Oracle's recommendations.
type recommendationResponse struct {
	RecommendedChanges []schemas.RecommendedChange `json:"recommended_changes"`
}

// violationResponse is the JSON shape of the Oracle's violation findings.
type violationResponse struct {
	Violations []schemas.PrincipleViolation `json:"violations"`
}

// AnalyzeTelemetry computes behavioral patterns from the buffered events and
// asks the Oracle for recommended changes and principle violations. Patterns
// are computed locally and are always exact; the recommendation call is
// required, the violation call degrades to an empty set. The buffer is
// drained on success and the analysis becomes the optimizer's latest.
func (o *Optimizer) AnalyzeTelemetry(ctx context.Context) (*schemas.TelemetryAnalysis, error) {
	o.mu.Lock()
	if len(o.buffer) == 0 {
		o.mu.Unlock()
		return nil, schemas.ErrNoTelemetryData
	}
	events := append([]schemas.TelemetryEvent(nil), o.buffer...)
	tree := o.tree
	o.mu.Unlock()

	patterns := computePatterns(events)

	recommendations, err := o.recommendChanges(ctx, tree, patterns, events)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recommendations, func(i, j int) bool {
		return recommendations[i].Priority > recommendations[j].Priority
	})

	violations := o.findViolations(ctx, tree, patterns)

	analysis := &schemas.TelemetryAnalysis{
		ID:                 uuid.New().String(),
		Patterns:           patterns,
		Violations:         violations,
		RecommendedChanges: recommendations,
		SessionCount:       sessionCount(events),
		Timestamp:          time.Now().UTC(),
	}

	o.mu.Lock()
	o.buffer = nil
	o.lastAnalysis = analysis
	o.mu.Unlock()

	o.logger.Info("Telemetry analyzed.",
		zap.Int("events", len(events)),
		zap.Int("sessions", analysis.SessionCount),
		zap.Int("recommendations", len(recommendations)),
		zap.Int("violations", len(violations)),
	)
	return analysis, nil
}

// computePatterns aggregates the buffered events into behavioral patterns.
// Completion rate is converting sessions over total sessions.
func computePatterns(events []schemas.TelemetryEvent) schemas.BehavioralPatterns {
	hesitation := make(map[string]struct{})
	frustration := make(map[string]struct{})
	dropOff := make(map[string]struct{})
	sessions := make(map[string]struct{})
	converted := make(map[string]struct{})

	for _, ev := range events {
		sessions[ev.SessionID] = struct{}{}
		switch ev.EventType {
		case schemas.EventHesitation:
			if ev.ElementID != "" {
				hesitation[ev.ElementID] = struct{}{}
			}
		case schemas.EventFrustrationClick:
			if ev.ElementID != "" {
				frustration[ev.ElementID] = struct{}{}
			}
		case schemas.EventDropOff:
			if ev.PagePath != "" {
				dropOff[ev.PagePath] = struct{}{}
			}
		case schemas.EventConversion:
			converted[ev.SessionID] = struct{}{}
		}
	}

	completion := 0.0
	if len(sessions) > 0 {
		completion = float64(len(converted)) / float64(len(sessions))
	}

	return schemas.BehavioralPatterns{
		HesitationPoints:    sortedKeys(hesitation),
		FrustrationElements: sortedKeys(frustration),
		DropOffPages:        sortedKeys(dropOff),
		CompletionRate:      completion,
	}
}

func (o *Optimizer) recommendChanges(ctx context.Context, tree *schemas.UIComponentTree, patterns schemas.BehavioralPatterns, events []schemas.TelemetryEvent) ([]schemas.RecommendedChange, error) {
	req := schemas.GenerateRequest{
		SystemPrompt: recommendSystemPrompt,
		UserPrompt:   analysisPrompt(tree, patterns, len(events)),
		Options: schemas.GenerateOptions{
			ForceJSONFormat: true,
			Temperature:     0.3,
		},
	}

	var response string
	err := o.retry.Do(ctx, func() error {
		var genErr error
		response, genErr = o.oracle.Generate(ctx, req)
		return genErr
	})
	if err != nil {
		return nil, fmt.Errorf("recommendation generation: %w", err)
	}

	parsed, err := oracleutil.ParseJSON[recommendationResponse](response)
	if err != nil {
		return nil, fmt.Errorf("recommendation generation: %w", err)
	}
	return parsed.RecommendedChanges, nil
}

// findViolations asks the Oracle to map observed patterns onto principle
// breaches. Failure degrades to no violations rather than failing analysis.
func (o *Optimizer) findViolations(ctx context.Context, tree *schemas.UIComponentTree, patterns schemas.BehavioralPatterns) []schemas.PrincipleViolation {
	req := schemas.GenerateRequest{
		SystemPrompt: violationSystemPrompt,
		UserPrompt:   analysisPrompt(tree, patterns, 0),
		Options: schemas.GenerateOptions{
			ForceJSONFormat: true,
			Temperature:     0.2,
		},
	}

	var response string
	err := o.retry.Do(ctx, func() error {
		var genErr error
		response, genErr = o.oracle.Generate(ctx, req)
		return genErr
	})
	if err == nil {
		if parsed, perr := oracleutil.ParseJSON[violationResponse](response); perr == nil {
			return parsed.Violations
		} else {
			err = perr
		}
	}

	o.logger.Warn("Violation detection failed; continuing without violations.", zap.Error(err))
	return nil
}

func sessionCount(events []schemas.TelemetryEvent) int {
	seen := make(map[string]struct{})
	for _, ev := range events {
		seen[ev.SessionID] = struct{}{}
	}
	return len(seen)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// treeJSON renders a UI tree for prompt inclusion.
func treeJSON(tree *schemas.UIComponentTree) string {
	if tree == nil {
		return "{}"
	}
	data, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

const recommendSystemPrompt = `You are the behavioral analyst of a fitness-driven UI optimizer.
    You receive a UI component tree and aggregated behavioral patterns observed against it.
    Propose concrete, ranked UI changes that address the observed friction.

    **Output Requirements (Strict JSON Format):**
    Respond ONLY with:
    {"recommended_changes": [{"priority": 1-10, "target_element_id": "...", "change_type": "...", "rationale": "...", "expected_impact": {"principle": delta}}]}
    Higher priority means more urgent. Every target_element_id must exist in the tree.`

const violationSystemPrompt = `You are the cognitive-principle auditor of a fitness-driven UI optimizer.
    You receive a UI component tree and aggregated behavioral patterns. Identify explicit breaches of
    hicks_law, fitts_law, millers_law, gestalt_proximity, or jakobs_law evidenced by the patterns.

    **Output Requirements (Strict JSON Format):**
    Respond ONLY with:
    {"violations": [{"principle": "...", "element_id": "...", "description": "...", "severity": "low|medium|high|critical"}]}`

func analysisPrompt(tree *schemas.UIComponentTree, patterns schemas.BehavioralPatterns, eventCount int) string {
	data, _ := json.MarshalIndent(patterns, "", "  ")
	prompt := fmt.Sprintf("**UI TREE (JSON):**\n%s\n\n**OBSERVED PATTERNS:**\n%s\n", treeJSON(tree), string(data))
	if eventCount > 0 {
		prompt += fmt.Sprintf("\n(%d events observed)\n", eventCount)
	}
	return prompt + "\nRespond ONLY with the JSON object."
}
