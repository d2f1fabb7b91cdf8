// Package schemas defines the shared data model for the generation and
// optimization loop. Every struct here is safe to serialize as a snapshot;
// the JSON field names are the stable external contract.
package schemas

import (
	"time"
)

// -- Feature requests --

// Priority classifies acceptance criteria and recommended changes.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityCritical: 4,
	PriorityHigh:     3,
	PriorityMedium:   2,
	PriorityLow:      1,
}

// Rank returns a sortable weight for the priority. Unknown values rank lowest.
func (p Priority) Rank() int {
	return priorityRank[p]
}

// AcceptanceCriterion is a single given/when/then statement a generated
// implementation must satisfy.
type AcceptanceCriterion struct {
	Given    string   `json:"given"`
	When     string   `json:"when"`
	Then     string   `json:"then"`
	Priority Priority `json:"priority"`
}

// TechnicalConstraints narrows the generation target.
type TechnicalConstraints struct {
	Language    string `json:"language,omitempty"`
	Framework   string `json:"framework,omitempty"`
	TestTooling string `json:"test_tooling,omitempty"`
}

// GenerationRequest is the input to one workflow run. It is created by a
// human operator or derived from telemetry by the feedback translator, and
// consumed exactly once.
type GenerationRequest struct {
	ID                 string                `json:"id"`
	Intent             string                `json:"intent"`
	AcceptanceCriteria []AcceptanceCriterion `json:"acceptance_criteria"`
	Constraints        *TechnicalConstraints `json:"constraints,omitempty"`
	Origin             string                `json:"origin,omitempty"`
	CreatedAt          time.Time             `json:"created_at"`
}

// -- Retrieval --

// CodeContext is one retrieved unit of codebase knowledge, produced by the
// query planner and consumed by code generation.
type CodeContext struct {
	FilePath     string   `json:"file_path"`
	Content      string   `json:"content"`
	Relevance    float64  `json:"relevance"`
	Dependencies []string `json:"dependencies"`
	Exports      []string `json:"exports"`
}

// -- Workflow engine --

// WorkflowPhase names the stages of the test-driven workflow. Phases advance
// monotonically; only the self-healing sub-loop revisits generation.
type WorkflowPhase string

const (
	PhaseUserStory      WorkflowPhase = "USER_STORY"
	PhaseRAGContext     WorkflowPhase = "RAG_CONTEXT"
	PhaseTestGeneration WorkflowPhase = "TEST_GENERATION"
	PhaseCodeGeneration WorkflowPhase = "CODE_GENERATION"
	PhaseSelfHealing    WorkflowPhase = "SELF_HEALING"
	PhaseComplete       WorkflowPhase = "COMPLETE"
)

// FinalStatus is the terminal outcome of a workflow run.
type FinalStatus string

const (
	StatusPending FinalStatus = "pending"
	StatusSuccess FinalStatus = "success"
	StatusPartial FinalStatus = "partial"
	StatusFailed  FinalStatus = "failed"
)

// GeneratedTest is one test artifact, derived from one acceptance criterion.
type GeneratedTest struct {
	ID             string `json:"id"`
	CriterionIndex int    `json:"criterion_index"`
	Name           string `json:"name"`
	Code           string `json:"code"`
}

// GeneratedCode is one implementation artifact. Revision increments each time
// the self-healing loop replaces the implementation.
type GeneratedCode struct {
	ID       string `json:"id"`
	Language string `json:"language"`
	Code     string `json:"code"`
	Revision int    `json:"revision"`
}

// TestResult is the simulated outcome of executing one generated test.
type TestResult struct {
	TestID      string `json:"test_id"`
	TestName    string `json:"test_name"`
	Passed      bool   `json:"passed"`
	ErrorDetail string `json:"error_detail,omitempty"`
}

// HealingIteration records one bounded attempt to fix failing tests.
type HealingIteration struct {
	Iteration int          `json:"iteration"`
	Failures  []TestResult `json:"failures"`
	RootCause string       `json:"root_cause,omitempty"`
	Resolved  bool         `json:"resolved"`
	Timestamp time.Time    `json:"timestamp"`
}

// WorkflowState is the complete state of one workflow run, owned exclusively
// by one engine instance. Snapshots of it are the inspection contract.
type WorkflowState struct {
	Request           GenerationRequest  `json:"request"`
	Phase             WorkflowPhase      `json:"phase"`
	Contexts          []CodeContext      `json:"contexts"`
	GeneratedTests    []GeneratedTest    `json:"generated_tests"`
	GeneratedCode     []GeneratedCode    `json:"generated_code"`
	TestResults       []TestResult       `json:"test_results"`
	HealingIterations []HealingIteration `json:"healing_iterations"`
	FinalStatus       FinalStatus        `json:"final_status"`
	StartedAt         time.Time          `json:"started_at"`
	FinishedAt        time.Time          `json:"finished_at,omitempty"`
}

// PassRate returns passed/total over the latest test results, and 1.0 when no
// tests were executed.
func (s *WorkflowState) PassRate() float64 {
	if len(s.TestResults) == 0 {
		return 1.0
	}
	passed := 0
	for _, r := range s.TestResults {
		if r.Passed {
			passed++
		}
	}
	return float64(passed) / float64(len(s.TestResults))
}

// -- Fitness & UI --

// CognitivePrinciple names a heuristic used as a fitness dimension.
type CognitivePrinciple string

const (
	PrincipleHicksLaw   CognitivePrinciple = "hicks_law"   // choice-count reduction
	PrincipleFittsLaw   CognitivePrinciple = "fitts_law"   // target size and proximity
	PrincipleMillersLaw CognitivePrinciple = "millers_law" // 5-9 item chunking
	PrincipleProximity  CognitivePrinciple = "gestalt_proximity"
	PrincipleJakobsLaw  CognitivePrinciple = "jakobs_law" // convention adherence
)

// PrincipleWeight is one weighted dimension of a fitness function.
type PrincipleWeight struct {
	Principle    CognitivePrinciple `json:"principle"`
	Weight       float64            `json:"weight"`
	TargetMetric string             `json:"target_metric"`
	TargetValue  float64            `json:"target_value"`
}

// FitnessFunction is an ordered, immutable set of weighted principles.
type FitnessFunction struct {
	Principles []PrincipleWeight `json:"principles"`
}

// UIComponentTree is the recursive UI hypothesis. The root is owned by the
// optimizer and replaced wholesale on every accepted optimization.
type UIComponentTree struct {
	ID          string             `json:"id"`
	Type        string             `json:"type"`
	Props       map[string]any     `json:"props,omitempty"`
	Children    []*UIComponentTree `json:"children,omitempty"`
	Annotations []string           `json:"annotations,omitempty"`
}

// CollectIDs appends every node ID in depth-first order.
func (t *UIComponentTree) CollectIDs() []string {
	if t == nil {
		return nil
	}
	ids := []string{t.ID}
	for _, child := range t.Children {
		ids = append(ids, child.CollectIDs()...)
	}
	return ids
}

// ValidateUniqueIDs reports whether every node ID occurs exactly once.
func (t *UIComponentTree) ValidateUniqueIDs() bool {
	seen := make(map[string]struct{})
	for _, id := range t.CollectIDs() {
		if _, dup := seen[id]; dup {
			return false
		}
		seen[id] = struct{}{}
	}
	return true
}

// -- Telemetry --

// TelemetryEventType classifies a recorded user interaction.
type TelemetryEventType string

const (
	EventPageView         TelemetryEventType = "page_view"
	EventClick            TelemetryEventType = "click"
	EventFrustrationClick TelemetryEventType = "frustration_click"
	EventHesitation       TelemetryEventType = "hesitation"
	EventFormSubmit       TelemetryEventType = "form_submit"
	EventConversion       TelemetryEventType = "conversion"
	EventDropOff          TelemetryEventType = "drop_off"
)

// TelemetryEvent is a single observed interaction tied to a session.
// SequenceNumber is strictly increasing within a session.
type TelemetryEvent struct {
	ID             string             `json:"id"`
	Timestamp      time.Time          `json:"timestamp"`
	SessionID      string             `json:"session_id"`
	SequenceNumber int                `json:"sequence_number"`
	EventType      TelemetryEventType `json:"event_type"`
	ElementID      string             `json:"element_id,omitempty"`
	PagePath       string             `json:"page_path"`
	DurationMs     int                `json:"duration_ms,omitempty"`
}

// BehavioralPatterns summarizes what the telemetry shows users doing.
type BehavioralPatterns struct {
	HesitationPoints    []string `json:"hesitation_points"`
	FrustrationElements []string `json:"frustration_elements"`
	DropOffPages        []string `json:"drop_off_pages"`
	CompletionRate      float64  `json:"completion_rate"`
}

// PrincipleViolation is an explicit cognitive-principle breach evidenced by
// telemetry.
type PrincipleViolation struct {
	Principle   CognitivePrinciple `json:"principle"`
	ElementID   string             `json:"element_id,omitempty"`
	Description string             `json:"description"`
	Severity    Severity           `json:"severity"`
}

// RecommendedChange is one ranked UI change proposal.
type RecommendedChange struct {
	Priority        int                            `json:"priority"` // higher is more urgent
	TargetElementID string                         `json:"target_element_id"`
	ChangeType      string                         `json:"change_type"`
	Rationale       string                         `json:"rationale"`
	ExpectedImpact  map[CognitivePrinciple]float64 `json:"expected_impact,omitempty"`
}

// TelemetryAnalysis is the full behavioral read of one telemetry buffer.
type TelemetryAnalysis struct {
	ID                 string               `json:"id"`
	Patterns           BehavioralPatterns   `json:"patterns"`
	Violations         []PrincipleViolation `json:"cognitive_fitness_violations"`
	RecommendedChanges []RecommendedChange  `json:"recommended_changes"`
	SessionCount       int                  `json:"session_count"`
	Timestamp          time.Time            `json:"timestamp"`
}

// OptimizationRecord is one append-only audit entry per OptimizeUI call.
type OptimizationRecord struct {
	Iteration              int                 `json:"iteration"`
	RecommendationsApplied []RecommendedChange `json:"recommendations_applied"`
	FitnessBefore          float64             `json:"fitness_before"`
	FitnessAfter           float64             `json:"fitness_after"`
	Accepted               bool                `json:"accepted"`
	Timestamp              time.Time           `json:"timestamp"`
}

// ABTestResult compares the current UI (variant A) against a candidate.
type ABTestResult struct {
	Winner     string  `json:"winner"` // "a", "b", or "inconclusive"
	FitnessA   float64 `json:"fitness_a"`
	FitnessB   float64 `json:"fitness_b"`
	Confidence float64 `json:"confidence"`
	SessionsA  int     `json:"sessions_a"`
	SessionsB  int     `json:"sessions_b"`
}

// -- Issues & loop records --

// Severity grades an issue. Only high and critical issues trigger generation
// of a new feature request.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// AtLeast reports whether s is as severe as other. Unknown severities rank
// below low.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// IssueType categorizes a derived issue.
type IssueType string

const (
	IssueFriction          IssueType = "friction"
	IssueCognitiveOverload IssueType = "cognitive_overload"
	IssueConversionBlocker IssueType = "conversion_blocker"
	IssuePerformance       IssueType = "performance"
	IssueFunctionalGap     IssueType = "functional_gap"
)

// Issue is a concrete product problem derived from a telemetry analysis.
type Issue struct {
	ID            string    `json:"id"`
	Type          IssueType `json:"type"`
	Severity      Severity  `json:"severity"`
	AffectedCount int       `json:"affected_count"`
	Evidence      []string  `json:"evidence"`
}

// ProductMetrics are the composite health numbers the orchestrator tracks.
type ProductMetrics struct {
	UserDelight      float64 `json:"user_delight"`
	ConversionRate   float64 `json:"conversion_rate"`
	ErrorRate        float64 `json:"error_rate"`
	PerformanceScore float64 `json:"performance_score"`
}

// EvolutionRecord is one append-only audit entry per completed loop iteration.
type EvolutionRecord struct {
	Iteration     int            `json:"iteration"`
	ChangesMade   []string       `json:"changes_made"`
	MetricsBefore ProductMetrics `json:"metrics_before"`
	MetricsAfter  ProductMetrics `json:"metrics_after"`
	Timestamp     time.Time      `json:"timestamp"`
}
