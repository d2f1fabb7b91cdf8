package optimizer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/evoloop/api/schemas"
	"github.com/xkilldash9x/evoloop/internal/config"
	"github.com/xkilldash9x/evoloop/internal/oracle"
	"github.com/xkilldash9x/evoloop/internal/oracle/oracleutil"
)

// Metaprompt seeds the initial UI hypothesis.
type Metaprompt struct {
	TargetPersona  string                  `json:"target_persona"`
	ProductContext string                  `json:"product_context"`
	Fitness        schemas.FitnessFunction `json:"fitness"`
}

// State is the read-only snapshot of an optimizer instance.
type State struct {
	UITree              *schemas.UIComponentTree     `json:"ui_tree"`
	CurrentFitnessScore float64                      `json:"current_fitness_score"`
	FitnessFunction     schemas.FitnessFunction      `json:"fitness_function"`
	SessionIDs          []string                     `json:"session_ids"`
	BufferedEvents      int                          `json:"buffered_events"`
	LastAnalysis        *schemas.TelemetryAnalysis   `json:"last_analysis,omitempty"`
	History             []schemas.OptimizationRecord `json:"optimization_history"`
	Iteration           int                          `json:"iteration"`
}

// Optimizer owns one UI hypothesis and its optimization history. Instances
// are constructed and owned by the caller; Reset returns one to its
// pre-Initialize state.
type Optimizer struct {
	logger *zap.Logger
	oracle schemas.Oracle
	retry  oracle.RetryPolicy
	cfg    config.OptimizerConfig

	mu           sync.Mutex
	fitness      schemas.FitnessFunction
	persona      string
	tree         *schemas.UIComponentTree
	currentScore float64
	buffer       []schemas.TelemetryEvent
	sessions     map[string]int
	sessionOrder []string
	lastAnalysis *schemas.TelemetryAnalysis
	history      []schemas.OptimizationRecord
	iteration    int
	initialized  bool
}

// New constructs an optimizer.
func New(logger *zap.Logger, o schemas.Oracle, cfg config.OptimizerConfig, retry oracle.RetryPolicy) *Optimizer {
	if cfg.MaxRecommendations <= 0 {
		cfg.MaxRecommendations = 3
	}
	if cfg.NeutralScore <= 0 || cfg.NeutralScore > 1 {
		cfg.NeutralScore = 0.5
	}
	return &Optimizer{
		logger:   logger.Named("optimizer"),
		oracle:   o,
		retry:    retry,
		cfg:      cfg,
		sessions: make(map[string]int),
	}
}

// Initialize generates the initial UI hypothesis from the metaprompt and
// computes its composite fitness score.
func (o *Optimizer) Initialize(ctx context.Context, meta Metaprompt) error {
	fitness := meta.Fitness
	if len(fitness.Principles) == 0 {
		fitness = DefaultFitnessFunction()
	}

	tree, err := o.generateTree(ctx, initialTreePrompt(meta, fitness))
	if err != nil {
		return fmt.Errorf("initial UI generation: %w", err)
	}

	score := o.evaluateTree(ctx, tree, fitness)

	o.mu.Lock()
	o.fitness = fitness
	o.persona = meta.TargetPersona
	o.tree = tree
	o.currentScore = score
	o.initialized = true
	o.mu.Unlock()

	o.logger.Info("UI hypothesis initialized.",
		zap.Int("nodes", len(tree.CollectIDs())),
		zap.Float64("fitness", score),
	)
	return nil
}

// Fitness returns the current composite fitness score.
func (o *Optimizer) Fitness() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentScore
}

// LatestAnalysis returns the most recent telemetry analysis, or nil.
func (o *Optimizer) LatestAnalysis() *schemas.TelemetryAnalysis {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastAnalysis
}

// OptimizeUI applies the top recommendations from the latest analysis. The
// revised tree replaces the current one only when its fitness strictly
// improves; otherwise the prior UI is retained and the attempt is a recorded
// no-op. Exactly one OptimizationRecord is appended per call.
func (o *Optimizer) OptimizeUI(ctx context.Context) (*schemas.OptimizationRecord, error) {
	o.mu.Lock()
	if o.lastAnalysis == nil {
		o.mu.Unlock()
		return nil, schemas.ErrNoAnalysisAvailable
	}
	analysis := o.lastAnalysis
	currentTree := o.tree
	fitnessBefore := o.currentScore
	fitness := o.fitness
	o.mu.Unlock()

	applied := topRecommendations(analysis.RecommendedChanges, o.cfg.MaxRecommendations)

	fitnessAfter := fitnessBefore
	accepted := false
	var revised *schemas.UIComponentTree

	if len(applied) > 0 {
		var err error
		revised, err = o.generateTree(ctx, revisedTreePrompt(currentTree, applied))
		if err != nil {
			o.logger.Warn("UI revision generation failed; recording no-op attempt.", zap.Error(err))
			revised = nil
		}
	}

	if revised != nil {
		fitnessAfter = o.evaluateTree(ctx, revised, fitness)
		accepted = fitnessAfter > fitnessBefore
	}

	o.mu.Lock()
	o.iteration++
	if accepted {
		// The tree is replaced wholesale, never mutated in place.
		o.tree = revised
		o.currentScore = fitnessAfter
	} else {
		fitnessAfter = fitnessBefore
	}
	record := schemas.OptimizationRecord{
		Iteration:              o.iteration,
		RecommendationsApplied: applied,
		FitnessBefore:          fitnessBefore,
		FitnessAfter:           fitnessAfter,
		Accepted:               accepted,
		Timestamp:              time.Now().UTC(),
	}
	o.history = append(o.history, record)
	o.mu.Unlock()

	o.logger.Info("Optimization attempt recorded.",
		zap.Bool("accepted", accepted),
		zap.Float64("fitness_before", fitnessBefore),
		zap.Float64("fitness_after", fitnessAfter),
	)
	return &record, nil
}

// Snapshot returns a read-only copy of the optimizer state.
func (o *Optimizer) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return State{
		UITree:              o.tree,
		CurrentFitnessScore: o.currentScore,
		FitnessFunction:     o.fitness,
		SessionIDs:          append([]string(nil), o.sessionOrder...),
		BufferedEvents:      len(o.buffer),
		LastAnalysis:        o.lastAnalysis,
		History:             append([]schemas.OptimizationRecord(nil), o.history...),
		Iteration:           o.iteration,
	}
}

// Reset returns the optimizer to its pre-Initialize state.
func (o *Optimizer) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fitness = schemas.FitnessFunction{}
	o.persona = ""
	o.tree = nil
	o.currentScore = 0
	o.buffer = nil
	o.sessions = make(map[string]int)
	o.sessionOrder = nil
	o.lastAnalysis = nil
	o.history = nil
	o.iteration = 0
	o.initialized = false
}

// -- Fitness evaluation --

// principleScoreResponse is the JSON shape of one principle evaluation.
type principleScoreResponse struct {
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// evaluateTree computes the composite fitness score: the weighted mean of
// per-principle scores, each evaluated independently. An evaluation failure
// defaults to the neutral score instead of aborting. The result is always
// in [0,1].
func (o *Optimizer) evaluateTree(ctx context.Context, tree *schemas.UIComponentTree, fitness schemas.FitnessFunction) float64 {
	totalWeight := 0.0
	weightedSum := 0.0

	for _, pw := range fitness.Principles {
		if pw.Weight <= 0 {
			continue
		}
		score := o.evaluatePrinciple(ctx, tree, pw)
		weightedSum += score * pw.Weight
		totalWeight += pw.Weight
	}

	if totalWeight == 0 {
		return 0
	}
	return clamp01(weightedSum / totalWeight)
}

func (o *Optimizer) evaluatePrinciple(ctx context.Context, tree *schemas.UIComponentTree, pw schemas.PrincipleWeight) float64 {
	criteria, known := CriteriaFor(pw.Principle)
	if !known {
		o.logger.Warn("Unknown principle, defaulting to neutral score.",
			zap.String("principle", string(pw.Principle)),
		)
		return o.cfg.NeutralScore
	}

	req := schemas.GenerateRequest{
		SystemPrompt: principleEvalSystemPrompt,
		UserPrompt:   principleEvalPrompt(tree, pw, criteria),
		Options: schemas.GenerateOptions{
			ForceJSONFormat: true,
			Temperature:     0.0,
		},
	}

	var response string
	err := o.retry.Do(ctx, func() error {
		var genErr error
		response, genErr = o.oracle.Generate(ctx, req)
		return genErr
	})
	if err == nil {
		if parsed, perr := oracleutil.ParseJSON[principleScoreResponse](response); perr == nil {
			return clamp01(parsed.Score)
		} else {
			err = perr
		}
	}

	o.logger.Warn("Principle evaluation failed, defaulting to neutral score.",
		zap.String("principle", string(pw.Principle)),
		zap.Error(fmt.Errorf("%w: %v", schemas.ErrEvaluationFailure, err)),
	)
	return o.cfg.NeutralScore
}

// generateTree asks the Oracle for a UI tree and enforces the unique-ID
// invariant on the result.
func (o *Optimizer) generateTree(ctx context.Context, prompt string) (*schemas.UIComponentTree, error) {
	req := schemas.GenerateRequest{
		SystemPrompt: treeGenSystemPrompt,
		UserPrompt:   prompt,
		Options: schemas.GenerateOptions{
			ForceJSONFormat: true,
			Temperature:     0.4,
		},
	}

	var response string
	err := o.retry.Do(ctx, func() error {
		var genErr error
		response, genErr = o.oracle.Generate(ctx, req)
		return genErr
	})
	if err != nil {
		return nil, err
	}

	tree, err := oracleutil.ParseJSON[schemas.UIComponentTree](response)
	if err != nil {
		return nil, err
	}
	if tree.ID == "" {
		return nil, fmt.Errorf("%w: UI tree root has no id", schemas.ErrMalformedResponse)
	}

	if !tree.ValidateUniqueIDs() {
		o.logger.Warn("Generated UI tree contained duplicate ids; deduplicating.")
		dedupeIDs(tree, make(map[string]int))
	}
	return tree, nil
}

// dedupeIDs renames duplicate node IDs deterministically (id, id-2, id-3...).
func dedupeIDs(node *schemas.UIComponentTree, seen map[string]int) {
	if node == nil {
		return
	}
	seen[node.ID]++
	if n := seen[node.ID]; n > 1 {
		node.ID = fmt.Sprintf("%s-%d", node.ID, n)
		seen[node.ID]++
	}
	for _, child := range node.Children {
		dedupeIDs(child, seen)
	}
}

func topRecommendations(changes []schemas.RecommendedChange, n int) []schemas.RecommendedChange {
	sorted := append([]schemas.RecommendedChange(nil), changes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// -- Prompts --

const treeGenSystemPrompt = `You are the UI hypothesis generator of a fitness-driven optimizer.
    Produce a complete UI component tree as strict JSON matching:
    {"id": "...", "type": "...", "props": {...}, "children": [...], "annotations": ["..."]}

    Every node id must be unique within the tree. Respond ONLY with the JSON object.`

const principleEvalSystemPrompt = `You are an evaluator scoring a UI component tree against ONE cognitive principle.
    Apply the given criteria exactly; do not consider other principles.

    **Output Requirements (Strict JSON Format):**
    Respond ONLY with: {"score": 0.0-1.0, "reasoning": "one short paragraph"}`

func initialTreePrompt(meta Metaprompt, fitness schemas.FitnessFunction) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**TARGET PERSONA:** %s\n\n", meta.TargetPersona)
	if meta.ProductContext != "" {
		fmt.Fprintf(&sb, "**PRODUCT CONTEXT:** %s\n\n", meta.ProductContext)
	}
	sb.WriteString("**FITNESS FUNCTION (design for these from the start):**\n")
	for _, pw := range fitness.Principles {
		fmt.Fprintf(&sb, "- %s (weight %.2f, target %s=%.2f)\n", pw.Principle, pw.Weight, pw.TargetMetric, pw.TargetValue)
	}
	sb.WriteString("\nGenerate the initial UI component tree. Respond ONLY with the JSON object.")
	return sb.String()
}

func revisedTreePrompt(current *schemas.UIComponentTree, changes []schemas.RecommendedChange) string {
	var sb strings.Builder
	sb.WriteString("**CURRENT UI TREE (JSON):**\n")
	sb.WriteString(treeJSON(current))
	sb.WriteString("\n\n**CHANGES TO APPLY (all of them, nothing else):**\n")
	for i, c := range changes {
		fmt.Fprintf(&sb, "%d. [priority %d] %s on element %q: %s\n", i+1, c.Priority, c.ChangeType, c.TargetElementID, c.Rationale)
	}
	sb.WriteString("\nProduce the full revised tree. Preserve ids of unchanged nodes. Respond ONLY with the JSON object.")
	return sb.String()
}

func principleEvalPrompt(tree *schemas.UIComponentTree, pw schemas.PrincipleWeight, criteria string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**PRINCIPLE:** %s (target %s=%.2f)\n\n**CRITERIA:**\n%s\n\n**UI TREE (JSON):**\n%s\n\nScore the tree. Respond ONLY with the JSON object.",
		pw.Principle, pw.TargetMetric, pw.TargetValue, criteria, treeJSON(tree))
	return sb.String()
}
