package feedback

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/evoloop/api/schemas"
	"github.com/xkilldash9x/evoloop/internal/oracle"
	"github.com/xkilldash9x/evoloop/internal/oracle/oracleutil"
)

// Translation is the full output of translating one telemetry analysis:
// the causal graph built from it, the issues derived from the graph, and
// zero or more generation requests for the severe ones.
type Translation struct {
	Graph    *CausalGraph
	Issues   []schemas.Issue
	Requests []schemas.GenerationRequest
}

// Translator derives issues and feature requests from telemetry analyses.
type Translator struct {
	logger *zap.Logger
	oracle schemas.Oracle
	retry  oracle.RetryPolicy
}

// NewTranslator constructs a translator.
func NewTranslator(logger *zap.Logger, o schemas.Oracle, retry oracle.RetryPolicy) *Translator {
	return &Translator{
		logger: logger.Named("feedback"),
		oracle: o,
		retry:  retry,
	}
}

// Translate builds the causal graph for one analysis, derives issues from it,
// and generates a new feature request for every high or critical issue. A
// request generation failure downgrades that issue to issues-only; the
// translation itself never fails on Oracle errors.
func (t *Translator) Translate(ctx context.Context, analysis *schemas.TelemetryAnalysis) (*Translation, error) {
	if analysis == nil {
		return nil, fmt.Errorf("%w: nil analysis", schemas.ErrInvalidRequest)
	}

	graph := BuildGraph(analysis)
	issues := DeriveIssues(graph, analysis)

	var requests []schemas.GenerationRequest
	for _, issue := range issues {
		if !issue.Severity.AtLeast(schemas.SeverityHigh) {
			continue
		}
		req, err := t.generateRequest(ctx, issue, analysis)
		if err != nil {
			t.logger.Warn("Feature request generation failed; keeping issue only.",
				zap.String("issue_id", issue.ID),
				zap.Error(err),
			)
			continue
		}
		requests = append(requests, *req)
	}

	t.logger.Info("Telemetry analysis translated.",
		zap.Int("graph_nodes", len(graph.Nodes())),
		zap.Int("issues", len(issues)),
		zap.Int("requests", len(requests)),
	)
	return &Translation{Graph: graph, Issues: issues, Requests: requests}, nil
}

// BuildGraph constructs the causal graph for an analysis. Hesitation and
// frustration become anomaly leaves, violations become violation leaves, and
// drop-off pages plus depressed completion become effect nodes caused by
// every leaf touching the same surface (or by all leaves when no element
// mapping exists).
func BuildGraph(analysis *schemas.TelemetryAnalysis) *CausalGraph {
	g := NewCausalGraph()

	var leafIDs []string
	for _, el := range analysis.Patterns.HesitationPoints {
		id := "anomaly:hesitation:" + el
		g.AddNode(Node{
			ID:          id,
			Type:        NodeBehavioralAnomaly,
			ElementID:   el,
			Description: fmt.Sprintf("users hesitate at element %q", el),
			Severity:    schemas.SeverityMedium,
		})
		leafIDs = append(leafIDs, id)
	}
	for _, el := range analysis.Patterns.FrustrationElements {
		id := "anomaly:frustration:" + el
		g.AddNode(Node{
			ID:          id,
			Type:        NodeBehavioralAnomaly,
			ElementID:   el,
			Description: fmt.Sprintf("repeated frustration clicks on element %q", el),
			Severity:    schemas.SeverityHigh,
		})
		leafIDs = append(leafIDs, id)
	}
	for _, v := range analysis.Violations {
		id := fmt.Sprintf("violation:%s:%s", v.Principle, v.ElementID)
		g.AddNode(Node{
			ID:          id,
			Type:        NodePrincipleViolation,
			ElementID:   v.ElementID,
			Description: v.Description,
			Severity:    v.Severity,
		})
		leafIDs = append(leafIDs, id)
	}

	for _, page := range analysis.Patterns.DropOffPages {
		id := "blocker:drop_off:" + page
		g.AddNode(Node{
			ID:          id,
			Type:        NodeConversionBlocker,
			PagePath:    page,
			Description: fmt.Sprintf("sessions abandon the flow on page %q", page),
			Severity:    schemas.SeverityHigh,
		})
		for _, leaf := range leafIDs {
			_ = g.AddEdge(leaf, id)
		}
	}

	if analysis.Patterns.CompletionRate < 0.5 && analysis.SessionCount > 0 {
		id := "blocker:completion_rate"
		g.AddNode(Node{
			ID:          id,
			Type:        NodeConversionBlocker,
			Description: fmt.Sprintf("completion rate is %.0f%% across %d sessions", analysis.Patterns.CompletionRate*100, analysis.SessionCount),
			Severity:    schemas.SeverityCritical,
		})
		for _, leaf := range leafIDs {
			_ = g.AddEdge(leaf, id)
		}
	}

	return g
}

// DeriveIssues reduces the graph to concrete issues. Each effect node yields
// one issue whose evidence is its root causes; causeless nodes not already
// folded into an effect yield standalone issues of their own type.
func DeriveIssues(g *CausalGraph, analysis *schemas.TelemetryAnalysis) []schemas.Issue {
	var issues []schemas.Issue
	explained := make(map[string]struct{})

	for _, effect := range g.Effects() {
		roots := g.RootCauses(effect.ID)
		evidence := make([]string, 0, len(roots)+1)
		evidence = append(evidence, effect.Description)
		for _, r := range roots {
			explained[r.ID] = struct{}{}
			evidence = append(evidence, r.Description)
		}
		issues = append(issues, schemas.Issue{
			ID:            uuid.New().String(),
			Type:          issueTypeFor(effect),
			Severity:      effect.Severity,
			AffectedCount: analysis.SessionCount,
			Evidence:      evidence,
		})
	}

	for _, n := range g.Nodes() {
		if g.HasCauses(n.ID) {
			continue
		}
		// Causeless node; skip those already folded into an effect issue.
		if _, done := explained[n.ID]; done {
			continue
		}
		issues = append(issues, schemas.Issue{
			ID:            uuid.New().String(),
			Type:          issueTypeFor(n),
			Severity:      n.Severity,
			AffectedCount: analysis.SessionCount,
			Evidence:      []string{n.Description},
		})
	}

	return issues
}

func issueTypeFor(n *Node) schemas.IssueType {
	switch n.Type {
	case NodeConversionBlocker:
		return schemas.IssueConversionBlocker
	case NodePerformanceIssue:
		return schemas.IssuePerformance
	case NodePrincipleViolation:
		return schemas.IssueCognitiveOverload
	default:
		return schemas.IssueFriction
	}
}

// generatedRequestResponse is the JSON shape of an Oracle-authored request.
type generatedRequestResponse struct {
	Intent             string                        `json:"intent"`
	AcceptanceCriteria []schemas.AcceptanceCriterion `json:"acceptance_criteria"`
}

// generateRequest asks the Oracle to shape one severe issue into a testable
// feature request with at least one acceptance criterion.
func (t *Translator) generateRequest(ctx context.Context, issue schemas.Issue, analysis *schemas.TelemetryAnalysis) (*schemas.GenerationRequest, error) {
	genReq := schemas.GenerateRequest{
		SystemPrompt: requestGenSystemPrompt,
		UserPrompt:   requestGenPrompt(issue, analysis),
		Options: schemas.GenerateOptions{
			ForceJSONFormat: true,
			Temperature:     0.3,
		},
	}

	var response string
	err := t.retry.Do(ctx, func() error {
		var genErr error
		response, genErr = t.oracle.Generate(ctx, genReq)
		return genErr
	})
	if err != nil {
		return nil, err
	}

	parsed, err := oracleutil.ParseJSON[generatedRequestResponse](response)
	if err != nil {
		return nil, err
	}
	if parsed.Intent == "" || len(parsed.AcceptanceCriteria) == 0 {
		return nil, fmt.Errorf("%w: generated request lacks intent or criteria", schemas.ErrMalformedResponse)
	}

	return &schemas.GenerationRequest{
		ID:                 uuid.New().String(),
		Intent:             parsed.Intent,
		AcceptanceCriteria: parsed.AcceptanceCriteria,
		Origin:             fmt.Sprintf("feedback:%s", issue.ID),
		CreatedAt:          time.Now().UTC(),
	}, nil
}

const requestGenSystemPrompt = `You are the product translator of a closed generation loop.
    You receive one severe product issue with its causal evidence. Author a feature request that,
    once implemented, would eliminate the issue.

    **Output Requirements (Strict JSON Format):**
    Respond ONLY with:
    {"intent": "one-sentence feature intent",
     "acceptance_criteria": [{"given": "...", "when": "...", "then": "...", "priority": "critical|high|medium|low"}]}
    Criteria must be concrete and testable; at least one is required.`

func requestGenPrompt(issue schemas.Issue, analysis *schemas.TelemetryAnalysis) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**ISSUE:** type=%s severity=%s affected_sessions=%d\n\n**EVIDENCE:**\n", issue.Type, issue.Severity, issue.AffectedCount)
	for _, ev := range issue.Evidence {
		fmt.Fprintf(&sb, "- %s\n", ev)
	}
	fmt.Fprintf(&sb, "\nCompletion rate across the analyzed sessions: %.0f%%.\n", analysis.Patterns.CompletionRate*100)
	sb.WriteString("\nAuthor the feature request. Respond ONLY with the JSON object.")
	return sb.String()
}
