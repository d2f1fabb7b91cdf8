package workflow

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/evoloop/api/schemas"
)

const testGenSystemPrompt = `You are the test author of a test-driven generation pipeline.
    You receive ONE acceptance criterion (given/when/then) and must produce exactly one executable test for it.

    **Output Requirements (Strict JSON Format):**
    Respond ONLY with a JSON object: {"name": "descriptive test name", "code": "full test source"}

    **Guidelines:**
    - The test must fail until the criterion is implemented, and pass once it is.
    - Use the tooling named in the technical constraints; default to the target language's standard test framework.
    - One test per criterion. No scaffolding beyond what the test needs.`

const codeGenSystemPrompt = `You are the implementer of a test-driven generation pipeline.
    You receive acceptance criteria, retrieved code context, and a set of tests.
    Produce ONE implementation artifact that satisfies every test.

    Respond ONLY with the implementation source code, optionally wrapped in a single markdown code block. No commentary.`

const testExecSystemPrompt = `You are the execution simulator of a test-driven generation pipeline.
    You receive an implementation and a set of tests, each with a test_id.
    Reason carefully about whether each test would pass against the implementation exactly as written.

    **Output Requirements (Strict JSON Format):**
    Respond ONLY with a JSON array, one entry per test, preserving the given test_id values:
    [{"test_id": "...", "passed": true|false, "error_detail": "failure mode, empty when passed"}]`

const rootCauseSystemPrompt = `You are the failure analyst of a test-driven generation pipeline.
    You receive an implementation and its failing tests. Summarize the SINGLE most likely root cause
    shared by the failures, in a short paragraph. Respond with prose only, no JSON, no code.`

const fixGenSystemPrompt = `You are the implementer of a test-driven generation pipeline, fixing a failing implementation.
    You receive the current implementation, the failing tests, and a root-cause analysis.
    Produce a corrected FULL implementation.

    **Hard constraint:** tests that currently pass must continue to pass. Fix the failures without
    removing or weakening satisfied behavior.

    Respond ONLY with the corrected implementation source code, optionally in a single markdown code block.`

func testGenPrompt(req schemas.GenerationRequest, criterion schemas.AcceptanceCriterion, contexts []schemas.CodeContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**INTENT:** %s\n\n", req.Intent)
	fmt.Fprintf(&sb, "**ACCEPTANCE CRITERION (priority %s):**\n- Given: %s\n- When: %s\n- Then: %s\n\n",
		criterion.Priority, criterion.Given, criterion.When, criterion.Then)
	writeConstraints(&sb, req)
	writeContexts(&sb, contexts)
	sb.WriteString("Generate exactly one test for this criterion. Respond ONLY with the JSON object.")
	return sb.String()
}

func codeGenPrompt(req schemas.GenerationRequest, contexts []schemas.CodeContext, tests []schemas.GeneratedTest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**INTENT:** %s\n\n**ACCEPTANCE CRITERIA:**\n", req.Intent)
	for i, c := range req.AcceptanceCriteria {
		fmt.Fprintf(&sb, "%d. Given %s, when %s, then %s\n", i+1, c.Given, c.When, c.Then)
	}
	sb.WriteString("\n")
	writeConstraints(&sb, req)
	writeContexts(&sb, contexts)
	sb.WriteString("**TESTS TO SATISFY:**\n")
	for _, t := range tests {
		fmt.Fprintf(&sb, "-- %s --\n```\n%s\n```\n", t.Name, t.Code)
	}
	sb.WriteString("\nProduce one implementation satisfying every test.")
	return sb.String()
}

func testExecPrompt(state *schemas.WorkflowState) string {
	var sb strings.Builder
	current := state.GeneratedCode[len(state.GeneratedCode)-1]
	fmt.Fprintf(&sb, "**IMPLEMENTATION (revision %d):**\n```%s\n%s\n```\n\n**TESTS:**\n", current.Revision, current.Language, current.Code)
	for _, t := range state.GeneratedTests {
		fmt.Fprintf(&sb, "-- test_id: %s (%s) --\n```\n%s\n```\n", t.ID, t.Name, t.Code)
	}
	sb.WriteString("\nSimulate executing every test against the implementation. Respond ONLY with the JSON array of results.")
	return sb.String()
}

func rootCausePrompt(state *schemas.WorkflowState, failures []schemas.TestResult) string {
	var sb strings.Builder
	current := state.GeneratedCode[len(state.GeneratedCode)-1]
	fmt.Fprintf(&sb, "**IMPLEMENTATION (revision %d):**\n```%s\n%s\n```\n\n**FAILING TESTS:**\n", current.Revision, current.Language, current.Code)
	for _, f := range failures {
		fmt.Fprintf(&sb, "- %s: %s\n", f.TestName, f.ErrorDetail)
	}
	sb.WriteString("\nSummarize the single most likely shared root cause.")
	return sb.String()
}

func fixGenPrompt(state *schemas.WorkflowState, failures []schemas.TestResult, rootCause string) string {
	var sb strings.Builder
	current := state.GeneratedCode[len(state.GeneratedCode)-1]
	fmt.Fprintf(&sb, "**CURRENT IMPLEMENTATION (revision %d):**\n```%s\n%s\n```\n\n", current.Revision, current.Language, current.Code)
	fmt.Fprintf(&sb, "**ROOT CAUSE ANALYSIS:**\n%s\n\n**FAILING TESTS:**\n", rootCause)
	for _, f := range failures {
		fmt.Fprintf(&sb, "- %s: %s\n", f.TestName, f.ErrorDetail)
	}
	passing := 0
	for _, r := range state.TestResults {
		if r.Passed {
			passing++
		}
	}
	fmt.Fprintf(&sb, "\n%d tests currently pass and must keep passing. Produce the corrected full implementation.", passing)
	return sb.String()
}

func writeConstraints(sb *strings.Builder, req schemas.GenerationRequest) {
	if req.Constraints == nil {
		return
	}
	fmt.Fprintf(sb, "**TECHNICAL CONSTRAINTS:** language=%s framework=%s test_tooling=%s\n\n",
		req.Constraints.Language, req.Constraints.Framework, req.Constraints.TestTooling)
}

func writeContexts(sb *strings.Builder, contexts []schemas.CodeContext) {
	if len(contexts) == 0 {
		return
	}
	sb.WriteString("**RETRIEVED CONTEXT:**\n")
	for _, c := range contexts {
		fmt.Fprintf(sb, "-- %s (relevance %.2f) --\n%s\n", c.FilePath, c.Relevance, c.Content)
	}
	sb.WriteString("\n")
}
