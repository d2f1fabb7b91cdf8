package rag

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/evoloop/api/schemas"
	"github.com/xkilldash9x/evoloop/internal/oracle"
	"github.com/xkilldash9x/evoloop/internal/oracle/oracleutil"
)

// Executor runs a plan's sub-queries in structured parallel fan-out: all
// issued concurrently, all results awaited before synthesis begins. Results
// are cached per query ID; cache entries are written once and never mutated.
type Executor struct {
	logger *zap.Logger
	oracle schemas.Oracle
	retry  oracle.RetryPolicy

	cacheMu sync.Mutex
	cache   map[string][]schemas.CodeContext
}

// NewExecutor initializes the executor with an empty cache.
func NewExecutor(logger *zap.Logger, o schemas.Oracle, retry oracle.RetryPolicy) *Executor {
	return &Executor{
		logger: logger.Named("rag.executor"),
		oracle: o,
		retry:  retry,
		cache:  make(map[string][]schemas.CodeContext),
	}
}

// Execute runs every sub-query concurrently and returns one result per
// sub-query, in plan order. An individual query failure degrades to an empty
// result set; Execute itself never fails.
func (e *Executor) Execute(ctx context.Context, plan *QueryPlan) []QueryResult {
	results := make([]QueryResult, len(plan.SubQueries))

	g, gctx := errgroup.WithContext(ctx)
	for i, sq := range plan.SubQueries {
		g.Go(func() error {
			results[i] = e.executeOne(gctx, sq)
			return nil
		})
	}
	// Workers never return errors; Wait is a pure barrier.
	_ = g.Wait()

	return results
}

func (e *Executor) executeOne(ctx context.Context, sq SubQuery) QueryResult {
	if cached, ok := e.cacheGet(sq.ID); ok {
		e.logger.Debug("Sub-query cache hit.", zap.String("query_id", sq.ID))
		return QueryResult{QueryID: sq.ID, Contexts: cached, FromCache: true}
	}

	contexts, err := e.queryOracle(ctx, sq)
	if err != nil {
		e.logger.Warn("Sub-query execution failed, degrading to empty result set.",
			zap.String("query_id", sq.ID),
			zap.Error(fmt.Errorf("%w: %v", schemas.ErrQueryExecution, err)),
		)
		return QueryResult{QueryID: sq.ID}
	}

	e.cachePut(sq.ID, contexts)
	return QueryResult{QueryID: sq.ID, Contexts: contexts}
}

func (e *Executor) queryOracle(ctx context.Context, sq SubQuery) ([]schemas.CodeContext, error) {
	req := schemas.GenerateRequest{
		SystemPrompt: e.getSystemPrompt(),
		UserPrompt:   e.constructPrompt(sq),
		Options: schemas.GenerateOptions{
			ForceJSONFormat: true,
			Temperature:     0.1,
		},
	}

	var response string
	err := e.retry.Do(ctx, func() error {
		var genErr error
		response, genErr = e.oracle.Generate(ctx, req)
		return genErr
	})
	if err != nil {
		return nil, err
	}

	parsed, err := oracleutil.ParseJSON[[]schemas.CodeContext](response)
	if err != nil {
		return nil, err
	}

	contexts := *parsed
	for i := range contexts {
		if contexts[i].Relevance < 0 {
			contexts[i].Relevance = 0
		}
		if contexts[i].Relevance > 1 {
			contexts[i].Relevance = 1
		}
	}
	return contexts, nil
}

func (e *Executor) cacheGet(queryID string) ([]schemas.CodeContext, bool) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	contexts, ok := e.cache[queryID]
	return contexts, ok
}

func (e *Executor) cachePut(queryID string, contexts []schemas.CodeContext) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	// Write-once: the first result for a query ID wins.
	if _, exists := e.cache[queryID]; !exists {
		e.cache[queryID] = contexts
	}
}

// CacheSize reports the number of cached query results.
func (e *Executor) CacheSize() int {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	return len(e.cache)
}

// ResetCache discards all cached results.
func (e *Executor) ResetCache() {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.cache = make(map[string][]schemas.CodeContext)
}

func (e *Executor) getSystemPrompt() string {
	return `You are the retrieval executor of a code-context subsystem.
    You receive one focused QUERY and must return the most relevant code contexts from the corpus.

    **Output Requirements (Strict JSON Format):**
    Respond ONLY with a JSON array of context objects:
    [{"file_path": "...", "content": "...", "relevance": 0.0-1.0, "dependencies": ["..."], "exports": ["..."]}]

    Return at most 5 contexts, ordered by relevance descending. Relevance must
    reflect how directly the content answers the query.`
}

func (e *Executor) constructPrompt(sq SubQuery) string {
	if sq.Focus != "" {
		return fmt.Sprintf("**QUERY:** %s\n**FOCUS:** %s\n\nRespond ONLY with the JSON array of code contexts.", sq.Query, sq.Focus)
	}
	return fmt.Sprintf("**QUERY:** %s\n\nRespond ONLY with the JSON array of code contexts.", sq.Query)
}
