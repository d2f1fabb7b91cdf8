// Package mocks provides shared testify mocks for the loop's boundary
// interfaces.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/xkilldash9x/evoloop/api/schemas"
)

// -- Oracle mock --

// MockOracle mocks the schemas.Oracle interface.
type MockOracle struct {
	mock.Mock
}

// Generate provides a mock function for Oracle calls. It respects context
// cancellation even when the configured Run func blocks.
func (m *MockOracle) Generate(ctx context.Context, req schemas.GenerateRequest) (string, error) {
	type result struct {
		s   string
		err error
	}
	doneChan := make(chan result, 1)

	go func() {
		// Resolved by explicit name; runtime lookup inside the goroutine
		// would see the closure frame instead of Generate.
		args := m.MethodCalled("Generate", ctx, req)
		doneChan <- result{args.String(0), args.Error(1)}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-doneChan:
		return res.s, res.err
	}
}

// -- Telemetry source mock --

// MockTelemetrySource mocks the schemas.TelemetrySource interface.
type MockTelemetrySource struct {
	mock.Mock
}

func (m *MockTelemetrySource) Collect(ctx context.Context) ([]schemas.TelemetryEvent, error) {
	args := m.Called(ctx)
	var r0 []schemas.TelemetryEvent
	if args.Get(0) != nil {
		r0 = args.Get(0).([]schemas.TelemetryEvent)
	}
	return r0, args.Error(1)
}

// -- Context retriever mock --

// MockContextRetriever mocks the schemas.ContextRetriever interface.
type MockContextRetriever struct {
	mock.Mock
}

func (m *MockContextRetriever) Retrieve(ctx context.Context, intent string) ([]schemas.CodeContext, error) {
	args := m.Called(ctx, intent)
	var r0 []schemas.CodeContext
	if args.Get(0) != nil {
		r0 = args.Get(0).([]schemas.CodeContext)
	}
	return r0, args.Error(1)
}
