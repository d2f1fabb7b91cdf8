package loop

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xkilldash9x/evoloop/api/schemas"
)

// SimulatedTelemetry is a deterministic, seeded TelemetrySource that fabricates
// user sessions against a small synthetic funnel. Every Collect call produces
// a fresh batch of sessions so repeated iterations keep feeding the optimizer.
type SimulatedTelemetry struct {
	mu          sync.Mutex
	rng         *rand.Rand
	sessions    int
	dropOffProb float64
	batch       int
}

// NewSimulatedTelemetry builds a source producing the given number of sessions
// per Collect, with the given per-session drop-off probability.
func NewSimulatedTelemetry(seed int64, sessions int, dropOffProb float64) *SimulatedTelemetry {
	if sessions <= 0 {
		sessions = 25
	}
	if dropOffProb < 0 || dropOffProb > 1 {
		dropOffProb = 0.3
	}
	return &SimulatedTelemetry{
		rng:         rand.New(rand.NewSource(seed)),
		sessions:    sessions,
		dropOffProb: dropOffProb,
	}
}

// funnel pages and the interactive elements on them.
var funnelPages = []struct {
	path     string
	elements []string
}{
	{"/landing", []string{"cta-start", "nav-pricing"}},
	{"/signup", []string{"input-email", "btn-continue"}},
	{"/configure", []string{"select-plan", "toggle-addons", "btn-confirm"}},
	{"/checkout", []string{"input-card", "btn-pay"}},
}

// Collect fabricates one batch of sessions. Sequence numbers are strictly
// increasing within a session; a session either converts on the last page or
// drops off partway with hesitation and frustration signals before it.
func (s *SimulatedTelemetry) Collect(ctx context.Context) ([]schemas.TelemetryEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch++

	now := time.Now().UTC()
	var events []schemas.TelemetryEvent

	for i := 0; i < s.sessions; i++ {
		sessionID := fmt.Sprintf("sim-%d-%d-%s", s.batch, i, uuid.New().String()[:8])
		seq := 0
		emit := func(t schemas.TelemetryEventType, page, element string, durationMs int) {
			seq++
			events = append(events, schemas.TelemetryEvent{
				ID:             uuid.New().String(),
				Timestamp:      now.Add(time.Duration(seq) * time.Second),
				SessionID:      sessionID,
				SequenceNumber: seq,
				EventType:      t,
				ElementID:      element,
				PagePath:       page,
				DurationMs:     durationMs,
			})
		}

		dropsOff := s.rng.Float64() < s.dropOffProb
		dropPage := len(funnelPages) - 1
		if dropsOff {
			dropPage = 1 + s.rng.Intn(len(funnelPages)-1)
		}

		for p, page := range funnelPages {
			emit(schemas.EventPageView, page.path, "", 0)

			if dropsOff && p == dropPage {
				// Struggle before abandoning: hesitate, then rage-click.
				el := page.elements[s.rng.Intn(len(page.elements))]
				emit(schemas.EventHesitation, page.path, el, 2000+s.rng.Intn(4000))
				emit(schemas.EventFrustrationClick, page.path, el, 0)
				emit(schemas.EventDropOff, page.path, "", 0)
				break
			}

			for _, el := range page.elements {
				if s.rng.Float64() < 0.8 {
					emit(schemas.EventClick, page.path, el, 0)
				}
			}
			if page.path == "/signup" || page.path == "/checkout" {
				emit(schemas.EventFormSubmit, page.path, "", 0)
			}
			if p == len(funnelPages)-1 {
				emit(schemas.EventConversion, page.path, "", 0)
			}
		}
	}

	return events, nil
}
