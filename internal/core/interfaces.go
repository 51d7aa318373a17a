package core

import (
	"time"

	"github.com/dkeye/peercall/internal/domain"
)

// ConnID identifies one physical connection. An identity keeps its UserID
// across reconnects while the ConnID changes.
type ConnID string

// PublishResult reports delivery stats/backpressure to the orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []domain.UserID
}

// OnlineDTO is a read-only view for APIs (no transport fields).
type OnlineDTO struct {
	ID    domain.UserID `json:"id"`
	Since time.Time     `json:"since"`
}
