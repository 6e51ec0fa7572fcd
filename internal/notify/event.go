package notify

import (
	"encoding/json"
	"time"

	"brokercore/internal/types"

	"github.com/google/uuid"
)

// Event is one outbox row. It is written in the same transaction as the
// status change it describes and delivered at least once.
type Event struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Kind        types.EventKind `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}

func NewEvent(userID string, kind types.EventKind, payload any) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		Payload:   b,
		CreatedAt: time.Now().UTC(),
	}, nil
}
