package server

import (
	"context"

	"github.com/aeolun/chatcast/pkg/database"
	"github.com/aeolun/chatcast/pkg/protocol"
)

// MessageStore persists Chat, Join and Leave envelopes.
type MessageStore interface {
	SaveMessage(ctx context.Context, env protocol.Envelope) (*database.Message, error)
}

// HistoryStore serves the REST history endpoints.
type HistoryStore interface {
	ListMessages(ctx context.Context, filter database.MessageFilter) ([]*database.Message, error)
}

// Localizer resolves user-facing strings. Arguments fill {0}, {1}, ...
type Localizer interface {
	Text(key string, args ...any) (string, error)
}
