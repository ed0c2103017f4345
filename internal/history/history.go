package history

import (
	"context"
	"errors"

	"switchboard/internal/domain"
	"switchboard/internal/idgen"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

var ErrInvalidQuery = errors.New("invalid history query")

// Appender records a delivered message in the durable read model.
type Appender interface {
	Append(ctx context.Context, msg domain.HistoryMessage) error
}

type Reader interface {
	// GetHistory returns the conversation between userID and peerID, newest
	// first, with message ids below olderThan. olderThan <= 0 starts at the
	// newest message.
	GetHistory(ctx context.Context, userID, peerID domain.ClientID, olderThan int64, limit int) (Page, error)
}

type Store interface {
	Appender
	Reader
}

type Page struct {
	Messages []domain.HistoryMessage `json:"messages"`
	// NextOlderThan is the cursor for the next page, 0 when this page is
	// the last one.
	NextOlderThan int64 `json:"next_older_than,omitempty"`
}

// ChatID is the storage key of the one-to-one conversation between a and b.
// It is symmetric in its arguments but only unique while both ids fit in 32
// bits, so readers must also match the participant pair.
func ChatID(a, b domain.ClientID) int64 {
	lo, hi := int64(a), int64(b)
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo<<32 ^ hi
}

// FromBackplane builds the history row for msg. The creation time is the
// timestamp embedded in the message id.
func FromBackplane(msg domain.BackplaneMessage) domain.HistoryMessage {
	return domain.HistoryMessage{
		MessageID:   msg.MessageID,
		ChatID:      ChatID(msg.SenderID, msg.ReceiverID),
		SenderID:    msg.SenderID,
		ReceiverID:  msg.ReceiverID,
		Payload:     msg.Payload,
		CreatedAtMs: idgen.Decompose(msg.MessageID).Time.UnixMilli(),
	}
}

// NormalizeLimit clamps limit to (0, MaxPageSize], using DefaultPageSize
// for non-positive values.
func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	}
	return limit
}
