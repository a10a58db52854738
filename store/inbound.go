package store

import (
	"fmt"

	"github.com/finchat/go-finch/internal/db"
)

// InboundRepo is the narrow ephemeral queue of raw inbound messages in the
// task database, drained FIFO by the processing loop.
type InboundRepo struct {
	db *db.Database
}

func (r *InboundRepo) Push(m *InboundMessage) error {
	return r.db.Run("push inbound message", func() error {
		if _, err := r.db.Tx.NamedExec(`
			INSERT INTO inbound_messages (message_id, data, created_at)
			VALUES (:message_id, :data, :created_at)
			ON CONFLICT(message_id) DO NOTHING`, m); err != nil {
			return fmt.Errorf("store: pushing inbound message: %w", db.Classify(err))
		}
		return nil
	})
}

// Peek returns up to limit oldest pending inbound messages.
func (r *InboundRepo) Peek(limit int) ([]*InboundMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var ms []*InboundMessage
	if err := r.db.Conn.Select(&ms, "SELECT * FROM inbound_messages ORDER BY seq ASC LIMIT $1", limit); err != nil {
		return nil, fmt.Errorf("store: peeking inbound messages: %w", err)
	}
	return ms, nil
}

// Ack removes processed messages.
func (r *InboundRepo) Ack(messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return r.db.Run("ack inbound messages", func() error {
		for _, id := range messageIDs {
			if _, err := r.db.Tx.Exec("DELETE FROM inbound_messages WHERE message_id = $1", id); err != nil {
				return fmt.Errorf("store: acking inbound message %s: %w", id, err)
			}
		}
		return nil
	})
}

func (r *InboundRepo) Count() (int, error) {
	var n int
	if err := r.db.Conn.Get(&n, "SELECT count(*) FROM inbound_messages"); err != nil {
		return 0, fmt.Errorf("store: counting inbound messages: %w", err)
	}
	return n, nil
}
