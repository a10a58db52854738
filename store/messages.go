package store

import (
	"encoding/json"
	"fmt"

	"github.com/finchat/go-finch/bus"
	"github.com/finchat/go-finch/internal/db"
)

type MessageRepo struct {
	db  *db.Database
	bus *bus.Bus
}

// Get returns the message or nil when absent.
func (r *MessageRepo) Get(id string) (*Message, error) {
	m := Message{}
	if err := r.db.Conn.Get(&m, "SELECT * FROM messages WHERE id = $1", id); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: getting message: %w", err)
	}
	return &m, nil
}

// List returns messages for a conversation ordered by created_at descending,
// keyset-paginated. beforeCreatedAt of 0 means newest first.
func (r *MessageRepo) List(conversationID string, beforeCreatedAt uint64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeCreatedAt == 0 {
		beforeCreatedAt = ^uint64(0) >> 1
	}
	var ms []*Message
	if err := r.db.Conn.Select(&ms, `
		SELECT * FROM messages WHERE conversation_id = $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC LIMIT $3`,
		conversationID, beforeCreatedAt, limit); err != nil {
		return nil, fmt.Errorf("store: listing messages: %w", err)
	}
	return ms, nil
}

// Insert writes a message idempotently by id. When the message quotes
// another and no cached snapshot was supplied, the quoted message's content
// is denormalized into quote_content so rendering never joins. Triggers
// maintain the conversation's last-message pointer and unseen count in the
// same transaction.
func (r *MessageRepo) Insert(m *Message) error {
	return r.db.Run("insert message", func() error {
		return r.InsertTx(m)
	})
}

func (r *MessageRepo) InsertTx(m *Message) error {
	if m.QuoteMessageID != nil && m.QuoteContent == nil {
		quoted := Message{}
		err := r.db.Tx.Get(&quoted, "SELECT * FROM messages WHERE id = $1", *m.QuoteMessageID)
		if err != nil && !noRows(err) {
			return fmt.Errorf("store: loading quoted message: %w", err)
		}
		if err == nil {
			snapshot, err := json.Marshal(map[string]any{
				"message_id": quoted.ID,
				"user_id":    quoted.UserID,
				"category":   quoted.Category,
				"content":    quoted.Content,
			})
			if err != nil {
				return fmt.Errorf("store: encoding quote snapshot: %w", err)
			}
			m.QuoteContent = &snapshot
		}
	}

	res, err := r.db.Tx.NamedExec(`
		INSERT INTO messages (id, conversation_id, user_id, category, content,
			media_url, media_mime_type, media_size, media_duration, media_width, media_height,
			media_hash, media_key, media_digest, media_status, thumb_image,
			status, created_at, action, participant_id, snapshot_id, name, sticker_id,
			shared_user_id, quote_message_id, quote_content)
		VALUES (:id, :conversation_id, :user_id, :category, :content,
			:media_url, :media_mime_type, :media_size, :media_duration, :media_width, :media_height,
			:media_hash, :media_key, :media_digest, :media_status, :thumb_image,
			:status, :created_at, :action, :participant_id, :snapshot_id, :name, :sticker_id,
			:shared_user_id, :quote_message_id, :quote_content)
		ON CONFLICT(id) DO NOTHING`, m)
	if err != nil {
		return fmt.Errorf("store: inserting message: %w", db.Classify(err))
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		r.publish(bus.ActionInsert, m.ID)
	}
	return nil
}

// UpdateStatus applies newStatus only when it advances the message in the
// order SENDING < SENT < DELIVERED < READ; regressions from duplicated or
// reordered acks are no-ops. FAILED is terminal against SENDING and SENT,
// but a later DELIVERED or READ supersedes it: a remote ack proves the
// message left the device, so the local failure verdict was wrong.
func (r *MessageRepo) UpdateStatus(id, newStatus string) error {
	return r.db.Run("update message status", func() error {
		return r.UpdateStatusTx(id, newStatus)
	})
}

func (r *MessageRepo) UpdateStatusTx(id, newStatus string) error {
	var current string
	if err := r.db.Tx.Get(&current, "SELECT status FROM messages WHERE id = $1", id); err != nil {
		if noRows(err) {
			return nil
		}
		return fmt.Errorf("store: reading message status: %w", err)
	}
	if !statusAdvances(current, newStatus) {
		return nil
	}
	if _, err := r.db.Tx.Exec("UPDATE messages SET status = $1 WHERE id = $2", newStatus, id); err != nil {
		return fmt.Errorf("store: updating message status: %w", err)
	}
	r.publish(bus.ActionUpdate, id)
	return nil
}

func statusAdvances(current, next string) bool {
	if current == next {
		return false
	}
	if next == MessageStatusFailed {
		// failure only lands on a message still in flight
		return current == MessageStatusSending || current == MessageStatusSent
	}
	if current == MessageStatusFailed {
		return next == MessageStatusDelivered || next == MessageStatusRead
	}
	curRank, ok := statusRank[current]
	if !ok {
		return false
	}
	nextRank, ok := statusRank[next]
	if !ok {
		return false
	}
	return nextRank > curRank
}

// MarkRead moves every DELIVERED message from other senders in the
// conversation to READ and returns their ids, oldest first, so the caller
// can enqueue read acks.
func (r *MessageRepo) MarkRead(conversationID, selfID string) ([]string, error) {
	var ids []string
	err := r.db.Run("mark conversation read", func() error {
		if err := r.db.Tx.Select(&ids, `
			SELECT id FROM messages
			WHERE conversation_id = $1 AND user_id != $2 AND status = $3
			ORDER BY created_at ASC`,
			conversationID, selfID, MessageStatusDelivered); err != nil {
			return fmt.Errorf("store: selecting unread: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		if _, err := r.db.Tx.Exec(`
			UPDATE messages SET status = $1
			WHERE conversation_id = $2 AND user_id != $3 AND status = $4`,
			MessageStatusRead, conversationID, selfID, MessageStatusDelivered); err != nil {
			return fmt.Errorf("store: marking read: %w", err)
		}
		r.publish(bus.ActionUpdate, conversationID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// FirstUnread locates the first unread message in a conversation through a
// three-step anchor chain: the latest self-authored message (nothing before
// the user's own activity is unread), then the latest READ message after it,
// then the earliest DELIVERED message past whichever anchor is later. Either
// anchor may be absent.
func (r *MessageRepo) FirstUnread(conversationID, selfID string) (*Message, error) {
	var anchor uint64

	var selfAt uint64
	err := r.db.Conn.Get(&selfAt, `
		SELECT created_at FROM messages
		WHERE conversation_id = $1 AND user_id = $2
		ORDER BY created_at DESC LIMIT 1`, conversationID, selfID)
	if err != nil && !noRows(err) {
		return nil, fmt.Errorf("store: finding self anchor: %w", err)
	}
	if err == nil {
		anchor = selfAt
	}

	var readAt uint64
	err = r.db.Conn.Get(&readAt, `
		SELECT created_at FROM messages
		WHERE conversation_id = $1 AND status = $2 AND created_at >= $3
		ORDER BY created_at DESC LIMIT 1`, conversationID, MessageStatusRead, anchor)
	if err != nil && !noRows(err) {
		return nil, fmt.Errorf("store: finding read anchor: %w", err)
	}
	if err == nil && readAt > anchor {
		anchor = readAt
	}

	m := Message{}
	err = r.db.Conn.Get(&m, `
		SELECT * FROM messages
		WHERE conversation_id = $1 AND status = $2 AND user_id != $3 AND created_at > $4
		ORDER BY created_at ASC LIMIT 1`,
		conversationID, MessageStatusDelivered, selfID, anchor)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: finding first unread: %w", err)
	}
	return &m, nil
}

// UpdateMediaStatus records attachment transfer state (PENDING, DONE,
// CANCELED, EXPIRED).
func (r *MessageRepo) UpdateMediaStatus(id, mediaStatus string) error {
	return r.db.Run("update media status", func() error {
		if _, err := r.db.Tx.Exec("UPDATE messages SET media_status = $1 WHERE id = $2", mediaStatus, id); err != nil {
			return fmt.Errorf("store: updating media status: %w", err)
		}
		r.publish(bus.ActionUpdate, id)
		return nil
	})
}

// Delete removes a single message. The delete triggers re-derive the owning
// conversation's last-message pointer and unseen count.
func (r *MessageRepo) Delete(id string) error {
	return r.db.Run("delete message", func() error {
		return r.DeleteTx(id)
	})
}

func (r *MessageRepo) DeleteTx(id string) error {
	if _, err := r.db.Tx.Exec("DELETE FROM messages WHERE id = $1", id); err != nil {
		return fmt.Errorf("store: deleting message: %w", err)
	}
	r.publish(bus.ActionDelete, id)
	return nil
}

// CountUnread reports the conversation's trigger-maintained unseen count.
func (r *MessageRepo) CountUnread(conversationID string) (int, error) {
	var n int
	if err := r.db.Conn.Get(&n, "SELECT unseen_message_count FROM conversations WHERE conversation_id = $1", conversationID); err != nil {
		if noRows(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("store: counting unread: %w", err)
	}
	return n, nil
}

// MediaFilenames returns the generated filenames referenced by attachment
// messages in a category, for the backup pipeline's local file enumeration.
func (r *MessageRepo) MediaFilenames(category string) ([]string, error) {
	var names []string
	if err := r.db.Conn.Select(&names, `
		SELECT media_url FROM messages
		WHERE category = $1 AND media_url IS NOT NULL AND media_status = 'DONE'`, category); err != nil {
		return nil, fmt.Errorf("store: listing media filenames: %w", err)
	}
	return names, nil
}

func (r *MessageRepo) publish(action bus.Action, id string) {
	r.db.AfterCommit(func() {
		r.bus.Publish(bus.Event{Kind: bus.KindMessage, Action: action, ID: id})
	})
}
