package store

import (
	"fmt"

	"github.com/finchat/go-finch/bus"
	"github.com/finchat/go-finch/internal/db"
)

type ConversationRepo struct {
	db  *db.Database
	bus *bus.Bus
}

// Get returns the conversation or nil when absent.
func (r *ConversationRepo) Get(conversationID string) (*Conversation, error) {
	c := Conversation{}
	if err := r.db.Conn.Get(&c, "SELECT * FROM conversations WHERE conversation_id = $1", conversationID); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: getting conversation: %w", err)
	}
	return &c, nil
}

// List returns non-quit conversations ordered by pin time then recency, the
// chat-list order.
func (r *ConversationRepo) List() ([]*Conversation, error) {
	var cs []*Conversation
	if err := r.db.Conn.Select(&cs, `
		SELECT * FROM conversations WHERE status != $1
		ORDER BY pin_time IS NULL, pin_time DESC, last_message_created_at IS NULL, last_message_created_at DESC`,
		ConversationStatusQuit); err != nil {
		return nil, fmt.Errorf("store: listing conversations: %w", err)
	}
	return cs, nil
}

// InsertPlaceholder creates a START-state row for a conversation that has
// been referenced before its metadata arrived. Existing rows are untouched.
func (r *ConversationRepo) InsertPlaceholder(conversationID, ownerID string) error {
	return r.db.Run("insert placeholder conversation", func() error {
		return r.InsertPlaceholderTx(conversationID, ownerID)
	})
}

func (r *ConversationRepo) InsertPlaceholderTx(conversationID, ownerID string) error {
	res, err := r.db.Tx.Exec(`
		INSERT INTO conversations (conversation_id, owner_id, status) VALUES ($1, $2, $3)
		ON CONFLICT(conversation_id) DO NOTHING`,
		conversationID, ownerID, ConversationStatusStart)
	if err != nil {
		return fmt.Errorf("store: inserting placeholder conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		r.publish(bus.ActionInsert, conversationID)
	}
	return nil
}

// Upsert writes full conversation metadata, upgrading a placeholder in
// place. Derived columns are never written here; the triggers own them.
func (r *ConversationRepo) Upsert(c *Conversation) error {
	return r.db.Run("upsert conversation", func() error {
		return r.UpsertTx(c)
	})
}

func (r *ConversationRepo) UpsertTx(c *Conversation) error {
	if _, err := r.db.Tx.NamedExec(`
		INSERT INTO conversations (conversation_id, owner_id, category, name, icon_url, announcement, status, draft, mute_until, pin_time, code_url)
		VALUES (:conversation_id, :owner_id, :category, :name, :icon_url, :announcement, :status, :draft, :mute_until, :pin_time, :code_url)
		ON CONFLICT(conversation_id) DO UPDATE SET
			owner_id = :owner_id, category = :category, name = :name, icon_url = :icon_url,
			announcement = :announcement, status = :status, mute_until = :mute_until, code_url = :code_url`, c); err != nil {
		return fmt.Errorf("store: upserting conversation: %w", err)
	}
	r.publish(bus.ActionUpdate, c.ConversationID)
	return nil
}

// UpdateStatus moves the conversation lifecycle state, e.g. to QUIT when the
// account leaves a group.
func (r *ConversationRepo) UpdateStatus(conversationID string, status int) error {
	return r.db.Run("update conversation status", func() error {
		return r.UpdateStatusTx(conversationID, status)
	})
}

func (r *ConversationRepo) UpdateStatusTx(conversationID string, status int) error {
	if _, err := r.db.Tx.Exec("UPDATE conversations SET status = $1 WHERE conversation_id = $2", status, conversationID); err != nil {
		return fmt.Errorf("store: updating conversation status: %w", err)
	}
	r.publish(bus.ActionUpdate, conversationID)
	return nil
}

func (r *ConversationRepo) UpdateDraft(conversationID, draft string) error {
	return r.db.Run("update conversation draft", func() error {
		if _, err := r.db.Tx.Exec("UPDATE conversations SET draft = $1 WHERE conversation_id = $2", draft, conversationID); err != nil {
			return fmt.Errorf("store: updating draft: %w", err)
		}
		r.publish(bus.ActionUpdate, conversationID)
		return nil
	})
}

func (r *ConversationRepo) UpdateMuteUntil(conversationID string, muteUntil uint64) error {
	return r.db.Run("update conversation mute", func() error {
		if _, err := r.db.Tx.Exec("UPDATE conversations SET mute_until = $1 WHERE conversation_id = $2", muteUntil, conversationID); err != nil {
			return fmt.Errorf("store: updating mute_until: %w", err)
		}
		r.publish(bus.ActionUpdate, conversationID)
		return nil
	})
}

func (r *ConversationRepo) UpdatePinTime(conversationID string, pinTime *uint64) error {
	return r.db.Run("update conversation pin", func() error {
		if _, err := r.db.Tx.Exec("UPDATE conversations SET pin_time = $1 WHERE conversation_id = $2", pinTime, conversationID); err != nil {
			return fmt.Errorf("store: updating pin_time: %w", err)
		}
		r.publish(bus.ActionUpdate, conversationID)
		return nil
	})
}

// Delete removes the conversation and, through foreign keys, its messages
// and participants.
func (r *ConversationRepo) Delete(conversationID string) error {
	return r.db.Run("delete conversation", func() error {
		return r.DeleteTx(conversationID)
	})
}

func (r *ConversationRepo) DeleteTx(conversationID string) error {
	if _, err := r.db.Tx.Exec("DELETE FROM conversations WHERE conversation_id = $1", conversationID); err != nil {
		return fmt.Errorf("store: deleting conversation: %w", err)
	}
	r.publish(bus.ActionDelete, conversationID)
	return nil
}

// Search combines conversations whose name matches the keyword with
// conversations reached through matching message text or attachment names.
// The two sets are concatenated, not deduplicated; each is ordered by pin
// time then recency.
func (r *ConversationRepo) Search(keyword string) ([]*SearchResult, error) {
	pattern := "%" + keyword + "%"
	var byName []*SearchResult
	if err := r.db.Conn.Select(&byName, `
		SELECT c.conversation_id, c.category, c.name, c.icon_url, c.pin_time, c.last_message_created_at,
			NULL AS matched_message_id, NULL AS matched_content
		FROM conversations c
		WHERE c.status != $1 AND c.name LIKE $2
		ORDER BY c.pin_time IS NULL, c.pin_time DESC, c.last_message_created_at IS NULL, c.last_message_created_at DESC`,
		ConversationStatusQuit, pattern); err != nil {
		return nil, fmt.Errorf("store: searching conversations by name: %w", err)
	}

	var byMessage []*SearchResult
	if err := r.db.Conn.Select(&byMessage, `
		SELECT c.conversation_id, c.category, c.name, c.icon_url, c.pin_time, c.last_message_created_at,
			m.id AS matched_message_id, m.content AS matched_content
		FROM messages m
		JOIN conversations c ON c.conversation_id = m.conversation_id
		WHERE c.status != $1
			AND ((m.category = $2 AND m.content LIKE $3) OR (m.name IS NOT NULL AND m.name LIKE $3))
		ORDER BY c.pin_time IS NULL, c.pin_time DESC, c.last_message_created_at IS NULL, c.last_message_created_at DESC, m.created_at DESC`,
		ConversationStatusQuit, CategoryPlainText, pattern); err != nil {
		return nil, fmt.Errorf("store: searching conversations by message: %w", err)
	}

	return append(byName, byMessage...), nil
}

func (r *ConversationRepo) publish(action bus.Action, id string) {
	r.db.AfterCommit(func() {
		r.bus.Publish(bus.Event{Kind: bus.KindConversation, Action: action, ID: id})
	})
}
