package store

import (
	"fmt"

	"github.com/finchat/go-finch/bus"
	"github.com/finchat/go-finch/internal/db"
)

type ParticipantRepo struct {
	db  *db.Database
	bus *bus.Bus
}

func (r *ParticipantRepo) List(conversationID string) ([]*Participant, error) {
	var ps []*Participant
	if err := r.db.Conn.Select(&ps, `
		SELECT * FROM participants WHERE conversation_id = $1 ORDER BY created_at ASC`, conversationID); err != nil {
		return nil, fmt.Errorf("store: listing participants: %w", err)
	}
	return ps, nil
}

func (r *ParticipantRepo) Get(conversationID, userID string) (*Participant, error) {
	p := Participant{}
	if err := r.db.Conn.Get(&p, "SELECT * FROM participants WHERE conversation_id = $1 AND user_id = $2", conversationID, userID); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: getting participant: %w", err)
	}
	return &p, nil
}

func (r *ParticipantRepo) Upsert(p *Participant) error {
	return r.db.Run("upsert participant", func() error {
		return r.UpsertTx(p)
	})
}

func (r *ParticipantRepo) UpsertTx(p *Participant) error {
	if _, err := r.db.Tx.NamedExec(`
		INSERT INTO participants (conversation_id, user_id, role, status, created_at)
		VALUES (:conversation_id, :user_id, :role, :status, :created_at)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET role = :role, status = :status`, p); err != nil {
		return fmt.Errorf("store: upserting participant: %w", db.Classify(err))
	}
	r.publish(bus.ActionUpdate, p.ConversationID)
	return nil
}

// ReplaceAll swaps the conversation's whole participant set in one
// transaction, used when full membership arrives from the network.
func (r *ParticipantRepo) ReplaceAll(conversationID string, ps []*Participant) error {
	return r.db.Run("replace participants", func() error {
		return r.ReplaceAllTx(conversationID, ps)
	})
}

func (r *ParticipantRepo) ReplaceAllTx(conversationID string, ps []*Participant) error {
	if _, err := r.db.Tx.Exec("DELETE FROM participants WHERE conversation_id = $1", conversationID); err != nil {
		return fmt.Errorf("store: clearing participants: %w", err)
	}
	for _, p := range ps {
		if p.ConversationID != conversationID {
			return fmt.Errorf("store: participant %s belongs to conversation %s, not %s", p.UserID, p.ConversationID, conversationID)
		}
		if _, err := r.db.Tx.NamedExec(`
			INSERT INTO participants (conversation_id, user_id, role, status, created_at)
			VALUES (:conversation_id, :user_id, :role, :status, :created_at)`, p); err != nil {
			return fmt.Errorf("store: inserting participant: %w", db.Classify(err))
		}
	}
	r.publish(bus.ActionUpdate, conversationID)
	return nil
}

func (r *ParticipantRepo) Delete(conversationID, userID string) error {
	return r.db.Run("delete participant", func() error {
		if _, err := r.db.Tx.Exec("DELETE FROM participants WHERE conversation_id = $1 AND user_id = $2", conversationID, userID); err != nil {
			return fmt.Errorf("store: deleting participant: %w", err)
		}
		r.publish(bus.ActionDelete, conversationID)
		return nil
	})
}

// UpdateRole changes a member's role, e.g. a transferred OWNER.
func (r *ParticipantRepo) UpdateRole(conversationID, userID, role string) error {
	return r.db.Run("update participant role", func() error {
		if _, err := r.db.Tx.Exec("UPDATE participants SET role = $1 WHERE conversation_id = $2 AND user_id = $3", role, conversationID, userID); err != nil {
			return fmt.Errorf("store: updating participant role: %w", err)
		}
		r.publish(bus.ActionUpdate, conversationID)
		return nil
	})
}

// PendingSync returns participants still in START state, awaiting a
// SYNC_PARTICIPANT job.
func (r *ParticipantRepo) PendingSync(limit int) ([]*Participant, error) {
	var ps []*Participant
	if err := r.db.Conn.Select(&ps, `
		SELECT * FROM participants WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		ParticipantStatusStart, limit); err != nil {
		return nil, fmt.Errorf("store: listing pending participants: %w", err)
	}
	return ps, nil
}

func (r *ParticipantRepo) MarkSynced(conversationID, userID string) error {
	return r.db.Run("mark participant synced", func() error {
		if _, err := r.db.Tx.Exec("UPDATE participants SET status = $1 WHERE conversation_id = $2 AND user_id = $3",
			ParticipantStatusSuccess, conversationID, userID); err != nil {
			return fmt.Errorf("store: marking participant synced: %w", err)
		}
		return nil
	})
}

func (r *ParticipantRepo) publish(action bus.Action, conversationID string) {
	r.db.AfterCommit(func() {
		r.bus.Publish(bus.Event{Kind: bus.KindParticipant, Action: action, ID: conversationID})
	})
}
