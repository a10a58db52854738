package store

import (
	"fmt"

	"github.com/finchat/go-finch/bus"
	"github.com/finchat/go-finch/internal/db"
)

type UserRepo struct {
	db  *db.Database
	bus *bus.Bus
}

func (r *UserRepo) Get(userID string) (*User, error) {
	u := User{}
	if err := r.db.Conn.Get(&u, "SELECT * FROM users WHERE user_id = $1", userID); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: getting user: %w", err)
	}
	return &u, nil
}

func (r *UserRepo) GetByIdentityNumber(identityNumber string) (*User, error) {
	u := User{}
	if err := r.db.Conn.Get(&u, "SELECT * FROM users WHERE identity_number = $1", identityNumber); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: getting user by identity number: %w", err)
	}
	return &u, nil
}

// Friends returns contacts, ordered by name.
func (r *UserRepo) Friends() ([]*User, error) {
	var us []*User
	if err := r.db.Conn.Select(&us, "SELECT * FROM users WHERE relationship = 'FRIEND' ORDER BY full_name COLLATE NOCASE ASC"); err != nil {
		return nil, fmt.Errorf("store: listing friends: %w", err)
	}
	return us, nil
}

func (r *UserRepo) Upsert(u *User) error {
	return r.db.Run("upsert user", func() error {
		return r.UpsertTx(u)
	})
}

func (r *UserRepo) UpsertTx(u *User) error {
	if _, err := r.db.Tx.NamedExec(`
		INSERT INTO users (user_id, identity_number, full_name, avatar_url, relationship, biography, is_verified, app_id, created_at)
		VALUES (:user_id, :identity_number, :full_name, :avatar_url, :relationship, :biography, :is_verified, :app_id, :created_at)
		ON CONFLICT(user_id) DO UPDATE SET
			identity_number = :identity_number, full_name = :full_name, avatar_url = :avatar_url,
			relationship = :relationship, biography = :biography, is_verified = :is_verified, app_id = :app_id`, u); err != nil {
		return fmt.Errorf("store: upserting user: %w", db.Classify(err))
	}
	r.db.AfterCommit(func() {
		r.bus.Publish(bus.Event{Kind: bus.KindUser, Action: bus.ActionUpdate, ID: u.UserID})
	})
	return nil
}

func (r *UserRepo) Delete(userID string) error {
	return r.db.Run("delete user", func() error {
		if _, err := r.db.Tx.Exec("DELETE FROM users WHERE user_id = $1", userID); err != nil {
			return fmt.Errorf("store: deleting user: %w", err)
		}
		r.db.AfterCommit(func() {
			r.bus.Publish(bus.Event{Kind: bus.KindUser, Action: bus.ActionDelete, ID: userID})
		})
		return nil
	})
}
