// Package store provides typed repositories over the primary relational
// database and the ephemeral task database. Repositories own the SQL shape
// for their entity family; cross-entity writes compose through the
// database's single transaction primitive. Every successful mutation that
// changes user-visible state publishes a change event after commit.
package store

import (
	"fmt"

	"github.com/finchat/go-finch/bus"
	"github.com/finchat/go-finch/config"
	"github.com/finchat/go-finch/internal/db"
	"go.uber.org/zap"
)

const propertyAccountUserID = "account_user_id"

type Store struct {
	Conversations *ConversationRepo
	Messages      *MessageRepo
	Participants  *ParticipantRepo
	Users         *UserRepo
	Assets        *AssetRepo
	Snapshots     *SnapshotRepo
	Addresses     *AddressRepo
	Stickers      *StickerRepo
	Jobs          *JobRepo
	Inbound       *InboundRepo

	db     *db.Database
	taskDB *db.Database
	bus    *bus.Bus
	log    *zap.SugaredLogger
	prefs  *config.Preferences
}

// New migrates both databases and builds the repositories. The databases
// must already be open.
func New(c *config.Config, d *db.Database, taskDB *db.Database, b *bus.Bus, prefs *config.Preferences) (*Store, error) {
	log := c.Logger("store")
	if err := d.Migrate("store", storeMigrations()); err != nil {
		return nil, fmt.Errorf("store: migrating: %w", err)
	}
	if err := taskDB.Migrate("task", taskMigrations()); err != nil {
		return nil, fmt.Errorf("store: migrating task db: %w", err)
	}

	s := &Store{
		db:     d,
		taskDB: taskDB,
		bus:    b,
		log:    log,
		prefs:  prefs,
	}
	s.Conversations = &ConversationRepo{db: d, bus: b}
	s.Messages = &MessageRepo{db: d, bus: b}
	s.Participants = &ParticipantRepo{db: d, bus: b}
	s.Users = &UserRepo{db: d, bus: b}
	s.Assets = &AssetRepo{db: d, bus: b}
	s.Snapshots = &SnapshotRepo{db: d, bus: b, prefs: prefs}
	s.Addresses = &AddressRepo{db: d, bus: b, prefs: prefs}
	s.Stickers = &StickerRepo{db: d, bus: b, log: log}
	s.Jobs = &JobRepo{db: d, bus: b}
	s.Inbound = &InboundRepo{db: taskDB}
	return s, nil
}

// Run executes f inside one transaction on the primary database. Use it to
// compose repository Tx methods when a mutation spans entity families.
func (s *Store) Run(label string, f func() error) error {
	return s.db.Run(label, f)
}

// SetAccountUserID records the signed-in account's user id. The unseen-count
// triggers read it to exclude self-authored messages.
func (s *Store) SetAccountUserID(userID string) error {
	return s.db.Run("set account user id", func() error {
		_, err := s.db.Tx.Exec(
			"INSERT INTO properties (key, value) VALUES ($1, $2) ON CONFLICT(key) DO UPDATE SET value = $2",
			propertyAccountUserID, userID)
		return err
	})
}

// AccountUserID returns the recorded account user id, or empty when none is
// set.
func (s *Store) AccountUserID() (string, error) {
	var v string
	if err := s.db.Conn.Get(&v, "SELECT value FROM properties WHERE key = $1", propertyAccountUserID); err != nil {
		if noRows(err) {
			return "", nil
		}
		return "", err
	}
	return v, nil
}

// UnreadBadgeCount sums unseen counts across conversations, skipping muted
// ones.
func (s *Store) UnreadBadgeCount(nowSec uint64) (int, error) {
	var n int
	if err := s.db.Conn.Get(&n, `
		SELECT COALESCE(sum(unseen_message_count), 0) FROM conversations
		WHERE status != $1 AND mute_until < $2`, ConversationStatusQuit, nowSec); err != nil {
		return 0, fmt.Errorf("store: counting unread badge: %w", err)
	}
	return n, nil
}
