package store

import (
	"database/sql"

	"github.com/finchat/go-finch/migration"
)

// The schema is owned by this migration list. Derived columns on
// conversations (last-message pointer, unseen count) are maintained by
// triggers so every write path, including cascades, keeps them consistent
// within the same transaction. Trigger bodies resolve the account user id
// through the properties table so "non-self sender" stays correct across
// account switches.
func storeMigrations() []*migration.Migration {
	return []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE properties (
						key TEXT PRIMARY KEY,
						value TEXT NOT NULL
					);

					CREATE TABLE users (
						user_id TEXT PRIMARY KEY,
						identity_number TEXT NOT NULL DEFAULT '',
						full_name TEXT NOT NULL DEFAULT '',
						avatar_url TEXT NOT NULL DEFAULT '',
						relationship TEXT NOT NULL DEFAULT '',
						biography TEXT NOT NULL DEFAULT '',
						is_verified INTEGER NOT NULL DEFAULT 0,
						app_id TEXT,
						created_at INTEGER NOT NULL DEFAULT 0
					);
					CREATE INDEX users_identity_number ON users (identity_number);

					CREATE TABLE conversations (
						conversation_id TEXT PRIMARY KEY,
						owner_id TEXT NOT NULL DEFAULT '',
						category TEXT NOT NULL DEFAULT '',
						name TEXT NOT NULL DEFAULT '',
						icon_url TEXT NOT NULL DEFAULT '',
						announcement TEXT NOT NULL DEFAULT '',
						last_message_id TEXT,
						last_message_created_at INTEGER,
						unseen_message_count INTEGER NOT NULL DEFAULT 0,
						status INTEGER NOT NULL DEFAULT 0,
						draft TEXT NOT NULL DEFAULT '',
						mute_until INTEGER NOT NULL DEFAULT 0,
						pin_time INTEGER,
						code_url TEXT NOT NULL DEFAULT ''
					);
					CREATE INDEX conversations_pin_time ON conversations (pin_time, last_message_created_at);

					CREATE TABLE messages (
						id TEXT PRIMARY KEY,
						conversation_id TEXT NOT NULL,
						user_id TEXT NOT NULL,
						category TEXT NOT NULL,
						content TEXT NOT NULL DEFAULT '',
						media_url TEXT,
						media_mime_type TEXT,
						media_size INTEGER,
						media_duration INTEGER,
						media_width INTEGER,
						media_height INTEGER,
						media_hash TEXT,
						media_key BLOB,
						media_digest BLOB,
						media_status TEXT,
						thumb_image TEXT,
						status TEXT NOT NULL,
						created_at INTEGER NOT NULL,
						action TEXT,
						participant_id TEXT,
						snapshot_id TEXT,
						name TEXT,
						sticker_id TEXT,
						shared_user_id TEXT,
						quote_message_id TEXT,
						quote_content BLOB,
						FOREIGN KEY(conversation_id) REFERENCES conversations(conversation_id) ON DELETE CASCADE
					);
					CREATE INDEX messages_conversation_created ON messages (conversation_id, created_at);
					CREATE INDEX messages_conversation_status_user ON messages (conversation_id, status, user_id, created_at);

					CREATE TABLE participants (
						conversation_id TEXT NOT NULL,
						user_id TEXT NOT NULL,
						role TEXT NOT NULL DEFAULT '',
						status INTEGER NOT NULL DEFAULT 0,
						created_at INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY (conversation_id, user_id),
						FOREIGN KEY(conversation_id) REFERENCES conversations(conversation_id) ON DELETE CASCADE
					);
					CREATE INDEX participants_user ON participants (user_id);

					CREATE TABLE jobs (
						seq INTEGER PRIMARY KEY AUTOINCREMENT,
						job_id TEXT NOT NULL UNIQUE,
						action TEXT NOT NULL,
						priority INTEGER NOT NULL DEFAULT 0,
						run_count INTEGER NOT NULL DEFAULT 0,
						created_at INTEGER NOT NULL,
						conversation_id TEXT,
						user_id TEXT,
						message_id TEXT,
						params BLOB
					);
					CREATE INDEX jobs_dequeue ON jobs (priority DESC, seq ASC);
					CREATE INDEX jobs_action ON jobs (action, priority DESC, seq ASC);

					CREATE TABLE assets (
						asset_id TEXT PRIMARY KEY,
						chain_id TEXT NOT NULL DEFAULT '',
						symbol TEXT NOT NULL DEFAULT '',
						name TEXT NOT NULL DEFAULT '',
						icon_url TEXT NOT NULL DEFAULT '',
						balance TEXT NOT NULL DEFAULT '0',
						destination TEXT NOT NULL DEFAULT '',
						tag TEXT NOT NULL DEFAULT '',
						price_usd TEXT NOT NULL DEFAULT '0',
						change_usd TEXT NOT NULL DEFAULT '0',
						confirmations INTEGER NOT NULL DEFAULT 0
					);

					CREATE TABLE snapshots (
						snapshot_id TEXT PRIMARY KEY,
						type TEXT NOT NULL,
						asset_id TEXT NOT NULL,
						amount TEXT NOT NULL,
						opponent_id TEXT,
						transaction_hash TEXT,
						sender TEXT,
						receiver TEXT,
						memo TEXT,
						created_at TEXT NOT NULL
					);
					CREATE INDEX snapshots_asset_created ON snapshots (asset_id, created_at);

					CREATE TABLE addresses (
						address_id TEXT PRIMARY KEY,
						asset_id TEXT NOT NULL,
						destination TEXT NOT NULL,
						tag TEXT NOT NULL DEFAULT '',
						label TEXT NOT NULL DEFAULT '',
						fee TEXT NOT NULL DEFAULT '0',
						dust TEXT NOT NULL DEFAULT '0',
						updated_at INTEGER NOT NULL DEFAULT 0
					);
					CREATE INDEX addresses_asset ON addresses (asset_id, updated_at);

					CREATE TABLE stickers (
						sticker_id TEXT PRIMARY KEY,
						album_id TEXT,
						name TEXT NOT NULL DEFAULT '',
						asset_url TEXT NOT NULL DEFAULT '',
						asset_type TEXT NOT NULL DEFAULT '',
						asset_width INTEGER NOT NULL DEFAULT 0,
						asset_height INTEGER NOT NULL DEFAULT 0,
						last_used_at INTEGER
					);

					CREATE TABLE sticker_albums (
						album_id TEXT PRIMARY KEY,
						name TEXT NOT NULL DEFAULT '',
						icon_url TEXT NOT NULL DEFAULT '',
						created_at INTEGER NOT NULL DEFAULT 0,
						updated_at INTEGER NOT NULL DEFAULT 0,
						user_id TEXT NOT NULL DEFAULT '',
						category TEXT NOT NULL DEFAULT '',
						description TEXT NOT NULL DEFAULT ''
					);

					CREATE TRIGGER IF NOT EXISTS conversation_last_message_insert
					AFTER INSERT ON messages
					BEGIN
						UPDATE conversations SET
							last_message_id = new.id,
							last_message_created_at = new.created_at
						WHERE conversation_id = new.conversation_id;
					END;

					CREATE TRIGGER IF NOT EXISTS conversation_last_message_delete
					AFTER DELETE ON messages
					WHEN old.id = (SELECT last_message_id FROM conversations WHERE conversation_id = old.conversation_id)
					BEGIN
						UPDATE conversations SET
							last_message_id = (SELECT id FROM messages WHERE conversation_id = old.conversation_id ORDER BY created_at DESC, id DESC LIMIT 1),
							last_message_created_at = (SELECT created_at FROM messages WHERE conversation_id = old.conversation_id ORDER BY created_at DESC, id DESC LIMIT 1)
						WHERE conversation_id = old.conversation_id;
					END;

					CREATE TRIGGER IF NOT EXISTS conversation_unseen_count_insert
					AFTER INSERT ON messages
					BEGIN
						UPDATE conversations SET unseen_message_count = (
							SELECT count(*) FROM messages m
							WHERE m.conversation_id = new.conversation_id
							AND m.status = 'DELIVERED'
							AND m.user_id != COALESCE((SELECT value FROM properties WHERE key = 'account_user_id'), '')
						) WHERE conversation_id = new.conversation_id;
					END;

					CREATE TRIGGER IF NOT EXISTS conversation_unseen_count_update
					AFTER UPDATE OF status ON messages
					BEGIN
						UPDATE conversations SET unseen_message_count = (
							SELECT count(*) FROM messages m
							WHERE m.conversation_id = new.conversation_id
							AND m.status = 'DELIVERED'
							AND m.user_id != COALESCE((SELECT value FROM properties WHERE key = 'account_user_id'), '')
						) WHERE conversation_id = new.conversation_id;
					END;

					CREATE TRIGGER IF NOT EXISTS conversation_unseen_count_delete
					AFTER DELETE ON messages
					BEGIN
						UPDATE conversations SET unseen_message_count = (
							SELECT count(*) FROM messages m
							WHERE m.conversation_id = old.conversation_id
							AND m.status = 'DELIVERED'
							AND m.user_id != COALESCE((SELECT value FROM properties WHERE key = 'account_user_id'), '')
						) WHERE conversation_id = old.conversation_id;
					END;
				`)
				return err
			},
		},
		{
			// Schema 5 -> 6 changed the sticker column layout incompatibly.
			// This rebuild intentionally discards existing sticker rows; they
			// are re-fetched from the network by REFRESH_STICKER jobs. Albums
			// are rebuilt the same way.
			Name: "Drop and recreate sticker tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					DROP TABLE IF EXISTS stickers;
					DROP TABLE IF EXISTS sticker_albums;

					CREATE TABLE stickers (
						sticker_id TEXT PRIMARY KEY,
						album_id TEXT,
						name TEXT NOT NULL DEFAULT '',
						asset_url TEXT NOT NULL DEFAULT '',
						asset_type TEXT NOT NULL DEFAULT '',
						asset_width INTEGER NOT NULL DEFAULT 0,
						asset_height INTEGER NOT NULL DEFAULT 0,
						last_used_at INTEGER
					);
					CREATE INDEX stickers_album ON stickers (album_id);
					CREATE INDEX stickers_last_used ON stickers (last_used_at);

					CREATE TABLE sticker_albums (
						album_id TEXT PRIMARY KEY,
						name TEXT NOT NULL DEFAULT '',
						icon_url TEXT NOT NULL DEFAULT '',
						created_at INTEGER NOT NULL DEFAULT 0,
						updated_at INTEGER NOT NULL DEFAULT 0,
						user_id TEXT NOT NULL DEFAULT '',
						category TEXT NOT NULL DEFAULT '',
						description TEXT NOT NULL DEFAULT ''
					);
				`)
				return err
			},
		},
	}
}

// The task database holds the narrow ephemeral queue of raw inbound
// messages awaiting processing. It lives in its own file so draining it
// never contends with the primary store's writer.
func taskMigrations() []*migration.Migration {
	return []*migration.Migration{
		{
			Name: "Create inbound message queue",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE inbound_messages (
						seq INTEGER PRIMARY KEY AUTOINCREMENT,
						message_id TEXT NOT NULL UNIQUE,
						data BLOB NOT NULL,
						created_at INTEGER NOT NULL
					);
				`)
				return err
			},
		},
	}
}
