package store

import (
	"fmt"

	"github.com/finchat/go-finch/bus"
	"github.com/finchat/go-finch/internal/db"
	"go.uber.org/zap"
)

type StickerRepo struct {
	db  *db.Database
	bus *bus.Bus
	log *zap.SugaredLogger
}

func (r *StickerRepo) Get(stickerID string) (*Sticker, error) {
	s := Sticker{}
	if err := r.db.Conn.Get(&s, "SELECT * FROM stickers WHERE sticker_id = $1", stickerID); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: getting sticker: %w", err)
	}
	return &s, nil
}

func (r *StickerRepo) ListByAlbum(albumID string) ([]*Sticker, error) {
	var ss []*Sticker
	if err := r.db.Conn.Select(&ss, "SELECT * FROM stickers WHERE album_id = $1 ORDER BY name ASC", albumID); err != nil {
		return nil, fmt.Errorf("store: listing stickers: %w", err)
	}
	return ss, nil
}

// Recents returns the most recently used stickers for the picker.
func (r *StickerRepo) Recents(limit int) ([]*Sticker, error) {
	if limit <= 0 {
		limit = 20
	}
	var ss []*Sticker
	if err := r.db.Conn.Select(&ss, `
		SELECT * FROM stickers WHERE last_used_at IS NOT NULL ORDER BY last_used_at DESC LIMIT $1`, limit); err != nil {
		return nil, fmt.Errorf("store: listing recent stickers: %w", err)
	}
	return ss, nil
}

func (r *StickerRepo) Upsert(s *Sticker) error {
	return r.db.Run("upsert sticker", func() error {
		return r.UpsertTx(s)
	})
}

func (r *StickerRepo) UpsertTx(s *Sticker) error {
	if _, err := r.db.Tx.NamedExec(`
		INSERT INTO stickers (sticker_id, album_id, name, asset_url, asset_type, asset_width, asset_height, last_used_at)
		VALUES (:sticker_id, :album_id, :name, :asset_url, :asset_type, :asset_width, :asset_height, :last_used_at)
		ON CONFLICT(sticker_id) DO UPDATE SET
			album_id = :album_id, name = :name, asset_url = :asset_url, asset_type = :asset_type,
			asset_width = :asset_width, asset_height = :asset_height`, s); err != nil {
		return fmt.Errorf("store: upserting sticker: %w", db.Classify(err))
	}
	r.db.AfterCommit(func() {
		r.bus.Publish(bus.Event{Kind: bus.KindSticker, Action: bus.ActionUpdate, ID: s.StickerID})
	})
	return nil
}

func (r *StickerRepo) MarkUsed(stickerID string, atMs uint64) error {
	return r.db.Run("mark sticker used", func() error {
		if _, err := r.db.Tx.Exec("UPDATE stickers SET last_used_at = $1 WHERE sticker_id = $2", atMs, stickerID); err != nil {
			return fmt.Errorf("store: marking sticker used: %w", err)
		}
		return nil
	})
}

// UpsertAlbum writes album metadata and, best-effort, reattaches stickers
// that were left pointing at the album's previous id after a server-side
// rename. A repair failure is logged and reported but never aborts the
// album write itself.
func (r *StickerRepo) UpsertAlbum(a *StickerAlbum, previousAlbumID string) error {
	return r.db.Run("upsert sticker album", func() error {
		if _, err := r.db.Tx.NamedExec(`
			INSERT INTO sticker_albums (album_id, name, icon_url, created_at, updated_at, user_id, category, description)
			VALUES (:album_id, :name, :icon_url, :created_at, :updated_at, :user_id, :category, :description)
			ON CONFLICT(album_id) DO UPDATE SET
				name = :name, icon_url = :icon_url, updated_at = :updated_at, category = :category, description = :description`, a); err != nil {
			return fmt.Errorf("store: upserting sticker album: %w", db.Classify(err))
		}

		if previousAlbumID != "" && previousAlbumID != a.AlbumID {
			if _, err := r.db.Tx.Exec("UPDATE stickers SET album_id = $1 WHERE album_id = $2", a.AlbumID, previousAlbumID); err != nil {
				r.log.Warnf("reattaching stickers from album %s to %s failed: %v", previousAlbumID, a.AlbumID, err)
			}
		}
		r.db.AfterCommit(func() {
			r.bus.Publish(bus.Event{Kind: bus.KindSticker, Action: bus.ActionUpdate, ID: a.AlbumID})
		})
		return nil
	})
}

func (r *StickerRepo) Albums() ([]*StickerAlbum, error) {
	var as []*StickerAlbum
	if err := r.db.Conn.Select(&as, "SELECT * FROM sticker_albums ORDER BY updated_at DESC"); err != nil {
		return nil, fmt.Errorf("store: listing sticker albums: %w", err)
	}
	return as, nil
}
