package store

import (
	"fmt"

	"github.com/finchat/go-finch/bus"
	"github.com/finchat/go-finch/config"
	"github.com/finchat/go-finch/internal/db"
)

type AssetRepo struct {
	db  *db.Database
	bus *bus.Bus
}

func (r *AssetRepo) Get(assetID string) (*Asset, error) {
	a := Asset{}
	if err := r.db.Conn.Get(&a, "SELECT * FROM assets WHERE asset_id = $1", assetID); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: getting asset: %w", err)
	}
	return &a, nil
}

// List returns assets ordered by USD value descending, the wallet order.
func (r *AssetRepo) List() ([]*Asset, error) {
	var as []*Asset
	if err := r.db.Conn.Select(&as, `
		SELECT * FROM assets ORDER BY CAST(balance AS REAL) * CAST(price_usd AS REAL) DESC, symbol ASC`); err != nil {
		return nil, fmt.Errorf("store: listing assets: %w", err)
	}
	return as, nil
}

func (r *AssetRepo) Upsert(a *Asset) error {
	return r.db.Run("upsert asset", func() error {
		return r.UpsertTx(a)
	})
}

func (r *AssetRepo) UpsertTx(a *Asset) error {
	if _, err := r.db.Tx.NamedExec(`
		INSERT INTO assets (asset_id, chain_id, symbol, name, icon_url, balance, destination, tag, price_usd, change_usd, confirmations)
		VALUES (:asset_id, :chain_id, :symbol, :name, :icon_url, :balance, :destination, :tag, :price_usd, :change_usd, :confirmations)
		ON CONFLICT(asset_id) DO UPDATE SET
			chain_id = :chain_id, symbol = :symbol, name = :name, icon_url = :icon_url, balance = :balance,
			destination = :destination, tag = :tag, price_usd = :price_usd, change_usd = :change_usd,
			confirmations = :confirmations`, a); err != nil {
		return fmt.Errorf("store: upserting asset: %w", db.Classify(err))
	}
	r.db.AfterCommit(func() {
		r.bus.Publish(bus.Event{Kind: bus.KindAsset, Action: bus.ActionUpdate, ID: a.AssetID})
	})
	return nil
}

type SnapshotRepo struct {
	db    *db.Database
	bus   *bus.Bus
	prefs *config.Preferences
}

func (r *SnapshotRepo) Get(snapshotID string) (*Snapshot, error) {
	s := Snapshot{}
	if err := r.db.Conn.Get(&s, "SELECT * FROM snapshots WHERE snapshot_id = $1", snapshotID); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: getting snapshot: %w", err)
	}
	return &s, nil
}

func (r *SnapshotRepo) ListByAsset(assetID string, limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	var ss []*Snapshot
	if err := r.db.Conn.Select(&ss, `
		SELECT * FROM snapshots WHERE asset_id = $1 ORDER BY created_at DESC LIMIT $2`, assetID, limit); err != nil {
		return nil, fmt.Errorf("store: listing snapshots: %w", err)
	}
	return ss, nil
}

// InsertPage writes one page of synced snapshots and advances the asset's
// persisted sync offset to the page's newest created_at. Snapshots are
// append-only records; conflicts on snapshot_id are ignored.
func (r *SnapshotRepo) InsertPage(assetID string, ss []*Snapshot) error {
	if len(ss) == 0 {
		return nil
	}
	return r.db.Run("insert snapshot page", func() error {
		maxCreatedAt := r.prefs.SnapshotOffsets[assetID]
		for _, s := range ss {
			if _, err := r.db.Tx.NamedExec(`
				INSERT INTO snapshots (snapshot_id, type, asset_id, amount, opponent_id, transaction_hash, sender, receiver, memo, created_at)
				VALUES (:snapshot_id, :type, :asset_id, :amount, :opponent_id, :transaction_hash, :sender, :receiver, :memo, :created_at)
				ON CONFLICT(snapshot_id) DO NOTHING`, s); err != nil {
				return fmt.Errorf("store: inserting snapshot: %w", db.Classify(err))
			}
			if s.CreatedAt > maxCreatedAt {
				maxCreatedAt = s.CreatedAt
			}
		}
		r.db.BeforeCommit(func() error {
			r.prefs.SnapshotOffsets[assetID] = maxCreatedAt
			return r.prefs.Save()
		})
		r.db.AfterCommit(func() {
			r.bus.Publish(bus.Event{Kind: bus.KindSnapshot, Action: bus.ActionInsert, ID: assetID})
		})
		return nil
	})
}

// SyncOffset returns the persisted offset from which the next snapshot page
// for the asset should be requested.
func (r *SnapshotRepo) SyncOffset(assetID string) string {
	return r.prefs.SnapshotOffsets[assetID]
}
