package store

import (
	"fmt"
	"strings"

	"github.com/finchat/go-finch/bus"
	"github.com/finchat/go-finch/config"
	"github.com/finchat/go-finch/internal/db"
)

type AddressRepo struct {
	db    *db.Database
	bus   *bus.Bus
	prefs *config.Preferences
}

func (r *AddressRepo) Get(addressID string) (*Address, error) {
	a := Address{}
	if err := r.db.Conn.Get(&a, "SELECT * FROM addresses WHERE address_id = $1", addressID); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: getting address: %w", err)
	}
	return &a, nil
}

func (r *AddressRepo) ListByAsset(assetID string) ([]*Address, error) {
	var as []*Address
	if err := r.db.Conn.Select(&as, `
		SELECT * FROM addresses WHERE asset_id = $1 ORDER BY updated_at DESC`, assetID); err != nil {
		return nil, fmt.Errorf("store: listing addresses: %w", err)
	}
	return as, nil
}

// Upsert validates and writes a withdrawal destination. A malformed
// destination is a permanent caller error, surfaced immediately.
func (r *AddressRepo) Upsert(a *Address) error {
	if strings.TrimSpace(a.Destination) == "" {
		return fmt.Errorf("store: address %s has empty destination: %w", a.AddressID, db.ErrConstraint)
	}
	return r.db.Run("upsert address", func() error {
		if _, err := r.db.Tx.NamedExec(`
			INSERT INTO addresses (address_id, asset_id, destination, tag, label, fee, dust, updated_at)
			VALUES (:address_id, :asset_id, :destination, :tag, :label, :fee, :dust, :updated_at)
			ON CONFLICT(address_id) DO UPDATE SET
				destination = :destination, tag = :tag, label = :label, fee = :fee, dust = :dust, updated_at = :updated_at`, a); err != nil {
			return fmt.Errorf("store: upserting address: %w", db.Classify(err))
		}
		r.db.AfterCommit(func() {
			r.bus.Publish(bus.Event{Kind: bus.KindAsset, Action: bus.ActionUpdate, ID: a.AssetID})
		})
		return nil
	})
}

func (r *AddressRepo) Delete(addressID string) error {
	return r.db.Run("delete address", func() error {
		if _, err := r.db.Tx.Exec("DELETE FROM addresses WHERE address_id = $1", addressID); err != nil {
			return fmt.Errorf("store: deleting address: %w", err)
		}
		return nil
	})
}

// MarkUsed records the address as the asset's default withdrawal
// destination. The pointer lives in the preference file, not the relational
// store, so default selection never needs a query.
func (r *AddressRepo) MarkUsed(assetID, addressID string) error {
	r.prefs.LastUsedAddresses[assetID] = addressID
	return r.prefs.Save()
}

// LastUsed returns the asset's default withdrawal address, or nil when none
// was recorded or the recorded one no longer exists.
func (r *AddressRepo) LastUsed(assetID string) (*Address, error) {
	id, ok := r.prefs.LastUsedAddresses[assetID]
	if !ok {
		return nil, nil
	}
	return r.Get(id)
}
