package store

import (
	"errors"
	"testing"

	"github.com/finchat/go-finch/internal/db"
	"github.com/stretchr/testify/require"
)

func testAsset(id, symbol, balance, priceUSD string) *Asset {
	return &Asset{
		AssetID:  id,
		ChainID:  "chain-1",
		Symbol:   symbol,
		Name:     symbol,
		Balance:  balance,
		PriceUSD: priceUSD,
	}
}

func TestAssetsOrderedByUSDValue(t *testing.T) {
	require := require.New(t)
	s, done := newStore()
	defer done()

	require.Nil(s.Assets.Upsert(testAsset("a1", "BTC", "0.5", "40000")))
	require.Nil(s.Assets.Upsert(testAsset("a2", "ETH", "100", "10")))
	require.Nil(s.Assets.Upsert(testAsset("a3", "XIN", "1000", "100")))

	as, err := s.Assets.List()
	require.Nil(err)
	require.Equal(3, len(as))
	require.Equal("XIN", as[0].Symbol)
	require.Equal("BTC", as[1].Symbol)
	require.Equal("ETH", as[2].Symbol)
}

func TestSnapshotPageAdvancesSyncOffset(t *testing.T) {
	require := require.New(t)
	s, done := newStore()
	defer done()

	require.Equal("", s.Snapshots.SyncOffset("a1"))
	require.Nil(s.Snapshots.InsertPage("a1", []*Snapshot{
		{SnapshotID: "s1", Type: "deposit", AssetID: "a1", Amount: "1", CreatedAt: "2026-08-01T00:00:00Z"},
		{SnapshotID: "s2", Type: "transfer", AssetID: "a1", Amount: "2", CreatedAt: "2026-08-02T00:00:00Z"},
	}))
	require.Equal("2026-08-02T00:00:00Z", s.Snapshots.SyncOffset("a1"))

	// a replayed page with older rows never rewinds the offset
	require.Nil(s.Snapshots.InsertPage("a1", []*Snapshot{
		{SnapshotID: "s1", Type: "deposit", AssetID: "a1", Amount: "1", CreatedAt: "2026-08-01T00:00:00Z"},
	}))
	require.Equal("2026-08-02T00:00:00Z", s.Snapshots.SyncOffset("a1"))

	ss, err := s.Snapshots.ListByAsset("a1", 10)
	require.Nil(err)
	require.Equal(2, len(ss))
	require.Equal("s2", ss[0].SnapshotID)
}

func TestAddressRejectsEmptyDestination(t *testing.T) {
	require := require.New(t)
	s, done := newStore()
	defer done()

	err := s.Addresses.Upsert(&Address{AddressID: "ad1", AssetID: "a1", Destination: "  "})
	require.NotNil(err)
	require.True(errors.Is(err, db.ErrConstraint))

	a, err := s.Addresses.Get("ad1")
	require.Nil(err)
	require.Nil(a)
}

func TestLastUsedAddressSurvivesDeletion(t *testing.T) {
	require := require.New(t)
	s, done := newStore()
	defer done()

	require.Nil(s.Addresses.Upsert(&Address{AddressID: "ad1", AssetID: "a1", Destination: "dest-1", UpdatedAt: 1}))
	require.Nil(s.Addresses.MarkUsed("a1", "ad1"))

	a, err := s.Addresses.LastUsed("a1")
	require.Nil(err)
	require.NotNil(a)
	require.Equal("ad1", a.AddressID)

	require.Nil(s.Addresses.Delete("ad1"))
	a, err = s.Addresses.LastUsed("a1")
	require.Nil(err)
	require.Nil(a)
}

func TestStickerAlbumRenameReattachesStickers(t *testing.T) {
	require := require.New(t)
	s, done := newStore()
	defer done()

	oldID := "album-old"
	require.Nil(s.Stickers.UpsertAlbum(&StickerAlbum{AlbumID: oldID, Name: "cats"}, ""))
	require.Nil(s.Stickers.Upsert(&Sticker{StickerID: "st1", AlbumID: &oldID, Name: "grin"}))

	require.Nil(s.Stickers.UpsertAlbum(&StickerAlbum{AlbumID: "album-new", Name: "cats"}, oldID))

	ss, err := s.Stickers.ListByAlbum("album-new")
	require.Nil(err)
	require.Equal(1, len(ss))
	require.Equal("st1", ss[0].StickerID)
}

func TestStickerRecents(t *testing.T) {
	require := require.New(t)
	s, done := newStore()
	defer done()

	require.Nil(s.Stickers.Upsert(&Sticker{StickerID: "st1", Name: "one"}))
	require.Nil(s.Stickers.Upsert(&Sticker{StickerID: "st2", Name: "two"}))
	require.Nil(s.Stickers.Upsert(&Sticker{StickerID: "st3", Name: "three"}))

	require.Nil(s.Stickers.MarkUsed("st1", 100))
	require.Nil(s.Stickers.MarkUsed("st3", 200))

	recents, err := s.Stickers.Recents(10)
	require.Nil(err)
	require.Equal(2, len(recents))
	require.Equal("st3", recents[0].StickerID)
	require.Equal("st1", recents[1].StickerID)
}

func TestInboundQueueIsFIFOAndIdempotent(t *testing.T) {
	require := require.New(t)
	s, done := newStore()
	defer done()

	require.Nil(s.Inbound.Push(&InboundMessage{MessageID: "m1", Data: []byte("one"), CreatedAt: 1}))
	require.Nil(s.Inbound.Push(&InboundMessage{MessageID: "m2", Data: []byte("two"), CreatedAt: 2}))
	require.Nil(s.Inbound.Push(&InboundMessage{MessageID: "m1", Data: []byte("dup"), CreatedAt: 3}))

	n, err := s.Inbound.Count()
	require.Nil(err)
	require.Equal(2, n)

	ms, err := s.Inbound.Peek(10)
	require.Nil(err)
	require.Equal(2, len(ms))
	require.Equal("m1", ms[0].MessageID)
	require.Equal([]byte("one"), ms[0].Data)
	require.Equal("m2", ms[1].MessageID)

	require.Nil(s.Inbound.Ack([]string{"m1"}))
	ms, err = s.Inbound.Peek(10)
	require.Nil(err)
	require.Equal(1, len(ms))
	require.Equal("m2", ms[0].MessageID)
}

func TestUserLookupByIdentityNumber(t *testing.T) {
	require := require.New(t)
	s, done := newStore()
	defer done()

	require.Nil(s.Users.Upsert(&User{UserID: "u1", IdentityNumber: "7000", FullName: "Alice", Relationship: "FRIEND"}))
	require.Nil(s.Users.Upsert(&User{UserID: "u2", IdentityNumber: "7001", FullName: "Bob"}))

	u, err := s.Users.GetByIdentityNumber("7000")
	require.Nil(err)
	require.NotNil(u)
	require.Equal("u1", u.UserID)

	friends, err := s.Users.Friends()
	require.Nil(err)
	require.Equal(1, len(friends))
	require.Equal("Alice", friends[0].FullName)
}
