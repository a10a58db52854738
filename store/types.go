package store

// Message delivery states. The order is total for the forward states; FAILED
// is the local-error state with its own supersession rule, see
// MessageRepo.UpdateStatus.
const (
	MessageStatusSending   = "SENDING"
	MessageStatusSent      = "SENT"
	MessageStatusDelivered = "DELIVERED"
	MessageStatusRead      = "READ"
	MessageStatusFailed    = "FAILED"
)

var statusRank = map[string]int{
	MessageStatusSending:   0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
}

// Message content categories.
const (
	CategoryPlainText    = "PLAIN_TEXT"
	CategoryPlainImage   = "PLAIN_IMAGE"
	CategoryPlainVideo   = "PLAIN_VIDEO"
	CategoryPlainAudio   = "PLAIN_AUDIO"
	CategoryPlainData    = "PLAIN_DATA"
	CategoryPlainSticker = "PLAIN_STICKER"
	CategoryPlainContact = "PLAIN_CONTACT"
	CategorySystem       = "SYSTEM_CONVERSATION"
	CategorySystemSnapshot = "SYSTEM_ACCOUNT_SNAPSHOT"
)

// Conversation lifecycle states.
const (
	ConversationStatusStart   = 0
	ConversationStatusSuccess = 1
	ConversationStatusQuit    = 2
)

// Conversation categories.
const (
	ConversationCategoryContact = "CONTACT"
	ConversationCategoryGroup   = "GROUP"
)

// Participant roles.
const (
	ParticipantRoleOwner  = "OWNER"
	ParticipantRoleMember = ""
)

// Participant sync states.
const (
	ParticipantStatusStart   = 0
	ParticipantStatusSuccess = 1
)

// Job actions.
const (
	JobActionSendMessage      = "SEND_MESSAGE"
	JobActionSendAckMessage   = "SEND_ACK_MESSAGE"
	JobActionSendSessionAck   = "SEND_SESSION_ACK"
	JobActionSyncParticipant  = "SYNC_PARTICIPANT"
	JobActionExitConversation = "EXIT_CONVERSATION"
	JobActionRefreshUser      = "REFRESH_USER"
	JobActionRefreshSticker   = "REFRESH_STICKER"
	JobActionRefreshAsset     = "REFRESH_ASSET"
	JobActionRefreshSnapshots = "REFRESH_SNAPSHOTS"
)

type User struct {
	UserID         string  `db:"user_id"`
	IdentityNumber string  `db:"identity_number"`
	FullName       string  `db:"full_name"`
	AvatarURL      string  `db:"avatar_url"`
	Relationship   string  `db:"relationship"`
	Biography      string  `db:"biography"`
	IsVerified     bool    `db:"is_verified"`
	AppID          *string `db:"app_id"`
	CreatedAt      uint64  `db:"created_at"`
}

type Conversation struct {
	ConversationID       string  `db:"conversation_id"`
	OwnerID              string  `db:"owner_id"`
	Category             string  `db:"category"`
	Name                 string  `db:"name"`
	IconURL              string  `db:"icon_url"`
	Announcement         string  `db:"announcement"`
	LastMessageID        *string `db:"last_message_id"`
	LastMessageCreatedAt *uint64 `db:"last_message_created_at"`
	UnseenMessageCount   int     `db:"unseen_message_count"`
	Status               int     `db:"status"`
	Draft                string  `db:"draft"`
	MuteUntil            uint64  `db:"mute_until"`
	PinTime              *uint64 `db:"pin_time"`
	CodeURL              string  `db:"code_url"`
}

type Message struct {
	ID             string  `db:"id"`
	ConversationID string  `db:"conversation_id"`
	UserID         string  `db:"user_id"`
	Category       string  `db:"category"`
	Content        string  `db:"content"`
	MediaURL       *string `db:"media_url"`
	MediaMimeType  *string `db:"media_mime_type"`
	MediaSize      *int64  `db:"media_size"`
	MediaDuration  *int64  `db:"media_duration"`
	MediaWidth     *int64  `db:"media_width"`
	MediaHeight    *int64  `db:"media_height"`
	MediaHash      *string `db:"media_hash"`
	MediaKey       *[]byte `db:"media_key"`
	MediaDigest    *[]byte `db:"media_digest"`
	MediaStatus    *string `db:"media_status"`
	ThumbImage     *string `db:"thumb_image"`
	Status         string  `db:"status"`
	CreatedAt      uint64  `db:"created_at"`
	Action         *string `db:"action"`
	ParticipantID  *string `db:"participant_id"`
	SnapshotID     *string `db:"snapshot_id"`
	Name           *string `db:"name"`
	StickerID      *string `db:"sticker_id"`
	SharedUserID   *string `db:"shared_user_id"`
	QuoteMessageID *string `db:"quote_message_id"`
	QuoteContent   *[]byte `db:"quote_content"`
}

type Participant struct {
	ConversationID string `db:"conversation_id"`
	UserID         string `db:"user_id"`
	Role           string `db:"role"`
	Status         int    `db:"status"`
	CreatedAt      uint64 `db:"created_at"`
}

type Job struct {
	Seq            int64   `db:"seq"`
	JobID          string  `db:"job_id"`
	Action         string  `db:"action"`
	Priority       int     `db:"priority"`
	RunCount       int     `db:"run_count"`
	CreatedAt      uint64  `db:"created_at"`
	ConversationID *string `db:"conversation_id"`
	UserID         *string `db:"user_id"`
	MessageID      *string `db:"message_id"`
	Params         []byte  `db:"params"`
}

type Asset struct {
	AssetID       string `db:"asset_id"`
	ChainID       string `db:"chain_id"`
	Symbol        string `db:"symbol"`
	Name          string `db:"name"`
	IconURL       string `db:"icon_url"`
	Balance       string `db:"balance"`
	Destination   string `db:"destination"`
	Tag           string `db:"tag"`
	PriceUSD      string `db:"price_usd"`
	ChangeUSD     string `db:"change_usd"`
	Confirmations int    `db:"confirmations"`
}

type Snapshot struct {
	SnapshotID      string  `db:"snapshot_id"`
	Type            string  `db:"type"`
	AssetID         string  `db:"asset_id"`
	Amount          string  `db:"amount"`
	OpponentID      *string `db:"opponent_id"`
	TransactionHash *string `db:"transaction_hash"`
	Sender          *string `db:"sender"`
	Receiver        *string `db:"receiver"`
	Memo            *string `db:"memo"`
	CreatedAt       string  `db:"created_at"`
}

type Address struct {
	AddressID   string `db:"address_id"`
	AssetID     string `db:"asset_id"`
	Destination string `db:"destination"`
	Tag         string `db:"tag"`
	Label       string `db:"label"`
	Fee         string `db:"fee"`
	Dust        string `db:"dust"`
	UpdatedAt   uint64 `db:"updated_at"`
}

type Sticker struct {
	StickerID   string  `db:"sticker_id"`
	AlbumID     *string `db:"album_id"`
	Name        string  `db:"name"`
	AssetURL    string  `db:"asset_url"`
	AssetType   string  `db:"asset_type"`
	AssetWidth  int     `db:"asset_width"`
	AssetHeight int     `db:"asset_height"`
	LastUsedAt  *uint64 `db:"last_used_at"`
}

type StickerAlbum struct {
	AlbumID     string `db:"album_id"`
	Name        string `db:"name"`
	IconURL     string `db:"icon_url"`
	CreatedAt   uint64 `db:"created_at"`
	UpdatedAt   uint64 `db:"updated_at"`
	UserID      string `db:"user_id"`
	Category    string `db:"category"`
	Description string `db:"description"`
}

// InboundMessage is a raw network payload waiting in the task database until
// the decrypt/process loop consumes it.
type InboundMessage struct {
	Seq       int64  `db:"seq"`
	MessageID string `db:"message_id"`
	Data      []byte `db:"data"`
	CreatedAt uint64 `db:"created_at"`
}

// SearchResult is one row of a conversation search: the conversation itself,
// or a conversation reached through a matching message.
type SearchResult struct {
	ConversationID       string  `db:"conversation_id"`
	Category             string  `db:"category"`
	Name                 string  `db:"name"`
	IconURL              string  `db:"icon_url"`
	PinTime              *uint64 `db:"pin_time"`
	LastMessageCreatedAt *uint64 `db:"last_message_created_at"`
	MatchedMessageID     *string `db:"matched_message_id"`
	MatchedContent       *string `db:"matched_content"`
}
