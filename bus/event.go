package bus

// Kind names the entity family an event concerns. Kinds form namespaces, so
// a subscriber to "conversation" sees every conversation event.
type Kind string

const (
	KindConversation Kind = "conversation"
	KindMessage      Kind = "message"
	KindParticipant  Kind = "participant"
	KindUser         Kind = "user"
	KindAsset        Kind = "asset"
	KindSnapshot     Kind = "snapshot"
	KindSticker      Kind = "sticker"
	KindJob          Kind = "job"
	KindBackup       Kind = "backup"
	KindRestore      Kind = "restore"
)

type Action int

const (
	ActionInsert Action = iota
	ActionUpdate
	ActionDelete
	ActionProgress
	ActionDone
	ActionFailed
)

// Event represents one change to user-visible state.
type Event struct {
	Kind    Kind
	Action  Action
	ID      string
	Payload any
}
