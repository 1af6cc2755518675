package domain

import "time"

type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

// Valid reports whether k is a known media kind.
func (k MediaKind) Valid() bool {
	return k == MediaPhoto || k == MediaVideo
}

type MediaSource string

const (
	// SourceTelegram means ContentID is a messaging-platform file id or a public URL.
	SourceTelegram MediaSource = "telegram"
	// SourceObject means ContentID is a key in the media archive.
	SourceObject MediaSource = "object"
)

// MediaRef identifies a deliverable media item.
type MediaRef struct {
	Kind      MediaKind   `json:"kind"`
	ContentID string      `json:"contentId"`
	Source    MediaSource `json:"source,omitempty"`
	Caption   string      `json:"caption,omitempty"`
}

type CatalogEntry struct {
	Key       string    `json:"key"`
	Media     MediaRef  `json:"media"`
	AddedBy   int64     `json:"addedBy"`
	CreatedAt time.Time `json:"createdAt"`
}

type ActionKind string

const (
	ActionStart            ActionKind = "start"
	ActionRequestUnlock    ActionKind = "request_unlock"
	ActionRequestMedia     ActionKind = "request_media"
	ActionAdminAddMedia    ActionKind = "admin_add_media"
	ActionAdminRemoveMedia ActionKind = "admin_remove_media"
	ActionAdminStats       ActionKind = "admin_stats"
)

func (k ActionKind) Valid() bool {
	switch k {
	case ActionStart, ActionRequestUnlock, ActionRequestMedia,
		ActionAdminAddMedia, ActionAdminRemoveMedia, ActionAdminStats:
		return true
	default:
		return false
	}
}

// IsAdmin reports whether the action requires the caller to be on the admin allow-list.
func (k ActionKind) IsAdmin() bool {
	switch k {
	case ActionAdminAddMedia, ActionAdminRemoveMedia, ActionAdminStats:
		return true
	default:
		return false
	}
}

// Action is a transport-neutral user action.
type Action struct {
	Kind         ActionKind `json:"kind"`
	UserID       int64      `json:"userId"`
	Payload      string     `json:"payload,omitempty"`
	RepliedMedia *MediaRef  `json:"repliedMedia,omitempty"`
}

type State string

const (
	StateNeedsUnlock State = "needs_unlock"
	StateUnlocking   State = "unlocking"
	StateUnlocked    State = "unlocked"
	StateServing     State = "serving"
)

type Button struct {
	Label  string     `json:"label"`
	Action ActionKind `json:"action,omitempty"`
	URL    string     `json:"url,omitempty"`
}

// Response is what a transport renders back to the acting user.
type Response struct {
	State    State     `json:"state,omitempty"`
	Text     string    `json:"text,omitempty"`
	Media    *MediaRef `json:"media,omitempty"`
	MediaURL string    `json:"mediaUrl,omitempty"`
	Buttons  []Button  `json:"buttons,omitempty"`
}
