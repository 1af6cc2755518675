package app

import (
	"fmt"
	"time"

	"mediagate/pkg/domain"
)

const (
	textNeedsUnlock     = "Media is locked. Tap Unlock to get your access link."
	textAccessActiveFmt = "Access is active for %s. Tap Get media for a random item."
	textUnlockLinkFmt   = "Open the link below to unlock access. It works once and expires in %s."
	textUnlockedFmt     = "Unlocked! You have access for %s."
	textTokenInvalid    = "This unlock link is invalid or has expired. Request a new one."
	textOwnerMismatch   = "This unlock link was issued to another user. Request your own link."
	textUnrecognizedFmt = "I don't recognize the code: %s"
	textLinkFailed      = "Could not create your unlock link right now. Please try again."
	textUnavailable     = "Service is temporarily unavailable. Please try again later."
	textCatalogEmpty    = "The catalog is empty right now. Check back later."
	textMediaNotFound   = "That media item does not exist."
	textAddNeedsMedia   = "Reply to a photo or video to add it."
	textAddedFmt        = "Added media %s. Catalog size: %d."
	textRemovedFmt      = "Removed media %s. Catalog size: %d."
	textStatsFmt        = "Catalog size: %d."
	textUnknownAction   = "Unknown action."

	maxEchoedPayload = 64
)

var (
	unlockButton = domain.Button{Label: "Unlock", Action: domain.ActionRequestUnlock}
	mediaButton  = domain.Button{Label: "Get media", Action: domain.ActionRequestMedia}
)

func needsUnlock(text string) domain.Response {
	return domain.Response{
		State:   domain.StateNeedsUnlock,
		Text:    text,
		Buttons: []domain.Button{unlockButton},
	}
}

func unlocked(text string) domain.Response {
	return domain.Response{
		State:   domain.StateUnlocked,
		Text:    text,
		Buttons: []domain.Button{mediaButton},
	}
}

// humanDuration renders whole hours or minutes, e.g. "24 hours", "1 minute".
func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		return plural(int(d/time.Hour), "hour")
	case d >= time.Minute:
		return plural(int(d/time.Minute), "minute")
	default:
		return "less than a minute"
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func echoPayload(payload string) string {
	r := []rune(payload)
	if len(r) > maxEchoedPayload {
		return string(r[:maxEchoedPayload]) + "…"
	}
	return payload
}
