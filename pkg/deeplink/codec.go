// Package deeplink encodes and decodes the payload carried by shareable
// deep links.
package deeplink

import (
	"fmt"
	"net/url"
	"strings"

	"mediagate/internal/util"
)

// MaxPayloadLength is the longest payload a deep link parameter may carry.
const MaxPayloadLength = 64

const unlockPrefix = "unlock-"

// Profile selects which payload formats a deployment accepts.
type Profile string

const (
	// ProfileUnlock accepts only unlock-token payloads.
	ProfileUnlock Profile = "unlock"
	// ProfileLegacy also accepts bare catalog keys as direct media payloads.
	// Deprecated: kept for links shared by older deployments.
	ProfileLegacy Profile = "legacy"
)

// ParseProfile maps a config value to a Profile. Empty input means ProfileUnlock.
func ParseProfile(raw string) (Profile, error) {
	switch Profile(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ProfileUnlock:
		return ProfileUnlock, nil
	case ProfileLegacy:
		return ProfileLegacy, nil
	default:
		return "", fmt.Errorf("unknown deep link profile %q", raw)
	}
}

type Kind int

const (
	KindUnrecognized Kind = iota
	KindUnlock
	KindDirectMedia
)

func (k Kind) String() string {
	switch k {
	case KindUnlock:
		return "unlock"
	case KindDirectMedia:
		return "direct_media"
	default:
		return "unrecognized"
	}
}

// Payload is a decoded deep link parameter. Token is set for KindUnlock,
// Key for KindDirectMedia.
type Payload struct {
	Kind  Kind
	Token string
	Key   string
}

// Codec is safe for concurrent use.
type Codec struct {
	profile Profile
	base    string
}

// NewCodec builds a codec. linkBase is the URL prefix the payload is appended
// to, e.g. "https://t.me/somebot?start=".
func NewCodec(profile Profile, linkBase string) (*Codec, error) {
	if profile != ProfileUnlock && profile != ProfileLegacy {
		return nil, fmt.Errorf("unknown deep link profile %q", profile)
	}
	linkBase = strings.TrimSpace(linkBase)
	if linkBase == "" {
		return nil, fmt.Errorf("deep link base is required")
	}
	if _, err := url.Parse(linkBase); err != nil {
		return nil, fmt.Errorf("invalid deep link base: %w", err)
	}
	return &Codec{profile: profile, base: linkBase}, nil
}

func (c *Codec) Profile() Profile {
	return c.profile
}

// EncodeUnlock returns the payload for an unlock token.
func (c *Codec) EncodeUnlock(token string) string {
	return unlockPrefix + token
}

// Link returns the shareable URL carrying payload.
func (c *Codec) Link(payload string) string {
	return c.base + url.QueryEscape(payload)
}

// Decode classifies payload. It never fails: anything outside the accepted
// shapes is KindUnrecognized.
func (c *Codec) Decode(payload string) Payload {
	payload = strings.TrimSpace(payload)
	if payload == "" || len(payload) > MaxPayloadLength || !isParamSafe(payload) {
		return Payload{Kind: KindUnrecognized}
	}
	if token, ok := strings.CutPrefix(payload, unlockPrefix); ok {
		if !util.IsAlphanumeric(token) {
			return Payload{Kind: KindUnrecognized}
		}
		return Payload{Kind: KindUnlock, Token: token}
	}
	if c.profile == ProfileLegacy && util.IsAlphanumeric(payload) {
		return Payload{Kind: KindDirectMedia, Key: payload}
	}
	return Payload{Kind: KindUnrecognized}
}

// isParamSafe checks the deep link parameter alphabet [A-Za-z0-9_-].
func isParamSafe(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '_' || c == '-' {
			continue
		}
		if !util.IsAlphanumeric(s[i : i+1]) {
			return false
		}
	}
	return true
}
