package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mediagate/internal/util"
	"mediagate/pkg/catalog"
	"mediagate/pkg/deeplink"
	"mediagate/pkg/domain"
	"mediagate/pkg/unlock"
)

// Handle evaluates one action and returns what the transport should render.
// Admin actions must be authorized by the transport before they reach Handle.
// Handle never returns an error: every failure becomes a user-facing response.
func (a *App) Handle(ctx context.Context, action domain.Action) domain.Response {
	switch action.Kind {
	case domain.ActionStart:
		return a.start(ctx, action.UserID, action.Payload)
	case domain.ActionRequestUnlock:
		return a.requestUnlock(ctx, action.UserID)
	case domain.ActionRequestMedia:
		return a.requestMedia(ctx, action.UserID)
	case domain.ActionAdminAddMedia:
		return a.addMedia(ctx, action.UserID, action.RepliedMedia)
	case domain.ActionAdminRemoveMedia:
		return a.removeMedia(ctx, action.UserID, strings.TrimSpace(action.Payload))
	case domain.ActionAdminStats:
		return a.stats(ctx)
	default:
		return domain.Response{Text: textUnknownAction}
	}
}

func (a *App) start(ctx context.Context, userID int64, payload string) domain.Response {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return a.status(ctx, userID)
	}
	decoded := a.links.Decode(payload)
	switch decoded.Kind {
	case deeplink.KindUnlock:
		return a.redeem(ctx, userID, decoded.Token)
	case deeplink.KindDirectMedia:
		return a.serveKey(ctx, decoded.Key)
	default:
		util.LoggerFromContext(ctx).Info("unrecognized deep link payload", "user_id", userID)
		return needsUnlock(fmt.Sprintf(textUnrecognizedFmt, echoPayload(payload)))
	}
}

func (a *App) status(ctx context.Context, userID int64) domain.Response {
	logger := util.LoggerFromContext(ctx)
	ok, err := a.grants.HasAccess(ctx, userID)
	if err != nil {
		logger.Error("check access failed", "user_id", userID, "err", err)
		return needsUnlock(textUnavailable)
	}
	if !ok {
		return needsUnlock(textNeedsUnlock)
	}
	remaining, err := a.grants.Remaining(ctx, userID)
	if err != nil || remaining <= 0 {
		remaining = a.grants.TTL()
	}
	return unlocked(fmt.Sprintf(textAccessActiveFmt, humanDuration(remaining)))
}

// redeem consumes the token first and grants only after a confirmed
// consumption. Any uncertainty ends without a grant.
func (a *App) redeem(ctx context.Context, userID int64, token string) domain.Response {
	logger := util.LoggerFromContext(ctx)
	err := a.tokens.ValidateAndConsume(ctx, token, userID)
	switch {
	case err == nil:
	case errors.Is(err, unlock.ErrTokenInvalid):
		logger.Info("unlock redemption rejected", "user_id", userID, "reason", "invalid_or_expired")
		return needsUnlock(textTokenInvalid)
	case errors.Is(err, unlock.ErrOwnerMismatch):
		logger.Warn("unlock redemption rejected", "user_id", userID, "reason", "owner_mismatch")
		return needsUnlock(textOwnerMismatch)
	default:
		logger.Error("unlock redemption failed", "user_id", userID, "err", err)
		return needsUnlock(textUnavailable)
	}

	if err := a.grants.Grant(ctx, userID); err != nil {
		logger.Error("token consumed but grant failed", "user_id", userID, "err", err)
		return needsUnlock(textUnavailable)
	}
	logger.Info("access granted", "user_id", userID, "ttl", a.grants.TTL().String())
	return unlocked(fmt.Sprintf(textUnlockedFmt, humanDuration(a.grants.TTL())))
}

// requestUnlock mints a token and delivers it through the shortener. A failed
// shortening leaves the token valid; the user simply asks again.
func (a *App) requestUnlock(ctx context.Context, userID int64) domain.Response {
	logger := util.LoggerFromContext(ctx)
	token, err := a.tokens.Issue(ctx, userID)
	if err != nil {
		logger.Error("issue unlock token failed", "user_id", userID, "err", err)
		return needsUnlock(textUnavailable)
	}
	link := a.links.Link(a.links.EncodeUnlock(token))

	shortenCtx, cancel := context.WithTimeout(ctx, a.shortenTimeout)
	defer cancel()
	short, err := a.shortener.Shorten(shortenCtx, link)
	if err != nil {
		logger.Warn("shorten unlock link failed", "user_id", userID, "err", err)
		return needsUnlock(textLinkFailed)
	}
	return domain.Response{
		State: domain.StateUnlocking,
		Text:  fmt.Sprintf(textUnlockLinkFmt, humanDuration(a.tokens.TTL())),
		Buttons: []domain.Button{
			{Label: "Open unlock link", URL: short},
		},
	}
}

func (a *App) requestMedia(ctx context.Context, userID int64) domain.Response {
	logger := util.LoggerFromContext(ctx)
	ok, err := a.grants.HasAccess(ctx, userID)
	if err != nil {
		logger.Error("check access failed", "user_id", userID, "err", err)
		return needsUnlock(textUnavailable)
	}
	if !ok {
		return a.requestUnlock(ctx, userID)
	}
	ref, err := a.catalog.PickRandom(ctx)
	if errors.Is(err, catalog.ErrEmpty) {
		return unlocked(textCatalogEmpty)
	}
	if err != nil {
		logger.Error("pick random media failed", "user_id", userID, "err", err)
		return unlocked(textUnavailable)
	}
	resp, err := a.serve(ctx, ref)
	if err != nil {
		logger.Error("serve media failed", "user_id", userID, "err", err)
		return unlocked(textUnavailable)
	}
	return resp
}

// serveKey resolves a legacy direct-media payload.
func (a *App) serveKey(ctx context.Context, key string) domain.Response {
	logger := util.LoggerFromContext(ctx)
	ref, err := a.catalog.GetMedia(ctx, key)
	if errors.Is(err, catalog.ErrNotFound) {
		return needsUnlock(textMediaNotFound)
	}
	if err != nil {
		logger.Error("get media failed", "key", key, "err", err)
		return needsUnlock(textUnavailable)
	}
	resp, err := a.serve(ctx, ref)
	if err != nil {
		logger.Error("serve media failed", "key", key, "err", err)
		return needsUnlock(textUnavailable)
	}
	return resp
}

func (a *App) serve(ctx context.Context, ref domain.MediaRef) (domain.Response, error) {
	resp := domain.Response{
		State:   domain.StateServing,
		Text:    ref.Caption,
		Media:   &ref,
		Buttons: []domain.Button{{Label: "Get another", Action: domain.ActionRequestMedia}},
	}
	if ref.Source != domain.SourceObject {
		return resp, nil
	}
	if a.archive == nil {
		return domain.Response{}, errors.New("media archive not configured")
	}
	url, err := a.archive.PresignGet(ctx, ref.ContentID, a.presignTTL)
	if err != nil {
		return domain.Response{}, err
	}
	resp.MediaURL = url
	return resp, nil
}

func (a *App) addMedia(ctx context.Context, adminID int64, ref *domain.MediaRef) domain.Response {
	logger := util.LoggerFromContext(ctx)
	if ref == nil {
		return domain.Response{Text: textAddNeedsMedia}
	}
	key, err := a.catalog.AddMedia(ctx, *ref, adminID)
	if errors.Is(err, catalog.ErrInvalidMedia) {
		return domain.Response{Text: textAddNeedsMedia}
	}
	if err != nil {
		logger.Error("add media failed", "admin_id", adminID, "err", err)
		return domain.Response{Text: textUnavailable}
	}
	size, err := a.catalog.Size(ctx)
	if err != nil {
		logger.Warn("catalog size failed", "err", err)
	}
	logger.Info("catalog media added", "admin_id", adminID, "key", key, "kind", string(ref.Kind))
	return domain.Response{Text: fmt.Sprintf(textAddedFmt, key, size)}
}

func (a *App) removeMedia(ctx context.Context, adminID int64, key string) domain.Response {
	logger := util.LoggerFromContext(ctx)
	ref, err := a.catalog.GetMedia(ctx, key)
	if errors.Is(err, catalog.ErrNotFound) {
		return domain.Response{Text: textMediaNotFound}
	}
	if err != nil {
		logger.Error("get media failed", "key", key, "err", err)
		return domain.Response{Text: textUnavailable}
	}
	if err := a.catalog.RemoveMedia(ctx, key); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return domain.Response{Text: textMediaNotFound}
		}
		logger.Error("remove media failed", "key", key, "err", err)
		return domain.Response{Text: textUnavailable}
	}
	if ref.Source == domain.SourceObject {
		a.dropArchived(ctx, ref.ContentID)
	}
	size, err := a.catalog.Size(ctx)
	if err != nil {
		logger.Warn("catalog size failed", "err", err)
	}
	logger.Info("catalog media removed", "admin_id", adminID, "key", key)
	return domain.Response{Text: fmt.Sprintf(textRemovedFmt, key, size)}
}

// dropArchived removes an object through the cleanup queue, falling back to an
// inline delete. Failures leave an orphaned object, never a broken entry.
func (a *App) dropArchived(ctx context.Context, objectKey string) {
	logger := util.LoggerFromContext(ctx)
	if a.cleanup != nil {
		jobID, err := a.cleanup.Enqueue(ctx, objectKey)
		if err == nil {
			logger.Info("archive cleanup scheduled", "object", objectKey, "job_id", jobID)
			return
		}
		logger.Warn("schedule archive cleanup failed", "object", objectKey, "err", err)
	}
	if a.archive == nil {
		return
	}
	if err := a.archive.Delete(ctx, objectKey); err != nil {
		logger.Warn("delete archived media failed", "object", objectKey, "err", err)
	}
}

func (a *App) stats(ctx context.Context) domain.Response {
	size, err := a.catalog.Size(ctx)
	if err != nil {
		util.LoggerFromContext(ctx).Error("catalog size failed", "err", err)
		return domain.Response{Text: textUnavailable}
	}
	return domain.Response{Text: fmt.Sprintf(textStatsFmt, size)}
}
