package internal

import (
	"context"
	"strconv"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// CaptureDeviceException reports err against the given device id, using the
// hub attached to ctx if any.
func CaptureDeviceException(ctx context.Context, deviceID int64, err error) {
	hub := GetSentryHubFromContextOrDefault(ctx)
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("device_id", strconv.FormatInt(deviceID, 10))
		hub.CaptureException(err)
	})
}
