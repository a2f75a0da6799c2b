package notification

import "errors"

// ErrSendFailed wraps any transport-level failure sending a notification
// through the email provider or a webhook endpoint.
var ErrSendFailed = errors.New("notification: send failed")

// ErrConfigNotFound is returned by a config loader when no configuration is
// present for the requested channel.
var ErrConfigNotFound = errors.New("notification: configuration not found")

// ErrSpamLimitExceeded is returned by the spam guard when a recipient has
// exceeded the hourly or daily notification cap. It is
// handled as non-fatal by the caller: logged to notification_sends with
// status=failed, never propagated as an execution failure.
var ErrSpamLimitExceeded = errors.New("notification: spam limit exceeded")
