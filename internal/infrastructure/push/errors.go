package push

import "errors"

// ErrNotCallPayload marks data payloads that are not call offers (chat
// messages, presence pings). Callers route those to their own handlers.
var ErrNotCallPayload = errors.New("push payload is not a call offer")
