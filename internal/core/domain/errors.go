package domain

import "errors"

// ErrMalformedEvent marks an inbound message that can never be processed
// (null payload, missing transaction ID). Consumers acknowledge and drop
// such messages instead of letting the broker redeliver them.
var ErrMalformedEvent = errors.New("malformed event payload")
