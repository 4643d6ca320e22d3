package types

import "errors"

// Error taxonomy. Flat sentinels, matched with errors.Is;
// wrapped with github.com/pkg/errors where callers need to attach context.
var (
	ErrNoSuchTrack           = errors.New("sfu: no such track")
	ErrNoSuchSubscriber      = errors.New("sfu: no such subscriber")
	ErrDuplicateTrack        = errors.New("sfu: duplicate track")
	ErrAlreadySubscribed     = errors.New("sfu: already subscribed")
	ErrQuotaExceeded         = errors.New("sfu: quota exceeded")
	ErrMalformedPacket       = errors.New("sfu: malformed packet")
	ErrEgressTimeout         = errors.New("sfu: egress timeout")
	ErrEgressFailure         = errors.New("sfu: egress failure")
	ErrPublisherLeft         = errors.New("sfu: publisher left")
	ErrSubscriberUnreachable = errors.New("sfu: subscriber unreachable")
	ErrPoolExhausted         = errors.New("sfu: packet pool exhausted")
	ErrFatal                 = errors.New("sfu: fatal")
)
