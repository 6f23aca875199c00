package realtime

import (
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/signalmesh/realtime/src/types"
)

// Channel names are dot-separated alphanumeric segments; events allow the
// same characters plus a leading segment grammar used by client libraries.
var (
	channelNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+(\.[A-Za-z0-9_\-*]+)*$`)
	eventNamePattern   = regexp.MustCompile(`^[A-Za-z0-9_\-.:]+$`)
)

const maxNameLength = 200

// ValidateChannelName rejects malformed channel names before any side
// effect takes place.
func ValidateChannelName(name string) error {
	err := validation.Validate(name,
		validation.Required,
		validation.Length(1, maxNameLength),
		validation.Match(channelNamePattern),
	)
	if err != nil {
		return &types.ValidationError{Field: "channel", Value: name, Reason: err.Error()}
	}
	return nil
}

// ValidateEventName rejects malformed event names.
func ValidateEventName(name string) error {
	err := validation.Validate(name,
		validation.Required,
		validation.Length(1, maxNameLength),
		validation.Match(eventNamePattern),
	)
	if err != nil {
		return &types.ValidationError{Field: "event", Value: name, Reason: err.Error()}
	}
	return nil
}
