package payload

import (
	"errors"
	"strings"
)

// ErrInvalidFormat indicates a notification payload that does not follow
// the <routing_key>:<message_body> convention
var ErrInvalidFormat = errors.New("payload is not in routing_key:message format")

// Message is a notification payload split into its broker routing key
// and message body
type Message struct {
	RoutingKey string
	Body       string
}

// Parse splits a raw notification payload on the first ':'. The body keeps
// any further ':' characters verbatim. Both sides must be non-empty
func Parse(raw string) (Message, error) {
	key, body, found := strings.Cut(raw, ":")
	if !found || key == "" || body == "" {
		return Message{}, ErrInvalidFormat
	}
	return Message{RoutingKey: key, Body: body}, nil
}
