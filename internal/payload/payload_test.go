package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ValidPayloads(t *testing.T) {
	tests := []struct {
		raw  string
		key  string
		body string
	}{
		{"events.created:hello", "events.created", "hello"},
		{"orders:item:42", "orders", "item:42"},
		{"k:m", "k", "m"},
		{"a.b.c:{\"id\": 7}", "a.b.c", "{\"id\": 7}"},
		{"key: body with spaces ", "key", " body with spaces "},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			msg, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.key, msg.RoutingKey)
			assert.Equal(t, tt.body, msg.Body)
		})
	}
}

func TestParse_InvalidPayloads(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no separator", "noseparator"},
		{"empty key", ":payload"},
		{"empty body", "key:"},
		{"only separator", ":"},
		{"empty string", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			assert.ErrorIs(t, err, ErrInvalidFormat)
		})
	}
}
