package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "email a@b.com and phone +62 812 3456 7890"
	assert.Equal(t, in, Text(in))
	assert.False(t, Enabled())
}

func TestRedactEnabled(t *testing.T) {
	SetEnabled(true)
	t.Cleanup(func() { SetEnabled(false) })

	got := Text("email a@b.com and phone +62 812 3456 7890")
	assert.Contains(t, got, "[REDACTED_EMAIL]")
	assert.Contains(t, got, "[REDACTED_PHONE]")

	got = Text("ask <@!123456789012345678> about sk-abcdefghijklmnop1234")
	assert.Equal(t, "ask [REDACTED_MENTION] about [REDACTED_KEY]", got)

	assert.Equal(t, "  ", Text("  "))
}
