package main

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWSURL(t *testing.T) {
	c := &watchClient{base: "https://chat.example.com", user: "buyer-1"}
	assert.Equal(t, "wss://chat.example.com/v1/ws?session_id=s1&user_id=buyer-1", c.wsURL("s1"))

	c = &watchClient{base: "http://localhost:8080", token: "abc"}
	assert.Equal(t, "ws://localhost:8080/v1/ws?session_id=s1&token=abc", c.wsURL("s1"))
}

func TestFormatEventTruncatesPayload(t *testing.T) {
	ev := event{
		Type:           "messages_changed",
		ConversationID: "conv-1",
		Data:           json.RawMessage(`"` + strings.Repeat("x", 100) + `"`),
		Timestamp:      time.Now(),
	}

	line := formatEvent(ev, 20)
	assert.Contains(t, line, "[conv-1]")
	assert.True(t, strings.HasSuffix(line, "..."))
	assert.Less(t, len(line), 80)

	full := formatEvent(ev, 0)
	assert.Contains(t, full, strings.Repeat("x", 100))
}

func TestSplitOrigins(t *testing.T) {
	assert.Equal(t, []string{"https://a.sn", "https://b.sn"}, splitOrigins(" https://a.sn, ,https://b.sn "))
	assert.Nil(t, splitOrigins(""))
}
