package logx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnonymizeIP(t *testing.T) {
	assert.Equal(t, "203.0.113.0", anonymizeIP("203.0.113.77:5100"))
	assert.Equal(t, "10.1.2.0", anonymizeIP("10.1.2.3"))
	assert.Equal(t, "192.0.2.0", anonymizeIP("::ffff:192.0.2.9"))
	assert.Equal(t, "127.0.0.1", anonymizeIP("127.0.0.1:80"))
	assert.Equal(t, "2001:db8:85a3:1::", anonymizeIP("[2001:db8:85a3:1:2:3:4:5]:443"))
	assert.Equal(t, "unknown_ip", anonymizeIP("not-an-ip"))
}

func TestRedactURI(t *testing.T) {
	assert.Equal(t, "/ws?token=REDACTED", redactURI("/ws?token=eyJhbGciOi"))
	assert.Equal(t, "/api/rooms/r1/messages?limit=20", redactURI("/api/rooms/r1/messages?limit=20"))
	assert.Equal(t, "/health", redactURI("/health"))
}
