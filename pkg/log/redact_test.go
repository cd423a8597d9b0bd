package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"api key",
			`connecting with api_key=sk-abc123`,
			`connecting with [REDACTED_API_KEY]`,
		},
		{
			"api key colon",
			`apikey: verysecret done`,
			`[REDACTED_API_KEY] done`,
		},
		{
			"bearer auth",
			`header authorization: Bearer eyJhbGci rest`,
			`header [REDACTED_AUTH] rest`,
		},
		{
			"token",
			`token=abcdef requested`,
			`[REDACTED_TOKEN] requested`,
		},
		{
			"password",
			`password: hunter2 accepted`,
			`[REDACTED_PASSWORD] accepted`,
		},
		{
			"ipv4",
			`probe of 192.168.1.42 failed`,
			`probe of [REDACTED_IP] failed`,
		},
		{
			"clean line untouched",
			`run r1 moved to running`,
			`run r1 moved to running`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Redact(tt.in))
		})
	}
}

func TestRedactingWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewRedactingWriter(&buf)

	line := []byte("host 10.0.0.7 password=letmein\n")
	n, err := w.Write(line)
	assert.NoError(t, err)
	assert.Equal(t, len(line), n)
	assert.Equal(t, "host [REDACTED_IP] [REDACTED_PASSWORD]\n", buf.String())
}

func TestInitWithRedaction(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf, Redact: true})

	Logger.Info().Msg("probing 172.16.0.9")
	assert.Contains(t, buf.String(), "[REDACTED_IP]")
	assert.NotContains(t, buf.String(), "172.16.0.9")
}
