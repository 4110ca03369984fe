package client

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scanAll(t *testing.T, input string) []Frame {
	t.Helper()
	s := newSSEScanner(strings.NewReader(input))
	var frames []Frame
	for s.Next() {
		frames = append(frames, s.Frame())
	}
	require.NoError(t, s.Err())
	return frames
}

func TestSSEScanner(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Frame
	}{
		{
			name:  "relay frames",
			input: "event: handshake\ndata: {\"status\":\"connected\"}\n\nevent: update\ndata: {\"user\":\"a\"}\n\n",
			want: []Frame{
				{Event: "handshake", Data: `{"status":"connected"}`},
				{Event: "update", Data: `{"user":"a"}`},
			},
		},
		{
			name:  "comments skipped",
			input: ": ping\n\nevent: server-restarting\ndata: {}\n\n: ping\n\n",
			want:  []Frame{{Event: "server-restarting", Data: "{}"}},
		},
		{
			name:  "multi-line data",
			input: "data: a\ndata: b\n\n",
			want:  []Frame{{Data: "a\nb"}},
		},
		{
			name:  "crlf and no space",
			input: "event:update\r\ndata:x\r\n\r\n",
			want:  []Frame{{Event: "update", Data: "x"}},
		},
		{
			name:  "trailing frame without blank line",
			input: "event: update\ndata: last",
			want:  []Frame{{Event: "update", Data: "last"}},
		},
		{
			name:  "event without data is dropped",
			input: "event: lonely\n\nevent: update\ndata: y\n\n",
			want:  []Frame{{Event: "update", Data: "y"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scanAll(t, tt.input))
		})
	}
}
