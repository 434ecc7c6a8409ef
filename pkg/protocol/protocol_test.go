package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/agentctl/agentctl/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"type":"ping","requestId":"r1"}`))
	require.NoError(t, err)
	assert.Equal(t, TypePing, req.Type)
	assert.Equal(t, "r1", req.RequestID)
}

func TestDecodeRequestErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"invalid json", `{"type":`},
		{"missing type", `{"requestId":"r1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequest([]byte(tt.line))
			require.Error(t, err)
			assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
		})
	}
}

func TestRequestDecodePayload(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"type":"send_message","to":"bob","content":"hi"}`))
	require.NoError(t, err)

	var args struct {
		To      string `json:"to"`
		Content string `json:"content"`
	}
	require.NoError(t, req.Decode(&args))
	assert.Equal(t, "bob", args.To)
	assert.Equal(t, "hi", args.Content)
}

func TestReplyCorrelation(t *testing.T) {
	req := &Request{Type: TypePing, RequestID: "abc"}

	ok := Result(req, map[string]string{"pong": "1"})
	assert.Equal(t, "abc", ok.RequestID)
	assert.Equal(t, "result", ok.Type)

	er := ErrorReply(req, errdefs.RateLimitf("rate limit: 2/2 spawns in last minute"))
	assert.Equal(t, "abc", er.RequestID)
	assert.Equal(t, "error", er.Type)
	assert.Equal(t, errdefs.KindRateLimit, er.Error.Kind)
	assert.True(t, er.Error.Retryable)
}

func TestEncodeTerminatesFrames(t *testing.T) {
	data, err := Encode(Result(&Request{Type: TypePing}, nil))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "\n"))
	assert.Equal(t, 1, strings.Count(string(data), "\n"))

	var reply Reply
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Equal(t, "result", reply.Type)
}

func TestLineParserPartialFrames(t *testing.T) {
	var p LineParser

	frames, err := p.Feed([]byte(`{"type":"pi`))
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.True(t, p.Pending())

	frames, err = p.Feed([]byte("ng\"}\n{\"type\":\"auth\"}\n"))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.JSONEq(t, `{"type":"ping"}`, string(frames[0]))
	assert.JSONEq(t, `{"type":"auth"}`, string(frames[1]))
	assert.False(t, p.Pending())
}

func TestLineParserSkipsBlankLines(t *testing.T) {
	var p LineParser
	frames, err := p.Feed([]byte("\n\r\n{\"type\":\"ping\"}\n"))
	require.NoError(t, err)
	require.Len(t, frames, 1)
}

func TestLineParserOversizedFrame(t *testing.T) {
	var p LineParser

	big := strings.Repeat("x", MaxFrameBytes+10)
	frames, err := p.Feed([]byte(big))
	assert.Empty(t, frames)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))

	// The connection survives: the next complete frame parses cleanly.
	frames, err = p.Feed([]byte("tail\n{\"type\":\"ping\"}\n"))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"type":"ping"}`, string(frames[0]))
}
