package exchange

import (
	"bytes"
	"context"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// splits returns every way of cutting s into consecutive non-empty parts.
func splits(s string) [][]string {
	if len(s) <= 1 {
		return [][]string{{s}}
	}
	var out [][]string
	for mask := 0; mask < 1<<(len(s)-1); mask++ {
		var parts []string
		start := 0
		for i := 1; i < len(s); i++ {
			if mask&(1<<(i-1)) != 0 {
				parts = append(parts, s[start:i])
				start = i
			}
		}
		parts = append(parts, s[start:])
		out = append(out, parts)
	}
	return out
}

func TestReceiveFragmentationInvariance(t *testing.T) {
	msg := `{"a":[1]}`
	for _, parts := range splits(msg) {
		conn := &fakeConn{frags: fragments(true, parts...)}
		b, err := Receive(context.Background(), conn, 0)
		require.NoError(t, err)
		assert.Equal(t, msg, string(b), "parts: %q", parts)
	}
}

func TestReceiveLargeRandomFragments(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	msg := make([]byte, 3*scratchSize+17)
	rng.Read(msg)

	for i := 0; i < 20; i++ {
		var parts []string
		rest := msg
		for len(rest) > 0 {
			n := rng.Intn(2*scratchSize) + 1
			if n > len(rest) {
				n = len(rest)
			}
			parts = append(parts, string(rest[:n]))
			rest = rest[n:]
		}
		conn := &fakeConn{frags: fragments(true, parts...)}
		b, err := Receive(context.Background(), conn, int64(len(msg)))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(msg, b))
	}
}

func TestReceiveEdgeCases(t *testing.T) {
	cases := []struct {
		name    string
		frags   []fragment
		limit   int64
		exp     string
		expErrs []error
	}{
		{
			name:  "empty final fragment",
			frags: []fragment{{final: true}},
			exp:   "",
		},
		{
			name:  "empty final fragment after data",
			frags: append(fragments(false, "ab", "c"), fragment{final: true}),
			exp:   "abc",
		},
		{
			name:    "closed before any fragment",
			expErrs: []error{ErrConnClosed, ErrProtocol},
		},
		{
			name:    "closed mid-message",
			frags:   fragments(false, "ab", "cd"),
			expErrs: []error{ErrConnClosed, ErrProtocol},
		},
		{
			name:  "exactly at limit",
			frags: fragments(true, "abc", "de"),
			limit: 5,
			exp:   "abcde",
		},
		{
			name:    "one byte over limit",
			frags:   fragments(true, "abc", "def"),
			limit:   5,
			expErrs: []error{ErrMessageTooLarge, ErrProtocol},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			conn := &fakeConn{frags: c.frags}
			b, err := Receive(context.Background(), conn, c.limit)
			if len(c.expErrs) > 0 {
				for _, expErr := range c.expErrs {
					assert.ErrorIs(t, err, expErr)
				}
				assert.Nil(t, b)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, b)
			assert.Equal(t, c.exp, string(b))
		})
	}
}

func TestReceiveShutdownDiscardsPartialMessage(t *testing.T) {
	shutdown, stop := context.WithCancel(context.Background())
	conn := &fakeConn{frags: fragments(false, "partial"), block: true}

	go func() {
		time.Sleep(20 * time.Millisecond)
		stop()
	}()

	b, err := ReceiveTimeout(context.Background(), shutdown, conn, 0, time.Minute)
	assert.Nil(t, b)
	assert.ErrorIs(t, err, ErrShutdown)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.NotErrorIs(t, err, ErrProtocol)
}

func TestReceiveTimeout(t *testing.T) {
	conn := &fakeConn{block: true}
	b, err := ReceiveTimeout(context.Background(), nil, conn, 0, 10*time.Millisecond)
	assert.Nil(t, b)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestReceiveBody(t *testing.T) {
	body := strings.Repeat("x", scratchSize*2+1)
	b, err := Receive(context.Background(), NewBodyReader(strings.NewReader(body)), 0)
	require.NoError(t, err)
	assert.Equal(t, body, string(b))

	_, err = Receive(context.Background(), NewBodyReader(strings.NewReader(body)), int64(len(body)-1))
	assert.ErrorIs(t, err, ErrMessageTooLarge)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Receive(ctx, NewBodyReader(strings.NewReader(body)), 0)
	assert.ErrorIs(t, err, ErrCanceled)
}
