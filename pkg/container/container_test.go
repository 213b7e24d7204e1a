package container

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithTimeout(t *testing.T) {
	tests := []struct {
		name    string
		argv    []string
		timeout time.Duration
		want    []string
	}{
		{
			name: "no timeout",
			argv: []string{"echo", "hi"},
			want: []string{"echo", "hi"},
		},
		{
			name:    "whole seconds",
			argv:    []string{"echo", "hi"},
			timeout: 10 * time.Second,
			want:    []string{"timeout", "-s", "KILL", "10.000", "echo", "hi"},
		},
		{
			name:    "fractional seconds round up",
			argv:    Shell("make test"),
			timeout: 1500*time.Millisecond + 100*time.Microsecond,
			want:    []string{"timeout", "-s", "KILL", "1.501", "/bin/bash", "-c", "make test"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, withTimeout(tt.argv, tt.timeout))
		})
	}
}

func TestIsTimedOut(t *testing.T) {
	assert.True(t, isTimedOut(124, 2*time.Second, 2*time.Second))
	assert.True(t, isTimedOut(124, 3*time.Second, 2*time.Second))
	// The program itself may exit with 124 before the limit.
	assert.False(t, isTimedOut(124, time.Second, 2*time.Second))
	assert.False(t, isTimedOut(1, 3*time.Second, 2*time.Second))
	assert.False(t, isTimedOut(124, 3*time.Second, 0))
}

func TestHeadBuffer(t *testing.T) {
	b := newHeadBuffer(5)

	n, err := b.Write([]byte("abc"))
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, b.truncated)

	n, err = b.Write([]byte("defgh"))
	assert.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.True(t, b.truncated)

	_, _ = b.Write([]byte("ijk"))
	assert.Equal(t, "abcde", b.String())
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(4)

	_, _ = b.Write([]byte("ab"))
	assert.Equal(t, "ab", b.String())

	_, _ = b.Write([]byte("cde"))
	assert.Equal(t, "bcde", b.String())

	_, _ = b.Write([]byte(strings.Repeat("x", 10) + "yz"))
	assert.Equal(t, "xxyz", b.String())

	empty := newTailBuffer(0)
	_, _ = empty.Write([]byte("abc"))
	assert.Equal(t, "", empty.String())
}
