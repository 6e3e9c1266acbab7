package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type senderStub struct {
	name   string
	fail   bool
	titles []string
}

func (s *senderStub) Send(_ context.Context, title, _ string) error {
	if s.fail {
		return errors.New("send failed")
	}
	s.titles = append(s.titles, title)
	return nil
}

func (s *senderStub) Name() string { return s.name }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventFiltering(t *testing.T) {
	s := &senderStub{name: "stub"}
	n := NewNotifier([]Sender{s}, []string{"exit_stuck"}, discard())

	require.NoError(t, n.Event(context.Background(), "position_closed", "closed", "body"))
	assert.Empty(t, s.titles)

	require.NoError(t, n.Event(context.Background(), "exit_stuck", "stuck", "body"))
	require.Len(t, s.titles, 1)
	assert.Equal(t, "stuck", s.titles[0])
}

func TestEventNoSubscriptionsForwardsAll(t *testing.T) {
	s := &senderStub{name: "stub"}
	n := NewNotifier([]Sender{s}, nil, discard())

	require.NoError(t, n.Event(context.Background(), "anything", "title", "body"))
	assert.Len(t, s.titles, 1)
}

func TestCriticalBypassesFilter(t *testing.T) {
	s := &senderStub{name: "stub"}
	n := NewNotifier([]Sender{s}, []string{"position_closed"}, discard())

	require.NoError(t, n.Critical(context.Background(), "emergency stop", "losses exceeded cap"))
	require.Len(t, s.titles, 1)
	assert.Contains(t, s.titles[0], "emergency stop")
}

func TestDispatchContinuesPastFailedSender(t *testing.T) {
	bad := &senderStub{name: "bad", fail: true}
	good := &senderStub{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discard())

	err := n.Critical(context.Background(), "subject", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Len(t, good.titles, 1)
}

func TestNoSendersIsNoop(t *testing.T) {
	n := NewNotifier(nil, nil, discard())
	assert.NoError(t, n.Critical(context.Background(), "subject", "body"))
}

func TestClipBoundsAndKeepsValidUTF8(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))

	long := strings.Repeat("é", 100) // 2 bytes per rune
	got := clip(long, 21)
	assert.LessOrEqual(t, len(got), 21)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "…"))
}
