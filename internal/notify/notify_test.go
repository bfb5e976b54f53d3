package notify

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
)

type fakeSlack struct {
	posted []string
	err    error
}

func (f *fakeSlack) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.posted = append(f.posted, channelID)
	return channelID, "ts", f.err
}

func TestNotifyFiltersEvents(t *testing.T) {
	api := &fakeSlack{}
	n := &Notifier{
		client:    api,
		channelID: "C123",
		events:    map[string]bool{EventFailure: true},
	}

	n.Notify(context.Background(), EventSuccess, "done")
	assert.Empty(t, api.posted)

	n.Notify(context.Background(), EventFailure, "blocked")
	assert.Len(t, api.posted, 1)
}

func TestNotifyNilReceiverIsSafe(t *testing.T) {
	var n *Notifier
	n.Notify(context.Background(), EventFailure, "x")
}

func TestNotifySwallowsErrors(t *testing.T) {
	api := &fakeSlack{err: assert.AnError}
	n := &Notifier{
		client:    api,
		channelID: "C123",
		events:    map[string]bool{EventFailure: true},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	n.Notify(context.Background(), EventFailure, "boom")
	assert.Len(t, api.posted, 1)
}
