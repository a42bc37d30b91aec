package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFeedSubscribed(t *testing.T) {
	c := &feedConn{topics: map[string]struct{}{}}
	require.False(t, c.subscribed("transaction.credit"), "no subscriptions means no delivery")

	c.topics["transaction.credit"] = struct{}{}
	require.True(t, c.subscribed("transaction.credit"))
	require.False(t, c.subscribed("transaction.debit"))

	c.topics["*"] = struct{}{}
	require.True(t, c.subscribed("transaction.debit"), "wildcard matches every topic")
}

func TestFeedPublishSkipsSlowSubscribers(t *testing.T) {
	f := NewFeed(nil, nil)

	fast := &feedConn{send: make(chan []byte, 1), topics: map[string]struct{}{"*": {}}}
	slow := &feedConn{send: make(chan []byte), topics: map[string]struct{}{"*": {}}}
	f.conns[fast] = struct{}{}
	f.conns[slow] = struct{}{}

	err := f.Publish(context.Background(), "transaction.credit", []byte(`{"amount":5}`))
	require.NoError(t, err, "a full send buffer must not block or fail the publish")

	frame := <-fast.send
	var msg streamMessage
	require.NoError(t, json.Unmarshal(frame, &msg))
	require.Equal(t, "event", msg.Type)
	require.Equal(t, "transaction.credit", msg.Topic)
	require.JSONEq(t, `{"amount":5}`, string(msg.Payload))
}

func TestFeedPublishFiltersByTopic(t *testing.T) {
	f := NewFeed(nil, nil)
	c := &feedConn{send: make(chan []byte, 4), topics: map[string]struct{}{"account.frozen": {}}}
	f.conns[c] = struct{}{}

	require.NoError(t, f.Publish(context.Background(), "transaction.credit", []byte(`{}`)))
	require.Empty(t, c.send)

	require.NoError(t, f.Publish(context.Background(), "account.frozen", []byte(`{}`)))
	require.Len(t, c.send, 1)
}
