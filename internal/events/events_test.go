package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToAllAndJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{channel: "ok"}
	failing := &recordingNotifier{channel: "bad", err: errors.New("down")}
	fanout := NewFanout(ok, nil, failing)

	err := fanout.Notify(context.Background(), Event{Kind: KindAgentBorn, AgentID: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel bad")
	assert.Len(t, ok.events, 1)
	assert.Len(t, failing.events, 1)
}

func TestEmitFillsTimestampAndSwallowsErrors(t *testing.T) {
	failing := &recordingNotifier{channel: "bad", err: errors.New("down")}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	Emit(ctx, failing, Event{Kind: KindAgentDied, AgentID: "a"})
	require.Len(t, failing.events, 1)
	assert.False(t, failing.events[0].OccurredAt.IsZero())

	Emit(ctx, nil, Event{})
}

func TestHubBroadcastAndUnsubscribe(t *testing.T) {
	hub := NewHub(1)
	first, cancelFirst := hub.Subscribe()
	second, cancelSecond := hub.Subscribe()
	assert.Equal(t, 2, hub.Subscribers())

	require.NoError(t, hub.Notify(context.Background(), Event{Kind: KindAgentActivity, Summary: "one"}))
	assert.Equal(t, "one", (<-first).Summary)
	assert.Equal(t, "one", (<-second).Summary)

	require.NoError(t, hub.Notify(context.Background(), Event{Summary: "fill"}))
	require.NoError(t, hub.Notify(context.Background(), Event{Summary: "overflow"}))
	assert.Equal(t, uint64(2), hub.Dropped())

	cancelFirst()
	cancelFirst()
	assert.Equal(t, 1, hub.Subscribers())
	cancelSecond()
	_, open := <-second
	assert.True(t, open)
	_, open = <-second
	assert.False(t, open)
}

type fakeAMQPChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

func (f *fakeAMQPChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func (f *fakeAMQPChannel) Close() error { return nil }

func TestAMQPPublisherRoutesByKind(t *testing.T) {
	ch := &fakeAMQPChannel{}
	pub := &AMQPPublisher{ch: ch, exchange: "survival.events"}
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, pub.Notify(context.Background(), Event{Kind: KindAgentDied, AgentID: "a", Name: "Alpha", OccurredAt: at}))
	assert.Equal(t, "survival.events", ch.exchange)
	assert.Equal(t, "agent_died", ch.key)

	var decoded Event
	require.NoError(t, json.Unmarshal(ch.msg.Body, &decoded))
	assert.Equal(t, "Alpha", decoded.Name)
	assert.Equal(t, KindAgentDied, decoded.Kind)
}

func TestNewAMQPPublisherRequiresURL(t *testing.T) {
	_, err := NewAMQPPublisher(AMQPConfig{})
	assert.Error(t, err)
}
