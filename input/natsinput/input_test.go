package natsinput

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorstream/errors"
	"github.com/c360/sensorstream/natsclient"
)

type fakeSubscriber struct {
	mu       sync.Mutex
	subjects []string
	queues   []string
	handlers []natsclient.MessageHandler
	err      error
}

func (f *fakeSubscriber) QueueSubscribe(_ context.Context, subject, queue string, h natsclient.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.queues = append(f.queues, queue)
	f.handlers = append(f.handlers, h)
	return nil
}

func (f *fakeSubscriber) deliver(subject string, data []byte) {
	f.mu.Lock()
	h := f.handlers[0]
	f.mu.Unlock()
	h(context.Background(), subject, data)
}

type call struct {
	key     string
	payload string
}

type recorder struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (r *recorder) handle(key string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{key, string(payload)})
	return r.err
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.ErrorIs(t, Config{}.Validate(), errors.ErrMissingConfig)
	assert.ErrorIs(t, Config{Subjects: []string{""}}.Validate(), errors.ErrInvalidConfig)

	_, err := New(DefaultConfig(), nil, nil, nil)
	assert.True(t, errors.IsFatal(err))
}

func TestInput_SubscribesAndForwards(t *testing.T) {
	sub := &fakeSubscriber{}
	rec := &recorder{}
	in, err := New(DefaultConfig(), sub, rec.handle, nil)
	require.NoError(t, err)

	require.NoError(t, in.Start(context.Background()))
	assert.Equal(t, DefaultSubjects, sub.subjects)
	assert.Equal(t, []string{"", ""}, sub.queues)

	sub.deliver("v1.device.dev1.telemetry", []byte(`{"rms":1}`))
	require.Len(t, rec.calls, 1)
	assert.Equal(t, call{"v1.device.dev1.telemetry", `{"rms":1}`}, rec.calls[0])

	s := in.Stats()
	assert.True(t, s.Running)
	assert.Equal(t, int64(1), s.MessagesReceived)
	assert.Equal(t, int64(9), s.BytesReceived)
	assert.False(t, s.LastActivity.IsZero())
}

func TestInput_QueueGroupOptIn(t *testing.T) {
	assert.Empty(t, DefaultConfig().QueueGroup)

	cfg := DefaultConfig()
	cfg.Subjects = []string{"v1.device.*.telemetry.>"}
	cfg.QueueGroup = "site-a"

	sub := &fakeSubscriber{}
	in, err := New(cfg, sub, (&recorder{}).handle, nil)
	require.NoError(t, err)
	require.NoError(t, in.Start(context.Background()))
	assert.Equal(t, []string{"site-a"}, sub.queues)
}

func TestInput_CountsHandlerErrors(t *testing.T) {
	sub := &fakeSubscriber{}
	rec := &recorder{err: errors.WrapTransient(errors.ErrQueueFull, "test", "handle", "offer")}
	in, err := New(DefaultConfig(), sub, rec.handle, nil)
	require.NoError(t, err)
	require.NoError(t, in.Start(context.Background()))

	sub.deliver("v1.device.dev1.telemetry", []byte(`{}`))
	sub.deliver("v1.device.dev1.telemetry", []byte(`{}`))
	assert.Equal(t, int64(2), in.Stats().Errors)
}

func TestInput_IgnoresMessagesAfterStop(t *testing.T) {
	sub := &fakeSubscriber{}
	rec := &recorder{}
	in, err := New(DefaultConfig(), sub, rec.handle, nil)
	require.NoError(t, err)
	require.NoError(t, in.Start(context.Background()))

	in.Stop()
	in.Stop()
	sub.deliver("v1.device.dev1.telemetry", []byte(`{}`))
	assert.Empty(t, rec.calls)
	assert.False(t, in.Stats().Running)
}

func TestInput_StartErrors(t *testing.T) {
	sub := &fakeSubscriber{err: errors.WrapTransient(errors.ErrSubscriptionFailed, "test", "QueueSubscribe", "sub")}
	in, err := New(DefaultConfig(), sub, (&recorder{}).handle, nil)
	require.NoError(t, err)

	err = in.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrSubscriptionFailed)
	assert.False(t, in.Stats().Running)

	sub.err = nil
	require.NoError(t, in.Start(context.Background()))
	assert.ErrorIs(t, in.Start(context.Background()), errors.ErrAlreadyStarted)
}
