package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdashuaibi/livepoll/internal/model"
)

// fakeTransport 内存版发布订阅，模拟跨进程通道
type fakeTransport struct {
	mu      sync.Mutex
	streams map[string][]*fakeStream
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{streams: make(map[string][]*fakeStream)}
}

func (t *fakeTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, stream := range t.streams[channel] {
		stream.ch <- payload
	}
	return nil
}

func (t *fakeTransport) Subscribe(ctx context.Context, channel string) (MessageStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stream := &fakeStream{ch: make(chan []byte, 64), transport: t, channel: channel}
	t.streams[channel] = append(t.streams[channel], stream)
	return stream, nil
}

func (t *fakeTransport) openStreams(channel string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams[channel])
}

type fakeStream struct {
	ch        chan []byte
	transport *fakeTransport
	channel   string
	closeOnce sync.Once
}

func (s *fakeStream) Messages() <-chan []byte { return s.ch }

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() {
		s.transport.mu.Lock()
		defer s.transport.mu.Unlock()
		streams := s.transport.streams[s.channel]
		for i, stream := range streams {
			if stream == s {
				s.transport.streams[s.channel] = append(streams[:i], streams[i+1:]...)
				break
			}
		}
		close(s.ch)
	})
	return nil
}

func recvEvent(t *testing.T, sub *Subscription) model.Event {
	t.Helper()
	select {
	case event := <-sub.C:
		return event
	case <-time.After(time.Second):
		t.Fatal("等待广播事件超时")
		return model.Event{}
	}
}

func TestHubFanOutToAllSubscribers(t *testing.T) {
	transport := newFakeTransport()
	hub := NewHub(transport)
	defer hub.Stop()

	sub1, err := hub.Subscribe(context.Background(), "poll-1")
	require.NoError(t, err)
	sub2, err := hub.Subscribe(context.Background(), "poll-1")
	require.NoError(t, err)

	event := &model.Event{
		Type:    model.EventTallyDelta,
		PollID:  "poll-1",
		Options: map[string]int{"opt-a": 1},
	}
	require.NoError(t, hub.Publish(context.Background(), "poll-1", event))

	for _, sub := range []*Subscription{sub1, sub2} {
		got := recvEvent(t, sub)
		assert.Equal(t, model.EventTallyDelta, got.Type)
		assert.Equal(t, "poll-1", got.PollID)
		assert.Equal(t, map[string]int{"opt-a": 1}, got.Options)
	}
}

func TestHubRoomsIsolated(t *testing.T) {
	transport := newFakeTransport()
	hub := NewHub(transport)
	defer hub.Stop()

	sub1, err := hub.Subscribe(context.Background(), "poll-1")
	require.NoError(t, err)
	sub2, err := hub.Subscribe(context.Background(), "poll-2")
	require.NoError(t, err)

	require.NoError(t, hub.Publish(context.Background(), "poll-1",
		&model.Event{Type: model.EventTallyDelta, PollID: "poll-1"}))

	got := recvEvent(t, sub1)
	assert.Equal(t, "poll-1", got.PollID)

	select {
	case event := <-sub2.C:
		t.Fatalf("其他房间的订阅者不应收到事件: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubSharesUpstreamSubscription(t *testing.T) {
	transport := newFakeTransport()
	hub := NewHub(transport)
	defer hub.Stop()

	for i := 0; i < 3; i++ {
		_, err := hub.Subscribe(context.Background(), "poll-1")
		require.NoError(t, err)
	}

	// 同一房间的多个订阅者共享一条上游订阅
	assert.Equal(t, 1, transport.openStreams(channelName("poll-1")))
}

func TestHubClosesRoomWhenLastSubscriberLeaves(t *testing.T) {
	transport := newFakeTransport()
	hub := NewHub(transport)
	defer hub.Stop()

	sub1, err := hub.Subscribe(context.Background(), "poll-1")
	require.NoError(t, err)
	sub2, err := hub.Subscribe(context.Background(), "poll-1")
	require.NoError(t, err)

	sub1.Close()
	assert.Equal(t, 1, transport.openStreams(channelName("poll-1")),
		"仍有订阅者时不应关闭上游订阅")

	sub2.Close()
	assert.Equal(t, 0, transport.openStreams(channelName("poll-1")))

	// 重复Close幂等
	sub2.Close()
}

func TestHubSlowSubscriberDropsEvents(t *testing.T) {
	transport := newFakeTransport()
	hub := NewHub(transport)
	defer hub.Stop()

	sub, err := hub.Subscribe(context.Background(), "poll-1")
	require.NoError(t, err)

	// 远超缓冲大小的事件不会阻塞发布方
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriptionBuffer*3; i++ {
			hub.Publish(context.Background(), "poll-1",
				&model.Event{Type: model.EventTallyDelta, PollID: "poll-1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("发布被慢订阅者阻塞")
	}

	received := 0
	for {
		select {
		case <-sub.C:
			received++
			continue
		case <-time.After(100 * time.Millisecond):
		}
		break
	}
	assert.LessOrEqual(t, received, subscriptionBuffer*3)
	assert.Greater(t, received, 0)
}

func TestHubStopClosesSubscribers(t *testing.T) {
	transport := newFakeTransport()
	hub := NewHub(transport)

	sub, err := hub.Subscribe(context.Background(), "poll-1")
	require.NoError(t, err)

	hub.Stop()

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok, "Stop后订阅通道应关闭")
	case <-time.After(time.Second):
		t.Fatal("等待订阅通道关闭超时")
	}
	assert.Equal(t, 0, transport.openStreams(channelName("poll-1")))
}
