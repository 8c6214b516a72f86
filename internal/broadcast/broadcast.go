package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/lvdashuaibi/livepoll/internal/logger"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/lvdashuaibi/livepoll/internal/repository"
)

// Broadcaster 房间广播抽象。核心逻辑只依赖该接口，与具体传输无关
type Broadcaster interface {
	// Publish 把事件投递给房间内所有订阅者，包括其他进程上的订阅者
	Publish(ctx context.Context, pollID string, event *model.Event) error
	// Subscribe 加入投票对应的房间
	Subscribe(ctx context.Context, pollID string) (*Subscription, error)
}

// Transport 跨进程的发布订阅通道
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (MessageStream, error)
}

// MessageStream 一条频道的消息流
type MessageStream interface {
	Messages() <-chan []byte
	Close() error
}

// Subscription 单个订阅者。C上的投递是尽力而为：
// 消费不及时的订阅者会丢事件，客户端靠定期重新拉取快照对账
type Subscription struct {
	C      <-chan model.Event
	ch     chan model.Event
	cancel func()
	once   sync.Once
}

// Close 退出房间并释放订阅
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// 单个订阅者的事件缓冲大小
const subscriptionBuffer = 16

// Hub 房间广播器。每个房间共享一条上游传输订阅，
// 本地按引用计数多路分发给所有订阅者；跨进程一致性由传输层保证
type Hub struct {
	transport Transport

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	stream MessageStream
	subs   map[*Subscription]struct{}
	done   chan struct{}
}

func NewHub(transport Transport) *Hub {
	return &Hub{
		transport: transport,
		rooms:     make(map[string]*room),
	}
}

// Publish 序列化事件并经传输层发布，所有进程的房间成员都会收到
func (h *Hub) Publish(ctx context.Context, pollID string, event *model.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return h.transport.Publish(ctx, channelName(pollID), payload)
}

// Subscribe 加入房间。房间的第一个订阅者触发上游订阅
func (h *Hub) Subscribe(ctx context.Context, pollID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm, ok := h.rooms[pollID]
	if !ok {
		stream, err := h.transport.Subscribe(ctx, channelName(pollID))
		if err != nil {
			return nil, err
		}
		rm = &room{
			stream: stream,
			subs:   make(map[*Subscription]struct{}),
			done:   make(chan struct{}),
		}
		h.rooms[pollID] = rm
		go h.pump(pollID, rm)
	}

	sub := &Subscription{ch: make(chan model.Event, subscriptionBuffer)}
	sub.C = sub.ch
	sub.cancel = func() { h.unsubscribe(pollID, sub) }
	rm.subs[sub] = struct{}{}

	return sub, nil
}

// unsubscribe 退出房间，最后一个订阅者离开时关闭上游订阅
func (h *Hub) unsubscribe(pollID string, sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm, ok := h.rooms[pollID]
	if !ok {
		return
	}
	if _, ok := rm.subs[sub]; !ok {
		return
	}

	delete(rm.subs, sub)
	close(sub.ch)

	if len(rm.subs) == 0 {
		close(rm.done)
		rm.stream.Close()
		delete(h.rooms, pollID)
	}
}

// pump 从上游消息流读事件并分发给房间内的本地订阅者
func (h *Hub) pump(pollID string, rm *room) {
	for {
		select {
		case <-rm.done:
			return
		case payload, ok := <-rm.stream.Messages():
			if !ok {
				return
			}

			var event model.Event
			if err := json.Unmarshal(payload, &event); err != nil {
				logger.Sugar().Warnf("解析广播事件失败: poll=%s err=%v", pollID, err)
				continue
			}

			h.mu.Lock()
			for sub := range rm.subs {
				select {
				case sub.ch <- event:
				default:
					// 订阅者消费不及时，丢弃本条事件
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop 关闭所有房间
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for pollID, rm := range h.rooms {
		for sub := range rm.subs {
			delete(rm.subs, sub)
			close(sub.ch)
		}
		close(rm.done)
		rm.stream.Close()
		delete(h.rooms, pollID)
	}
}

func channelName(pollID string) string {
	return repository.RoomChannelKey + pollID
}
