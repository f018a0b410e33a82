package workflow

import (
	"sync"
	"time"

	"ai-grader/models"
)

// EventType 进度事件类型
type EventType string

const (
	EventStarted  EventType = "started"
	EventUnit     EventType = "unit"
	EventFinished EventType = "finished"
)

// Event 推送给订阅者的运行进度
type Event struct {
	RunID     string           `json:"run_id"`
	Type      EventType        `json:"type"`
	Kind      models.RunKind   `json:"kind"`
	Unit      string           `json:"unit,omitempty"`
	Status    string           `json:"status,omitempty"`
	Detail    string           `json:"detail,omitempty"`
	Completed int              `json:"completed"`
	Skipped   int              `json:"skipped"`
	Time      time.Time        `json:"time"`
	RunStatus models.RunStatus `json:"run_status,omitempty"`
}

const (
	subscriberBuffer = 64
	// finishedRetention 结束的运行保留多久；之后订阅者应以数据库中的状态为准
	finishedRetention = 10 * time.Minute
)

// Hub 按运行 ID 分发进度事件
// 订阅者消费太慢时丢弃事件，不阻塞工作流
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
	done map[string]time.Time
	now  func() time.Time
}

// NewHub 创建事件中心
func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[chan Event]struct{}),
		done: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Subscribe 订阅某次运行；运行已结束时返回已关闭的通道
func (h *Hub) Subscribe(runID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, finished := h.done[runID]; finished {
		close(ch)
		return ch, func() {}
	}
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[chan Event]struct{})
	}
	h.subs[runID][ch] = struct{}{}

	return ch, func() { h.unsubscribe(runID, ch) }
}

func (h *Hub) unsubscribe(runID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[runID]; ok {
		if _, ok := set[ch]; ok {
			delete(set, ch)
			close(ch)
		}
		if len(set) == 0 {
			delete(h.subs, runID)
		}
	}
}

// Publish 非阻塞地投递事件
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[ev.RunID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Finish 投递结束事件后关闭该运行的全部订阅
func (h *Hub) Finish(ev Event) {
	h.Publish(ev)

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[ev.RunID] {
		close(ch)
	}
	delete(h.subs, ev.RunID)

	now := h.now()
	for id, at := range h.done {
		if now.Sub(at) > finishedRetention {
			delete(h.done, id)
		}
	}
	h.done[ev.RunID] = now
}

// Finished 仍在保留期内的已结束运行数
func (h *Hub) Finished() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.done)
}

// Subscribers 当前订阅数
func (h *Hub) Subscribers(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[runID])
}
