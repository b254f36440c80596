package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownEventType 事件类型没有注册
var ErrUnknownEventType = errors.New("unknown event type")

type decodeFunc func(json.RawMessage) (any, error)

// Registry 事件类型表：event_type -> payload 的 Go 类型
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]decodeFunc
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]decodeFunc)}
}

// Register 注册一个事件类型，payload 反序列化为 T
func Register[T any](r *Registry, eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[eventType] = func(raw json.RawMessage) (any, error) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// Decode resolves the event's declared type and deserializes its payload.
func (r *Registry) Decode(e *Event) (any, error) {
	r.mu.RLock()
	decode, ok := r.decoders[e.EventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, e.EventType)
	}
	v, err := decode(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", e.EventType, err)
	}
	return v, nil
}

// Types 已注册的事件类型，排序后返回
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.decoders))
	for t := range r.decoders {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
