// Package trackertest provides an in-memory tracker.Client for tests.
package trackertest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"trackersync/internal/tracker"
)

// Fake 内存版远程系统
type Fake struct {
	name   string
	prefix string
	now    func() time.Time

	mu       sync.Mutex
	seq      int
	items    map[string]map[string]*tracker.Item // container -> id -> item
	comments map[string][]*tracker.Comment       // item id -> comments
	failures map[string][]error
	calls    map[string]int
	hook     func(ctx context.Context, op string)
}

// New 创建 Fake，prefix 用于生成远程 ID（例如 "GH-"）
func New(name, prefix string, now func() time.Time) *Fake {
	if now == nil {
		now = time.Now
	}
	return &Fake{
		name:     name,
		prefix:   prefix,
		now:      now,
		items:    make(map[string]map[string]*tracker.Item),
		comments: make(map[string][]*tracker.Comment),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

func (f *Fake) Name() string { return f.name }

// Put stores an item as if it had been changed remotely.
func (f *Fake) Put(container string, item *tracker.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.items[container] == nil {
		f.items[container] = make(map[string]*tracker.Item)
	}
	f.items[container][item.ID] = clone(item)
}

// Delete removes an item remotely.
func (f *Fake) Delete(container, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items[container], id)
}

// Item returns a copy of the stored item or nil.
func (f *Fake) Item(container, id string) *tracker.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	if it, ok := f.items[container][id]; ok {
		return clone(it)
	}
	return nil
}

// Items 返回容器内全部条目（按 ID 排序）
func (f *Fake) Items(container string) []*tracker.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*tracker.Item
	for _, it := range f.items[container] {
		out = append(out, clone(it))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Fake) Comments(itemID string) []*tracker.Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*tracker.Comment, len(f.comments[itemID]))
	copy(out, f.comments[itemID])
	return out
}

// PutComment 模拟远程新增评论
func (f *Fake) PutComment(itemID string, c *tracker.Comment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[itemID] = append(f.comments[itemID], c)
}

// FailNext queues errors returned by the next calls of op, one per call.
func (f *Fake) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

// OnCall registers a hook invoked at the start of every call, outside the lock.
func (f *Fake) OnCall(hook func(ctx context.Context, op string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = hook
}

// Calls 某个操作被调用的次数
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	hook := f.hook
	var err error
	if q := f.failures[op]; len(q) > 0 {
		err, f.failures[op] = q[0], q[1:]
	}
	f.mu.Unlock()

	if hook != nil {
		hook(ctx, op)
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (f *Fake) ListChangedSince(ctx context.Context, container string, since *time.Time) ([]*tracker.Item, error) {
	if err := f.enter(ctx, "list_changed"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*tracker.Item
	for _, it := range f.items[container] {
		if since == nil || it.UpdatedUTC.After(*since) {
			out = append(out, clone(it))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedUTC.Equal(out[j].UpdatedUTC) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedUTC.Before(out[j].UpdatedUTC)
	})
	return out, nil
}

func (f *Fake) GetItem(ctx context.Context, container, id string) (*tracker.Item, error) {
	if err := f.enter(ctx, "get_item"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[container][id]
	if !ok {
		return nil, tracker.NotFound(f.name+".get_item", fmt.Errorf("item %s not found", id))
	}
	return clone(it), nil
}

func (f *Fake) CreateItem(ctx context.Context, container string, fields map[string]string) (*tracker.Item, error) {
	if err := f.enter(ctx, "create_item"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if container == "" {
		return nil, tracker.Permanent(f.name+".create_item", errors.New("container is required"))
	}
	f.seq++
	it := &tracker.Item{
		ID:         fmt.Sprintf("%s%d", f.prefix, f.seq),
		Fields:     copyFields(fields),
		UpdatedUTC: f.now().UTC(),
	}
	if f.items[container] == nil {
		f.items[container] = make(map[string]*tracker.Item)
	}
	f.items[container][it.ID] = it
	return clone(it), nil
}

func (f *Fake) UpdateItem(ctx context.Context, container, id string, fields map[string]string) (*tracker.Item, error) {
	if err := f.enter(ctx, "update_item"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[container][id]
	if !ok {
		return nil, tracker.NotFound(f.name+".update_item", fmt.Errorf("item %s not found", id))
	}
	for k, v := range fields {
		it.Fields[k] = v
	}
	it.UpdatedUTC = f.now().UTC()
	return clone(it), nil
}

func (f *Fake) ListComments(ctx context.Context, container, itemID string) ([]*tracker.Comment, error) {
	if err := f.enter(ctx, "list_comments"); err != nil {
		return nil, err
	}
	return f.Comments(itemID), nil
}

func (f *Fake) AddComment(ctx context.Context, container, itemID, body string) (*tracker.Comment, error) {
	if err := f.enter(ctx, "add_comment"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	c := &tracker.Comment{ID: fmt.Sprintf("%sc%d", f.prefix, f.seq), Body: body, Author: "trackersync", CreatedUTC: f.now().UTC()}
	f.comments[itemID] = append(f.comments[itemID], c)
	return c, nil
}

func clone(it *tracker.Item) *tracker.Item {
	cp := *it
	cp.Fields = copyFields(it.Fields)
	return &cp
}

func copyFields(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
