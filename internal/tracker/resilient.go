package tracker

import (
	"context"
	"errors"
	"time"

	"trackersync/pkg/circuitbreaker"
	"trackersync/pkg/metrics"
	"trackersync/pkg/resilience"
)

// Resilient wraps a Client so every call runs under the resilience policy.
type Resilient struct {
	next   Client
	policy *resilience.Policy
}

// NewResilient 用策略包装远程客户端
func NewResilient(next Client, policy *resilience.Policy) *Resilient {
	return &Resilient{next: next, policy: policy}
}

func (r *Resilient) Name() string { return r.next.Name() }

func (r *Resilient) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := r.policy.Do(ctx, op, fn)
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		err = Transient(r.next.Name()+"."+op, err)
	}
	metrics.RecordTrackerCall(r.next.Name(), op, statusLabel(err), time.Since(start))
	return err
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return KindOf(err).String()
}

func (r *Resilient) ListChangedSince(ctx context.Context, container string, since *time.Time) ([]*Item, error) {
	var out []*Item
	err := r.do(ctx, "list_changed", func(ctx context.Context) error {
		var err error
		out, err = r.next.ListChangedSince(ctx, container, since)
		return err
	})
	return out, err
}

func (r *Resilient) GetItem(ctx context.Context, container, id string) (*Item, error) {
	var out *Item
	err := r.do(ctx, "get_item", func(ctx context.Context) error {
		var err error
		out, err = r.next.GetItem(ctx, container, id)
		return err
	})
	return out, err
}

func (r *Resilient) CreateItem(ctx context.Context, container string, fields map[string]string) (*Item, error) {
	var out *Item
	err := r.do(ctx, "create_item", func(ctx context.Context) error {
		var err error
		out, err = r.next.CreateItem(ctx, container, fields)
		return err
	})
	return out, err
}

func (r *Resilient) UpdateItem(ctx context.Context, container, id string, fields map[string]string) (*Item, error) {
	var out *Item
	err := r.do(ctx, "update_item", func(ctx context.Context) error {
		var err error
		out, err = r.next.UpdateItem(ctx, container, id, fields)
		return err
	})
	return out, err
}

func (r *Resilient) ListComments(ctx context.Context, container, itemID string) ([]*Comment, error) {
	var out []*Comment
	err := r.do(ctx, "list_comments", func(ctx context.Context) error {
		var err error
		out, err = r.next.ListComments(ctx, container, itemID)
		return err
	})
	return out, err
}

func (r *Resilient) AddComment(ctx context.Context, container, itemID, body string) (*Comment, error) {
	var out *Comment
	err := r.do(ctx, "add_comment", func(ctx context.Context) error {
		var err error
		out, err = r.next.AddComment(ctx, container, itemID, body)
		return err
	})
	return out, err
}
