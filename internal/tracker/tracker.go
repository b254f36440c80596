// Package tracker defines the contract the sync engine uses to talk to a remote issue tracker.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind 远程失败的分类，决定重试策略
type Kind int

const (
	KindTransient Kind = iota // 网络、超时、5xx、429、熔断
	KindPermanent             // 4xx、数据不合法
	KindNotFound              // 远程记录不存在
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindNotFound:
		return "not_found"
	}
	return "unknown"
}

// Error 远程调用错误
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(op string, err error) error { return &Error{Kind: KindTransient, Op: op, Err: err} }
func Permanent(op string, err error) error { return &Error{Kind: KindPermanent, Op: op, Err: err} }
func NotFound(op string, err error) error  { return &Error{Kind: KindNotFound, Op: op, Err: err} }

// KindOf 未分类的错误按 Permanent 处理
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindPermanent
}

func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }
func IsNotFound(err error) bool  { return err != nil && KindOf(err) == KindNotFound }

// Item 远程工作项快照，Fields 使用该系统自己的字段名
type Item struct {
	ID         string            `json:"id"`
	Fields     map[string]string `json:"fields"`
	UpdatedUTC time.Time         `json:"updated_utc"`
	URL        string            `json:"url,omitempty"`
}

// Raw 序列化为快照，保存在本地工作项和冲突记录中
func (i *Item) Raw() json.RawMessage {
	if i == nil {
		return nil
	}
	b, _ := json.Marshal(i)
	return b
}

// ItemFromRaw 反序列化快照；空快照返回 nil
func ItemFromRaw(raw json.RawMessage) (*Item, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// Comment 远程评论
type Comment struct {
	ID         string    `json:"id"`
	Body       string    `json:"body"`
	Author     string    `json:"author"`
	CreatedUTC time.Time `json:"created_utc"`
}

// Client is one remote tracker. container identifies the project/repository on that side.
type Client interface {
	Name() string
	ListChangedSince(ctx context.Context, container string, since *time.Time) ([]*Item, error)
	GetItem(ctx context.Context, container, id string) (*Item, error)
	CreateItem(ctx context.Context, container string, fields map[string]string) (*Item, error)
	UpdateItem(ctx context.Context, container, id string, fields map[string]string) (*Item, error)
	ListComments(ctx context.Context, container, itemID string) ([]*Comment, error)
	AddComment(ctx context.Context, container, itemID, body string) (*Comment, error)
}
