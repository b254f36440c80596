// Package jira is the target-side tracker backed by Jira issues.
package jira

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jira "github.com/andygrunwald/go-jira"
	"go.uber.org/zap"

	"trackersync/internal/tracker"
	"trackersync/pkg/util"
)

// jqlMargin JQL 只有分钟精度且使用服务端时区，查询时放宽窗口，再在本地精确过滤
const jqlMargin = 24 * time.Hour

var searchFields = []string{"summary", "description", "status", "priority", "assignee", "updated"}

// Config Jira 连接配置
type Config struct {
	BaseURL   string `yaml:"base_url"`
	Username  string `yaml:"username"`
	Token     string `yaml:"token"`
	IssueType string `yaml:"issue_type"`
}

// Client implements tracker.Client. The container is the Jira project key and item IDs
// are issue keys.
type Client struct {
	client    *jira.Client
	issueType string
	logger    *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("jira base url is required")
	}
	tp := jira.BasicAuthTransport{
		Username: cfg.Username,
		Password: cfg.Token,
	}
	client, err := jira.NewClient(tp.Client(), cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create jira client: %w", err)
	}
	issueType := cfg.IssueType
	if issueType == "" {
		issueType = "Task"
	}
	return &Client{client: client, issueType: issueType, logger: logger}, nil
}

func (c *Client) Name() string { return "jira" }

func sinceJQL(projectKey string, since *time.Time) string {
	jql := fmt.Sprintf(`project = "%s"`, strings.ReplaceAll(projectKey, `"`, `\"`))
	if since != nil {
		jql += fmt.Sprintf(` AND updated >= "%s"`, since.Add(-jqlMargin).UTC().Format("2006/01/02 15:04"))
	}
	return jql + " ORDER BY updated ASC"
}

func (c *Client) ListChangedSince(ctx context.Context, container string, since *time.Time) ([]*tracker.Item, error) {
	jql := sinceJQL(container, since)
	opts := &jira.SearchOptions{MaxResults: 100, Fields: searchFields}

	var out []*tracker.Item
	for {
		issues, resp, err := c.client.Issue.SearchWithContext(ctx, jql, opts)
		if err != nil {
			return nil, classify("jira.list_changed", resp, err)
		}
		for i := range issues {
			item := issueToItem(&issues[i])
			if since != nil && !item.UpdatedUTC.After(*since) {
				continue
			}
			out = append(out, item)
		}
		opts.StartAt += len(issues)
		if len(issues) == 0 || resp == nil || opts.StartAt >= resp.Total {
			break
		}
	}
	return out, nil
}

func (c *Client) GetItem(ctx context.Context, container, id string) (*tracker.Item, error) {
	issue, resp, err := c.client.Issue.GetWithContext(ctx, id, nil)
	if err != nil {
		return nil, classify("jira.get_item", resp, err)
	}
	return issueToItem(issue), nil
}

func (c *Client) CreateItem(ctx context.Context, container string, fields map[string]string) (*tracker.Item, error) {
	issue := &jira.Issue{Fields: &jira.IssueFields{
		Project:     jira.Project{Key: container},
		Type:        jira.IssueType{Name: c.issueType},
		Summary:     fields["title"],
		Description: fields["description"],
	}}
	if v := fields["priority"]; v != "" {
		issue.Fields.Priority = &jira.Priority{Name: v}
	}
	if v := fields["assignee"]; v != "" {
		issue.Fields.Assignee = &jira.User{Name: v}
	}

	created, resp, err := c.client.Issue.CreateWithContext(ctx, issue)
	if err != nil {
		return nil, classify("jira.create_item", resp, err)
	}
	if status := fields["status"]; status != "" {
		if err := c.transition(ctx, created.Key, status); err != nil {
			return nil, err
		}
	}
	return c.GetItem(ctx, container, created.Key)
}

func (c *Client) UpdateItem(ctx context.Context, container, id string, fields map[string]string) (*tracker.Item, error) {
	update := map[string]interface{}{}
	if v, ok := fields["title"]; ok {
		update["summary"] = v
	}
	if v, ok := fields["description"]; ok {
		update["description"] = v
	}
	if v, ok := fields["priority"]; ok && v != "" {
		update["priority"] = map[string]string{"name": v}
	}
	if v, ok := fields["assignee"]; ok {
		if v == "" {
			update["assignee"] = nil
		} else {
			update["assignee"] = map[string]string{"name": v}
		}
	}
	if len(update) > 0 {
		resp, err := c.client.Issue.UpdateIssueWithContext(ctx, id, map[string]interface{}{"fields": update})
		if err != nil {
			return nil, classify("jira.update_item", resp, err)
		}
	}
	if status, ok := fields["status"]; ok && status != "" {
		if err := c.transition(ctx, id, status); err != nil {
			return nil, err
		}
	}
	return c.GetItem(ctx, container, id)
}

// transition Jira 的状态只能通过工作流流转修改
func (c *Client) transition(ctx context.Context, key, status string) error {
	transitions, resp, err := c.client.Issue.GetTransitionsWithContext(ctx, key)
	if err != nil {
		return classify("jira.transition", resp, err)
	}
	for _, t := range transitions {
		if strings.EqualFold(t.To.Name, status) || strings.EqualFold(t.Name, status) {
			resp, err := c.client.Issue.DoTransitionWithContext(ctx, key, t.ID)
			if err != nil {
				return classify("jira.transition", resp, err)
			}
			return nil
		}
	}
	// 已经处于该状态时没有对应的流转
	current, resp, err := c.client.Issue.GetWithContext(ctx, key, &jira.GetQueryOptions{Fields: "status"})
	if err != nil {
		return classify("jira.transition", resp, err)
	}
	if current.Fields != nil && current.Fields.Status != nil && strings.EqualFold(current.Fields.Status.Name, status) {
		return nil
	}
	return tracker.Permanent("jira.transition", fmt.Errorf("no transition to status %q for %s", status, key))
}

func (c *Client) ListComments(ctx context.Context, container, itemID string) ([]*tracker.Comment, error) {
	issue, resp, err := c.client.Issue.GetWithContext(ctx, itemID, &jira.GetQueryOptions{Fields: "comment"})
	if err != nil {
		return nil, classify("jira.list_comments", resp, err)
	}
	var out []*tracker.Comment
	if issue.Fields != nil && issue.Fields.Comments != nil {
		for _, cm := range issue.Fields.Comments.Comments {
			out = append(out, commentFromJira(cm))
		}
	}
	return out, nil
}

func (c *Client) AddComment(ctx context.Context, container, itemID, body string) (*tracker.Comment, error) {
	cm, resp, err := c.client.Issue.AddCommentWithContext(ctx, itemID, &jira.Comment{Body: body})
	if err != nil {
		return nil, classify("jira.add_comment", resp, err)
	}
	return commentFromJira(cm), nil
}

func issueToItem(issue *jira.Issue) *tracker.Item {
	item := &tracker.Item{ID: issue.Key, Fields: map[string]string{}}
	f := issue.Fields
	if f == nil {
		return item
	}
	item.Fields["title"] = f.Summary
	item.Fields["description"] = f.Description
	item.Fields["status"] = ""
	if f.Status != nil {
		item.Fields["status"] = f.Status.Name
	}
	item.Fields["priority"] = ""
	if f.Priority != nil {
		item.Fields["priority"] = f.Priority.Name
	}
	item.Fields["assignee"] = ""
	if f.Assignee != nil {
		item.Fields["assignee"] = f.Assignee.Name
	}
	item.UpdatedUTC = time.Time(f.Updated).UTC()
	return item
}

func commentFromJira(cm *jira.Comment) *tracker.Comment {
	out := &tracker.Comment{ID: cm.ID, Body: cm.Body, Author: cm.Author.Name}
	if t, err := time.Parse("2006-01-02T15:04:05.000-0700", cm.Created); err == nil {
		out.CreatedUTC = t.UTC()
	}
	return out
}

func classify(op string, resp *jira.Response, err error) error {
	if resp != nil && resp.Response != nil && resp.StatusCode >= 400 {
		retryable, kind := util.ClassifyHTTPStatus(resp.StatusCode)
		switch {
		case kind == "not_found":
			return tracker.NotFound(op, err)
		case retryable:
			return tracker.Transient(op, err)
		}
		return tracker.Permanent(op, err)
	}
	if retryable, _ := util.IsRetryableError(err); retryable {
		return tracker.Transient(op, err)
	}
	return tracker.Permanent(op, err)
}
