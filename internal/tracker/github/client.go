// Package github is the source-side tracker backed by GitHub issues.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v41/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"trackersync/internal/tracker"
	"trackersync/pkg/util"
)

const priorityLabelPrefix = "priority:"

// Config GitHub 连接配置
type Config struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

type repoRef struct {
	owner string
	name  string
}

// Client implements tracker.Client. The container is the numeric repository ID and
// item IDs are issue numbers.
type Client struct {
	client *github.Client
	logger *zap.Logger

	repos sync.Map // container -> repoRef
}

// NewClient 创建 GitHub 客户端；BaseURL 为空时使用 github.com
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("github token is required")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	client := github.NewClient(oauth2.NewClient(context.Background(), ts))

	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		parsed, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid github api url: %w", err)
		}
		client.BaseURL = parsed
		client.UploadURL = parsed
	}
	return &Client{client: client, logger: logger}, nil
}

func (c *Client) Name() string { return "github" }

func (c *Client) repo(ctx context.Context, container string) (repoRef, error) {
	if v, ok := c.repos.Load(container); ok {
		return v.(repoRef), nil
	}
	id, err := strconv.ParseInt(container, 10, 64)
	if err != nil {
		return repoRef{}, tracker.Permanent("github.repo", fmt.Errorf("invalid repository id %q", container))
	}
	r, resp, err := c.client.Repositories.GetByID(ctx, id)
	if err != nil {
		return repoRef{}, classify("github.repo", resp, err)
	}
	ref := repoRef{owner: r.GetOwner().GetLogin(), name: r.GetName()}
	c.repos.Store(container, ref)
	c.logger.Debug("Resolved github repository", zap.String("container", container),
		zap.String("repo", ref.owner+"/"+ref.name))
	return ref, nil
}

func number(id string) (int, error) {
	n, err := strconv.Atoi(id)
	if err != nil {
		return 0, tracker.Permanent("github.issue", fmt.Errorf("invalid issue number %q", id))
	}
	return n, nil
}

// ListChangedSince 分页拉取 since 之后更新的 issue（跳过 PR）
func (c *Client) ListChangedSince(ctx context.Context, container string, since *time.Time) ([]*tracker.Item, error) {
	ref, err := c.repo(ctx, container)
	if err != nil {
		return nil, err
	}
	opts := &github.IssueListByRepoOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "asc",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	if since != nil {
		opts.Since = *since
	}

	var out []*tracker.Item
	for {
		issues, resp, err := c.client.Issues.ListByRepo(ctx, ref.owner, ref.name, opts)
		if err != nil {
			return nil, classify("github.list_changed", resp, err)
		}
		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			item := issueToItem(issue)
			if since != nil && !item.UpdatedUTC.After(*since) {
				continue
			}
			out = append(out, item)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *Client) GetItem(ctx context.Context, container, id string) (*tracker.Item, error) {
	ref, err := c.repo(ctx, container)
	if err != nil {
		return nil, err
	}
	n, err := number(id)
	if err != nil {
		return nil, err
	}
	issue, resp, err := c.client.Issues.Get(ctx, ref.owner, ref.name, n)
	if err != nil {
		return nil, classify("github.get_item", resp, err)
	}
	return issueToItem(issue), nil
}

func (c *Client) CreateItem(ctx context.Context, container string, fields map[string]string) (*tracker.Item, error) {
	ref, err := c.repo(ctx, container)
	if err != nil {
		return nil, err
	}
	req := issueRequest(fields, nil)
	issue, resp, err := c.client.Issues.Create(ctx, ref.owner, ref.name, req)
	if err != nil {
		return nil, classify("github.create_item", resp, err)
	}
	// 新建 issue 不能直接指定 closed
	if state, ok := githubState(fields["status"]); ok && state == "closed" {
		return c.UpdateItem(ctx, container, strconv.Itoa(issue.GetNumber()), map[string]string{"status": state})
	}
	return issueToItem(issue), nil
}

func (c *Client) UpdateItem(ctx context.Context, container, id string, fields map[string]string) (*tracker.Item, error) {
	ref, err := c.repo(ctx, container)
	if err != nil {
		return nil, err
	}
	n, err := number(id)
	if err != nil {
		return nil, err
	}

	var current []*github.Label
	if _, ok := fields["priority"]; ok {
		existing, resp, err := c.client.Issues.Get(ctx, ref.owner, ref.name, n)
		if err != nil {
			return nil, classify("github.update_item", resp, err)
		}
		current = existing.Labels
	}

	issue, resp, err := c.client.Issues.Edit(ctx, ref.owner, ref.name, n, issueRequest(fields, current))
	if err != nil {
		return nil, classify("github.update_item", resp, err)
	}
	return issueToItem(issue), nil
}

func (c *Client) ListComments(ctx context.Context, container, itemID string) ([]*tracker.Comment, error) {
	ref, err := c.repo(ctx, container)
	if err != nil {
		return nil, err
	}
	n, err := number(itemID)
	if err != nil {
		return nil, err
	}
	opts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var out []*tracker.Comment
	for {
		comments, resp, err := c.client.Issues.ListComments(ctx, ref.owner, ref.name, n, opts)
		if err != nil {
			return nil, classify("github.list_comments", resp, err)
		}
		for _, cm := range comments {
			out = append(out, commentFromGitHub(cm))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *Client) AddComment(ctx context.Context, container, itemID, body string) (*tracker.Comment, error) {
	ref, err := c.repo(ctx, container)
	if err != nil {
		return nil, err
	}
	n, err := number(itemID)
	if err != nil {
		return nil, err
	}
	cm, resp, err := c.client.Issues.CreateComment(ctx, ref.owner, ref.name, n, &github.IssueComment{Body: &body})
	if err != nil {
		return nil, classify("github.add_comment", resp, err)
	}
	return commentFromGitHub(cm), nil
}

func issueToItem(issue *github.Issue) *tracker.Item {
	fields := map[string]string{
		"title":       issue.GetTitle(),
		"description": issue.GetBody(),
		"status":      issue.GetState(),
		"priority":    priorityFromLabels(issue.Labels),
		"assignee":    issue.GetAssignee().GetLogin(),
	}
	return &tracker.Item{
		ID:         strconv.Itoa(issue.GetNumber()),
		Fields:     fields,
		UpdatedUTC: issue.GetUpdatedAt().UTC(),
		URL:        issue.GetHTMLURL(),
	}
}

func commentFromGitHub(cm *github.IssueComment) *tracker.Comment {
	return &tracker.Comment{
		ID:         strconv.FormatInt(cm.GetID(), 10),
		Body:       cm.GetBody(),
		Author:     cm.GetUser().GetLogin(),
		CreatedUTC: cm.GetCreatedAt().UTC(),
	}
}

// priorityFromLabels 优先级用 "priority:<value>" 标签表示
func priorityFromLabels(labels []*github.Label) string {
	for _, l := range labels {
		if name := l.GetName(); strings.HasPrefix(name, priorityLabelPrefix) {
			return strings.TrimPrefix(name, priorityLabelPrefix)
		}
	}
	return ""
}

// labelsWithPriority replaces any priority label, keeping the others.
func labelsWithPriority(current []*github.Label, priority string) []string {
	out := []string{}
	for _, l := range current {
		if name := l.GetName(); !strings.HasPrefix(name, priorityLabelPrefix) {
			out = append(out, name)
		}
	}
	if priority != "" {
		out = append(out, priorityLabelPrefix+priority)
	}
	return out
}

// githubState 只有 open / closed 两种状态，其他值归并
func githubState(status string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "":
		return "", false
	case "closed", "done", "resolved", "removed":
		return "closed", true
	}
	return "open", true
}

func issueRequest(fields map[string]string, currentLabels []*github.Label) *github.IssueRequest {
	req := &github.IssueRequest{}
	if v, ok := fields["title"]; ok {
		req.Title = github.String(v)
	}
	if v, ok := fields["description"]; ok {
		req.Body = github.String(v)
	}
	if v, ok := fields["status"]; ok {
		if state, ok := githubState(v); ok {
			req.State = github.String(state)
		}
	}
	if v, ok := fields["priority"]; ok {
		labels := labelsWithPriority(currentLabels, v)
		req.Labels = &labels
	}
	if v, ok := fields["assignee"]; ok {
		assignees := []string{}
		if v != "" {
			assignees = append(assignees, v)
		}
		req.Assignees = &assignees
	}
	return req
}

func classify(op string, resp *github.Response, err error) error {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return tracker.Transient(op, err)
	}
	if resp != nil && resp.StatusCode >= 400 {
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
