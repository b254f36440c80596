package github

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-github/v41/github"
	"github.com/stretchr/testify/assert"

	"trackersync/internal/tracker"
)

func TestIssueToItem(t *testing.T) {
	updated := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	issue := &github.Issue{
		Number:    github.Int(17),
		Title:     github.String("Crash on save"),
		Body:      github.String("stack trace"),
		State:     github.String("open"),
		UpdatedAt: &updated,
		Assignee:  &github.User{Login: github.String("octocat")},
		Labels: []*github.Label{
			{Name: github.String("bug")},
			{Name: github.String("priority:high")},
		},
	}

	item := issueToItem(issue)
	assert.Equal(t, "17", item.ID)
	assert.Equal(t, updated, item.UpdatedUTC)
	assert.Equal(t, map[string]string{
		"title":       "Crash on save",
		"description": "stack trace",
		"status":      "open",
		"priority":    "high",
		"assignee":    "octocat",
	}, item.Fields)
}

func TestIssueRequestKeepsOtherLabels(t *testing.T) {
	current := []*github.Label{{Name: github.String("bug")}, {Name: github.String("priority:low")}}
	req := issueRequest(map[string]string{"priority": "high", "status": "Done", "assignee": ""}, current)

	assert.Equal(t, []string{"bug", "priority:high"}, *req.Labels)
	assert.Equal(t, "closed", req.GetState())
	assert.Empty(t, *req.Assignees)
	assert.Nil(t, req.Title)
}

func TestClassify(t *testing.T) {
	err := errors.New("boom")
	resp := func(code int) *github.Response {
		return &github.Response{Response: &http.Response{StatusCode: code}}
	}

	assert.True(t, tracker.IsNotFound(classify("op", resp(http.StatusNotFound), err)))
	assert.True(t, tracker.IsTransient(classify("op", resp(http.StatusBadGateway), err)))
	assert.Equal(t, tracker.KindPermanent, tracker.KindOf(classify("op", resp(http.StatusUnprocessableEntity), err)))
	assert.True(t, tracker.IsTransient(classify("op", nil, &github.RateLimitError{Message: "slow down"})))
}
