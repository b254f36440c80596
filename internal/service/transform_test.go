package service

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackersync/internal/model"
	"trackersync/internal/tracker"
)

func TestApplyTransform(t *testing.T) {
	tests := []struct {
		name    string
		rule    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "empty rule passes through", rule: "", in: " Open ", want: " Open "},
		{name: "trim and lower", rule: "trim|lower", in: "  In Progress ", want: "in progress"},
		{name: "upper", rule: "upper", in: "high", want: "HIGH"},
		{name: "map", rule: "lower|map:open=To Do,closed=Done", in: "Closed", want: "Done"},
		{name: "map keeps empty value", rule: "map:open=To Do", in: "", want: ""},
		{name: "unmapped value", rule: "map:open=To Do", in: "blocked", wantErr: true},
		{name: "required", rule: "trim|required", in: "   ", wantErr: true},
		{name: "maxlen ok", rule: "maxlen:5", in: "short", want: "short"},
		{name: "maxlen counts runes", rule: "maxlen:2", in: "日本", want: "日本"},
		{name: "maxlen exceeded", rule: "maxlen:3", in: "toolong", wantErr: true},
		{name: "unknown step", rule: "reverse", in: "x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ApplyTransform(tt.rule, tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, model.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReverseTransformInvertsMapSteps(t *testing.T) {
	assert.Equal(t, "closed", ReverseTransform("lower|map:open=To Do,closed=Done", "Done"))
	assert.Equal(t, "Unknown", ReverseTransform("map:open=To Do", "Unknown"))
	// 多个 key 映射到同一个值时取字典序最小的 key
	assert.Equal(t, "fixed", ReverseTransform("map:resolved=Done,fixed=Done", "Done"))
	assert.Equal(t, "As Is", ReverseTransform("trim|lower", "As Is"))
}

func TestValidateRule(t *testing.T) {
	assert.NoError(t, ValidateRule(""))
	assert.NoError(t, ValidateRule("trim|required|maxlen:255"))
	assert.NoError(t, ValidateRule("map:1=Low,2=Normal,3=High"))
	assert.ErrorIs(t, ValidateRule("maxlen:abc"), model.ErrValidation)
	assert.ErrorIs(t, ValidateRule("map:=x"), model.ErrValidation)
	assert.ErrorIs(t, ValidateRule("shout"), model.ErrValidation)
}

func testMappings(projectID uuid.UUID) []*model.FieldMapping {
	return []*model.FieldMapping{
		{ProjectID: projectID, SourceField: "title", TargetField: "System.Title", TransformRule: "trim|required", IsActive: true},
		{ProjectID: projectID, SourceField: "status", TargetField: "System.State", TransformRule: "map:open=To Do,closed=Done", IsActive: true},
		{ProjectID: projectID, SourceField: "priority", TargetField: "Priority", IsActive: false},
	}
}

func TestTargetPayloadAndBack(t *testing.T) {
	mappings := testMappings(uuid.New())
	fields := model.Fields{Title: " Login fails ", Status: "closed", Priority: "high"}

	payload, err := TargetPayload(fields, mappings)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"System.Title": "Login fails", "System.State": "Done"}, payload)

	back := TargetFields(&tracker.Item{ID: "T-1", Fields: payload}, mappings, fields)
	assert.Equal(t, "Login fails", back.Title)
	assert.Equal(t, "closed", back.Status)
	assert.Equal(t, "high", back.Priority, "inactive mappings keep the local value")
}

func TestTargetPayloadReportsField(t *testing.T) {
	_, err := TargetPayload(model.Fields{Title: "x", Status: "blocked"}, testMappings(uuid.New()))
	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "status", fe.Field)
	assert.ErrorIs(t, err, model.ErrValidation)
}
