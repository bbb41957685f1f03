package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/validation-cli/internal/config"
)

type mockNotion struct {
	mock.Mock
}

func (m *mockNotion) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	args := m.Called(ctx, dbID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.DatabaseQueryResponse), args.Error(1)
}

func (m *mockNotion) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func (m *mockNotion) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, pageID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

type recorder struct {
	got []Notification
	err error
}

func (r *recorder) Notify(_ context.Context, n Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func requested() Notification {
	return Notification{
		RunID:      "run-1",
		Kind:       KindApprovalRequested,
		ApprovalID: "apr-1",
		Message:    "strategic pivot needs a decision",
		Details: map[string]any{
			DetailProject:  "standup-bot",
			DetailPhase:    "viability",
			DetailNextStep: "approval.wait",
		},
		Timestamp: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestWebhook_Notify(t *testing.T) {
	t.Parallel()

	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, "#validation", time.Second)
	require.NoError(t, w.Notify(context.Background(), requested()))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, KindApprovalRequested, got.Kind)
	assert.Equal(t, "#validation", got.Recipient)
	assert.Equal(t, "viability", got.Details[DetailPhase])
}

func TestWebhook_KeepsRecipient(t *testing.T) {
	t.Parallel()

	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	n := requested()
	n.Recipient = "cfo"
	require.NoError(t, NewWebhook(srv.URL, "#validation", 0).Notify(context.Background(), n))
	assert.Equal(t, "cfo", got.Recipient)
}

func TestWebhook_ErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, "", time.Second).Notify(context.Background(), requested())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestMulti_AttemptsEverySink(t *testing.T) {
	t.Parallel()

	failing := &recorder{err: errors.New("down")}
	ok := &recorder{}
	err := Multi{failing, ok}.Notify(context.Background(), requested())
	require.Error(t, err)
	assert.Len(t, failing.got, 1)
	assert.Len(t, ok.got, 1)

	require.NoError(t, Multi{ok}.Notify(context.Background(), requested()))
}

func TestDeliver_SwallowsErrors(t *testing.T) {
	t.Parallel()

	r := &recorder{err: errors.New("down")}
	n := requested()
	n.Timestamp = time.Time{}
	Deliver(context.Background(), r, n)
	require.Len(t, r.got, 1)
	assert.False(t, r.got[0].Timestamp.IsZero())

	Deliver(context.Background(), nil, n)
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	assert.IsType(t, Nop{}, FromConfig(config.NotifyConfig{}))
	assert.IsType(t, &Webhook{}, FromConfig(config.NotifyConfig{WebhookURL: "http://localhost/hook"}))
	assert.IsType(t, &NotionBoard{}, FromConfig(config.NotifyConfig{NotionToken: "secret", NotionBoardDB: "db-1"}))

	m, ok := FromConfig(config.NotifyConfig{WebhookURL: "http://localhost/hook", NotionToken: "secret", NotionBoardDB: "db-1"}).(Multi)
	require.True(t, ok)
	assert.Len(t, m, 2)
}

func TestNotionBoard_CreatesPage(t *testing.T) {
	t.Parallel()
	mc := new(mockNotion)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-1", mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		pf, ok := req.Filter.(notionapi.PropertyFilter)
		return ok && pf.Property == "Run ID" && pf.RichText != nil && pf.RichText.Equals == "run-1"
	})).Return(&notionapi.DatabaseQueryResponse{}, nil).Once()

	mc.On("CreatePage", ctx, mock.MatchedBy(func(req *notionapi.PageCreateRequest) bool {
		title, ok := req.Properties["Name"].(notionapi.TitleProperty)
		if !ok || len(title.Title) != 1 || title.Title[0].Text.Content != "standup-bot" {
			return false
		}
		status, ok := req.Properties["Status"].(notionapi.StatusProperty)
		if !ok || status.Status.Name != StatusAwaiting {
			return false
		}
		phase, ok := req.Properties["Phase"].(notionapi.SelectProperty)
		return ok && phase.Select.Name == "viability" && req.Parent.DatabaseID == notionapi.DatabaseID("db-1")
	})).Return(&notionapi.Page{ID: "page-1"}, nil).Once()

	require.NoError(t, NewNotionBoard(mc, "db-1").Notify(ctx, requested()))
	mc.AssertExpectations(t)
}

func TestNotionBoard_UpdatesExistingPage(t *testing.T) {
	t.Parallel()
	mc := new(mockNotion)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-1", mock.Anything).
		Return(&notionapi.DatabaseQueryResponse{Results: []notionapi.Page{{ID: "page-1"}}}, nil).Once()
	mc.On("UpdatePage", ctx, "page-1", mock.MatchedBy(func(req *notionapi.PageUpdateRequest) bool {
		status, ok := req.Properties["Status"].(notionapi.StatusProperty)
		_, hasTitle := req.Properties["Name"]
		return ok && status.Status.Name == StatusKilled && !hasTitle
	})).Return(&notionapi.Page{ID: "page-1"}, nil).Once()

	n := requested()
	n.Kind = KindRunFinished
	n.Details[DetailPhase] = "killed"
	require.NoError(t, NewNotionBoard(mc, "db-1").Notify(ctx, n))
	mc.AssertExpectations(t)
}

func TestNotionBoard_QueryError(t *testing.T) {
	t.Parallel()
	mc := new(mockNotion)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-1", mock.Anything).Return(nil, assert.AnError).Once()

	err := NewNotionBoard(mc, "db-1").Notify(ctx, requested())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "find board page")
	mc.AssertNotCalled(t, "CreatePage", mock.Anything, mock.Anything)
}

func TestBoardStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind  Kind
		phase string
		want  string
	}{
		{KindApprovalRequested, "desirability", StatusAwaiting},
		{KindApprovalEscalated, "feasibility", StatusAwaiting},
		{KindApprovalResolved, "feasibility", StatusRunning},
		{KindRunUpdated, "viability", StatusRunning},
		{KindRunFinished, "validated", StatusValidated},
		{KindRunFinished, "killed", StatusKilled},
	}
	for _, tt := range tests {
		n := Notification{Kind: tt.kind, Details: map[string]any{DetailPhase: tt.phase}}
		assert.Equal(t, tt.want, boardStatus(n), "%s/%s", tt.kind, tt.phase)
	}
}

func TestNotionClient_RateLimitOption(t *testing.T) {
	t.Parallel()

	c := NewNotionClient("secret", WithRateLimit(0)).(*notionClient)
	assert.Nil(t, c.limiter)
	assert.NoError(t, c.wait(context.Background()))

	c = NewNotionClient("secret", WithRateLimit(10)).(*notionClient)
	require.NotNil(t, c.limiter)
	assert.Equal(t, 10, c.limiter.Burst())
	assert.NoError(t, c.wait(context.Background()))
}
