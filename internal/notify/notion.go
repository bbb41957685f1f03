package notify

import (
	"context"
	"fmt"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/validation-cli/internal/model"
)

// NotionClient is the slice of the Notion API the run board uses.
type NotionClient interface {
	QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
	CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error)
	UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error)
}

// NotionOption configures the Notion client.
type NotionOption func(*notionClient)

// WithRateLimit overrides the default Notion rate limit (3 req/s).
func WithRateLimit(rps float64) NotionOption {
	return func(c *notionClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

type notionClient struct {
	inner   *notionapi.Client
	limiter *rate.Limiter
}

// NewNotionClient creates a Notion client throttled to 3 req/s.
func NewNotionClient(token string, opts ...NotionOption) NotionClient {
	c := &notionClient{
		inner:   notionapi.NewClient(notionapi.Token(token)),
		limiter: rate.NewLimiter(3, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *notionClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *notionClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "notion: rate limit")
	}
	resp, err := c.inner.Database.Query(ctx, notionapi.DatabaseID(dbID), req)
	if err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("notion: query database %s", dbID))
	}
	return resp, nil
}

func (c *notionClient) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "notion: rate limit")
	}
	page, err := c.inner.Page.Create(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "notion: create page")
	}
	return page, nil
}

func (c *notionClient) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "notion: rate limit")
	}
	page, err := c.inner.Page.Update(ctx, notionapi.PageID(pageID), req)
	if err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("notion: update page %s", pageID))
	}
	return page, nil
}

// Board column names.
const (
	propName     = "Name"
	propRunID    = "Run ID"
	propPhase    = "Phase"
	propStatus   = "Status"
	propNextStep = "Next Step"
	propLast     = "Last Event"
)

// Board statuses.
const (
	StatusRunning   = "Running"
	StatusAwaiting  = "Awaiting Approval"
	StatusValidated = "Validated"
	StatusKilled    = "Killed"
)

// NotionBoard keeps one page per run in a Notion database, upserted by run
// id, so a portfolio board shows each hypothesis's phase and status.
type NotionBoard struct {
	client NotionClient
	dbID   string
}

// NewNotionBoard creates a board sink writing to database dbID.
func NewNotionBoard(c NotionClient, dbID string) *NotionBoard {
	return &NotionBoard{client: c, dbID: dbID}
}

// Notify implements Notifier.
func (b *NotionBoard) Notify(ctx context.Context, n Notification) error {
	resp, err := b.client.QueryDatabase(ctx, b.dbID, &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: propRunID,
			RichText: &notionapi.TextFilterCondition{Equals: n.RunID},
		},
		PageSize: 1,
	})
	if err != nil {
		return eris.Wrap(err, "notify: find board page")
	}

	props := boardProperties(n)
	if len(resp.Results) > 0 {
		pageID := string(resp.Results[0].ID)
		if _, err := b.client.UpdatePage(ctx, pageID, &notionapi.PageUpdateRequest{Properties: props}); err != nil {
			return eris.Wrapf(err, "notify: update board page for run %s", n.RunID)
		}
		return nil
	}

	props[propRunID] = richText(n.RunID)
	name := n.detail(DetailProject)
	if name == "" {
		name = n.RunID
	}
	props[propName] = notionapi.TitleProperty{
		Type:  notionapi.PropertyTypeTitle,
		Title: []notionapi.RichText{{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: name}}},
	}
	_, err = b.client.CreatePage(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(b.dbID),
		},
		Properties: props,
	})
	if err != nil {
		return eris.Wrapf(err, "notify: create board page for run %s", n.RunID)
	}
	return nil
}

func boardProperties(n Notification) notionapi.Properties {
	props := notionapi.Properties{
		propStatus: notionapi.StatusProperty{Status: notionapi.Status{Name: boardStatus(n)}},
		propLast:   richText(n.Message),
	}
	if phase := n.detail(DetailPhase); phase != "" {
		props[propPhase] = notionapi.SelectProperty{Type: notionapi.PropertyTypeSelect, Select: notionapi.Option{Name: phase}}
	}
	if next := n.detail(DetailNextStep); next != "" {
		props[propNextStep] = richText(next)
	}
	return props
}

func boardStatus(n Notification) string {
	switch model.Phase(n.detail(DetailPhase)) {
	case model.PhaseValidated:
		return StatusValidated
	case model.PhaseKilled:
		return StatusKilled
	}
	switch n.Kind {
	case KindApprovalRequested, KindApprovalEscalated:
		return StatusAwaiting
	}
	return StatusRunning
}

func richText(s string) notionapi.RichTextProperty {
	return notionapi.RichTextProperty{
		Type:     notionapi.PropertyTypeRichText,
		RichText: []notionapi.RichText{{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}}},
	}
}
