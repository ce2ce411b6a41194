// Copyright (c) 2025 HDOps, Inc. All rights reserved.

// Package source reads entities from a Freshdesk instance. Enumeration
// is resumable by entity ID: callers pass the last fully-committed ID
// and the reader skips everything at or below it, because a server page
// cursor from a previous run may no longer be valid.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hdops/ticket-migration-tool/internal/config"
	"github.com/hdops/ticket-migration-tool/internal/entity"
	"github.com/hdops/ticket-migration-tool/internal/remote"
)

// Reader is the source-side collaborator interface consumed by the
// orchestrator.
type Reader interface {
	Instance() string
	CheckConnection(ctx context.Context) error
	CountTickets(ctx context.Context) (int, error)
	ListUsers(ctx context.Context, afterID int64, limit int) ([]entity.User, error)
	ListTickets(ctx context.Context, afterID int64, limit int) ([]entity.Ticket, error)
	GetTicket(ctx context.Context, id int64) (*entity.Ticket, error)
	Conversations(ctx context.Context, ticketID int64) ([]entity.Comment, error)
	DownloadAttachment(ctx context.Context, attachmentURL string) ([]byte, error)
}

// Freshdesk is the HTTP implementation of Reader against one instance.
type Freshdesk struct {
	name     string
	baseURL  string
	apiKey   string
	pageSize int
	client   *http.Client
	logger   *zap.Logger

	// Cached user roster; contacts and agents are bounded sets, so one
	// full fetch gives us globally stable ascending-ID enumeration.
	users []entity.User
}

// NewFreshdesk builds a reader for one configured instance. The domain
// may carry an explicit scheme; https is assumed otherwise.
func NewFreshdesk(inst config.InstanceConfig, timeout time.Duration, logger *zap.Logger) *Freshdesk {
	base := inst.Domain
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return &Freshdesk{
		name:     inst.Name,
		baseURL:  strings.TrimSuffix(base, "/") + "/api/v2",
		apiKey:   inst.APIKey,
		pageSize: inst.PageSize,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

func (f *Freshdesk) Instance() string { return f.name }

// CheckConnection verifies credentials before any work starts.
func (f *Freshdesk) CheckConnection(ctx context.Context) error {
	var out []json.RawMessage
	params := url.Values{"per_page": {"1"}}
	return f.getJSON(ctx, "/tickets", params, &out)
}

// CountTickets returns the total ticket count for progress estimation.
// Freshdesk has no count endpoint, so this walks full-size pages and
// counts IDs until a short page marks the end.
func (f *Freshdesk) CountTickets(ctx context.Context) (int, error) {
	total := 0
	for page := 1; ; page++ {
		raw, err := f.ticketPage(ctx, page, 100)
		if err != nil {
			return 0, err
		}
		total += len(raw)
		if len(raw) < 100 {
			return total, nil
		}
	}
}

// ListUsers returns up to limit users with IDs strictly above afterID,
// in ascending ID order. Contacts and agents are fetched once and cached
// for the lifetime of the reader.
func (f *Freshdesk) ListUsers(ctx context.Context, afterID int64, limit int) ([]entity.User, error) {
	if f.users == nil {
		if err := f.loadUsers(ctx); err != nil {
			return nil, err
		}
	}
	var out []entity.User
	for _, u := range f.users {
		if u.ID <= afterID {
			continue
		}
		out = append(out, u)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *Freshdesk) loadUsers(ctx context.Context) error {
	users := []entity.User{}
	for _, endpoint := range []string{"/contacts", "/agents"} {
		for page := 1; ; page++ {
			params := url.Values{
				"page":     {strconv.Itoa(page)},
				"per_page": {strconv.Itoa(f.pageSize)},
			}
			var raw []fdUser
			if err := f.getJSON(ctx, endpoint, params, &raw); err != nil {
				return err
			}
			for _, u := range raw {
				users = append(users, u.toEntity())
			}
			if len(raw) < f.pageSize {
				break
			}
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	f.users = users
	f.logger.Info("Loaded source user roster",
		zap.String("instance", f.name),
		zap.Int("users", len(users)))
	return nil
}

// ListTickets returns up to limit tickets with IDs strictly above
// afterID, ascending. Pages are walked in creation order (Freshdesk
// ticket IDs ascend with creation time) and everything at or below the
// resume point is skipped.
func (f *Freshdesk) ListTickets(ctx context.Context, afterID int64, limit int) ([]entity.Ticket, error) {
	var out []entity.Ticket
	for page := 1; ; page++ {
		raw, err := f.ticketPage(ctx, page, f.pageSize)
		if err != nil {
			return nil, err
		}
		for _, t := range raw {
			if t.ID <= afterID {
				continue
			}
			out = append(out, t.toEntity())
			if len(out) == limit {
				return out, nil
			}
		}
		if len(raw) < f.pageSize {
			return out, nil
		}
	}
}

func (f *Freshdesk) ticketPage(ctx context.Context, page, perPage int) ([]fdTicket, error) {
	params := url.Values{
		"page":       {strconv.Itoa(page)},
		"per_page":   {strconv.Itoa(perPage)},
		"order_by":   {"created_at"},
		"order_type": {"asc"},
	}
	var raw []fdTicket
	if err := f.getJSON(ctx, "/tickets", params, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// GetTicket fetches full ticket detail including attachments.
func (f *Freshdesk) GetTicket(ctx context.Context, id int64) (*entity.Ticket, error) {
	var raw fdTicket
	if err := f.getJSON(ctx, fmt.Sprintf("/tickets/%d", id), nil, &raw); err != nil {
		return nil, err
	}
	t := raw.toEntity()
	return &t, nil
}

// Conversations returns a ticket's conversation entries in creation
// order, each with its own attachments.
func (f *Freshdesk) Conversations(ctx context.Context, ticketID int64) ([]entity.Comment, error) {
	var all []entity.Comment
	for page := 1; ; page++ {
		params := url.Values{
			"page":     {strconv.Itoa(page)},
			"per_page": {strconv.Itoa(f.pageSize)},
		}
		var raw []fdConversation
		if err := f.getJSON(ctx, fmt.Sprintf("/tickets/%d/conversations", ticketID), params, &raw); err != nil {
			return nil, err
		}
		for _, c := range raw {
			all = append(all, c.toEntity(ticketID))
		}
		if len(raw) < f.pageSize {
			break
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}

// DownloadAttachment fetches attachment content from its signed URL.
func (f *Freshdesk) DownloadAttachment(ctx context.Context, attachmentURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, attachmentURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &remote.APIError{Op: "GET attachment", StatusCode: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

// getJSON performs an authenticated GET and decodes the response body.
// Non-2xx responses become APIError so the retry controller can classify
// them.
func (f *Freshdesk) getJSON(ctx context.Context, path string, params url.Values, dest any) error {
	u := f.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	// Freshdesk uses the API key as basic auth username.
	req.SetBasicAuth(f.apiKey, "X")
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &remote.APIError{
			Op:         "GET " + path,
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter(resp),
			Body:       truncate(string(body), 200),
		}
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("parsing response from %s: %w", path, err)
	}
	return nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Wire types. Freshdesk encodes priority and status as small integers;
// they are decoded to canonical names here so the mapper's value tables
// stay human-readable.

type fdUser struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Active bool   `json:"active"`
}

func (u fdUser) toEntity() entity.User {
	return entity.User{ID: u.ID, Name: u.Name, Email: u.Email, Active: u.Active}
}

type fdAttachment struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	ContentType   string    `json:"content_type"`
	Size          int64     `json:"size"`
	AttachmentURL string    `json:"attachment_url"`
	CreatedAt     time.Time `json:"created_at"`
}

func (a fdAttachment) toEntity(ticketID int64) entity.Attachment {
	return entity.Attachment{
		ID:          a.ID,
		TicketID:    ticketID,
		Name:        a.Name,
		ContentType: a.ContentType,
		Size:        a.Size,
		URL:         a.AttachmentURL,
		CreatedAt:   a.CreatedAt,
	}
}

type fdTicket struct {
	ID           int64          `json:"id"`
	Subject      string         `json:"subject"`
	Description  string         `json:"description"`
	Status       int            `json:"status"`
	Priority     int            `json:"priority"`
	Type         string         `json:"type"`
	Tags         []string       `json:"tags"`
	RequesterID  int64          `json:"requester_id"`
	ResponderID  int64          `json:"responder_id"`
	CustomFields map[string]any `json:"custom_fields"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Attachments  []fdAttachment `json:"attachments"`
}

func (t fdTicket) toEntity() entity.Ticket {
	out := entity.Ticket{
		ID:           t.ID,
		Subject:      t.Subject,
		Description:  t.Description,
		Status:       statusName(t.Status),
		Priority:     priorityName(t.Priority),
		Type:         t.Type,
		Tags:         t.Tags,
		RequesterID:  t.RequesterID,
		ResponderID:  t.ResponderID,
		CustomFields: t.CustomFields,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	for _, a := range t.Attachments {
		out.Attachments = append(out.Attachments, a.toEntity(t.ID))
	}
	return out
}

type fdConversation struct {
	ID          int64          `json:"id"`
	UserID      int64          `json:"user_id"`
	Body        string         `json:"body"`
	Private     bool           `json:"private"`
	CreatedAt   time.Time      `json:"created_at"`
	Attachments []fdAttachment `json:"attachments"`
}

func (c fdConversation) toEntity(ticketID int64) entity.Comment {
	out := entity.Comment{
		ID:        c.ID,
		TicketID:  ticketID,
		UserID:    c.UserID,
		Body:      c.Body,
		Private:   c.Private,
		CreatedAt: c.CreatedAt,
	}
	for _, a := range c.Attachments {
		out.Attachments = append(out.Attachments, a.toEntity(ticketID))
	}
	return out
}

func priorityName(p int) string {
	switch p {
	case 1:
		return "low"
	case 2:
		return "medium"
	case 3:
		return "high"
	case 4:
		return "urgent"
	}
	return strconv.Itoa(p)
}

func statusName(s int) string {
	switch s {
	case 2:
		return "open"
	case 3:
		return "pending"
	case 4:
		return "resolved"
	case 5:
		return "closed"
	}
	return strconv.Itoa(s)
}
