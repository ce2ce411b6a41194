// Copyright (c) 2025 HDOps, Inc. All rights reserved.

// Package target writes mapped payloads to a Jira project. Jira offers
// no native idempotency keys, so every write is preceded by an existence
// check keyed on the unit's marker: a label lookup for issues, an email
// lookup for users, a marker scan for comments and a filename scan for
// attachments. A write that finds its marker already present reports
// AlreadyExists instead of creating a duplicate.
package target

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hdops/ticket-migration-tool/internal/config"
	"github.com/hdops/ticket-migration-tool/internal/entity"
	"github.com/hdops/ticket-migration-tool/internal/mapper"
	"github.com/hdops/ticket-migration-tool/internal/remote"
)

// WriteResult is the outcome of one idempotent write.
type WriteResult struct {
	TargetID      string
	AlreadyExists bool
}

// Writer is the target-side collaborator interface consumed by the
// orchestrator.
type Writer interface {
	CheckConnection(ctx context.Context) error
	FindUserByEmail(ctx context.Context, email string) (string, bool, error)
	CreateUser(ctx context.Context, unit entity.UnitID, p mapper.UserPayload) (WriteResult, error)
	CreateIssue(ctx context.Context, unit entity.UnitID, p mapper.IssuePayload) (WriteResult, error)
	AddComment(ctx context.Context, issueKey string, unit entity.UnitID, p mapper.CommentPayload) (WriteResult, error)
	UploadAttachment(ctx context.Context, issueKey string, unit entity.UnitID, name, contentType string, data []byte) (WriteResult, error)
	TransitionIssue(ctx context.Context, issueKey, status string) error
}

// Jira is the HTTP implementation of Writer.
type Jira struct {
	baseURL    string
	email      string
	token      string
	projectKey string
	issueType  string
	client     *http.Client
	logger     *zap.Logger
}

// NewJira builds a writer for the configured target project. apiToken is
// the resolved token, after any secrets-manager indirection.
func NewJira(cfg config.JiraConfig, apiToken string, timeout time.Duration, logger *zap.Logger) *Jira {
	return &Jira{
		baseURL:    strings.TrimSuffix(cfg.URL, "/") + "/rest/api/2",
		email:      cfg.Email,
		token:      apiToken,
		projectKey: cfg.ProjectKey,
		issueType:  cfg.IssueType,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// CheckConnection verifies credentials and project visibility.
func (j *Jira) CheckConnection(ctx context.Context) error {
	var me struct {
		AccountID string `json:"accountId"`
	}
	if err := j.doJSON(ctx, http.MethodGet, "/myself", nil, nil, &me); err != nil {
		return err
	}
	var proj struct {
		Key string `json:"key"`
	}
	return j.doJSON(ctx, http.MethodGet, "/project/"+j.projectKey, nil, nil, &proj)
}

// FindUserByEmail looks up an existing target account by email.
func (j *Jira) FindUserByEmail(ctx context.Context, email string) (string, bool, error) {
	params := url.Values{"query": {email}, "maxResults": {"2"}}
	var users []struct {
		AccountID    string `json:"accountId"`
		EmailAddress string `json:"emailAddress"`
	}
	if err := j.doJSON(ctx, http.MethodGet, "/user/search", params, nil, &users); err != nil {
		return "", false, err
	}
	for _, u := range users {
		if u.EmailAddress == email {
			return u.AccountID, true, nil
		}
	}
	return "", false, nil
}

// CreateUser creates a target account for the payload, or reports the
// existing one when the email is already registered.
func (j *Jira) CreateUser(ctx context.Context, unit entity.UnitID, p mapper.UserPayload) (WriteResult, error) {
	if id, ok, err := j.FindUserByEmail(ctx, p.Email); err != nil {
		return WriteResult{}, err
	} else if ok {
		return WriteResult{TargetID: id, AlreadyExists: true}, nil
	}
	body := map[string]any{
		"emailAddress": p.Email,
		"displayName":  p.DisplayName,
		"products":     []string{},
	}
	var out struct {
		AccountID string `json:"accountId"`
	}
	if err := j.doJSON(ctx, http.MethodPost, "/user", nil, body, &out); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{TargetID: out.AccountID}, nil
}

// CreateIssue creates the issue for a ticket unit. The unit's marker
// label travels in the payload, so a previously created issue is found
// by label search before any write happens.
func (j *Jira) CreateIssue(ctx context.Context, unit entity.UnitID, p mapper.IssuePayload) (WriteResult, error) {
	if key, ok, err := j.findIssueByMarker(ctx, unit.MarkerLabel()); err != nil {
		return WriteResult{}, err
	} else if ok {
		return WriteResult{TargetID: key, AlreadyExists: true}, nil
	}

	fields := map[string]any{
		"project":     map[string]string{"key": j.projectKey},
		"issuetype":   map[string]string{"name": j.issueType},
		"summary":     p.Summary,
		"description": p.Description,
		"labels":      p.Labels,
	}
	if p.Priority != "" {
		fields["priority"] = map[string]string{"name": p.Priority}
	}
	if p.AssigneeID != "" {
		fields["assignee"] = map[string]string{"accountId": p.AssigneeID}
	}
	if p.ReporterID != "" {
		fields["reporter"] = map[string]string{"accountId": p.ReporterID}
	}
	for id, v := range p.CustomFields {
		fields[id] = v
	}
	var out struct {
		Key string `json:"key"`
	}
	if err := j.doJSON(ctx, http.MethodPost, "/issue", nil, map[string]any{"fields": fields}, &out); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{TargetID: out.Key}, nil
}

func (j *Jira) findIssueByMarker(ctx context.Context, marker string) (string, bool, error) {
	params := url.Values{
		"jql":        {fmt.Sprintf(`project = %q AND labels = %q`, j.projectKey, marker)},
		"fields":     {"key"},
		"maxResults": {"1"},
	}
	var out struct {
		Issues []struct {
			Key string `json:"key"`
		} `json:"issues"`
	}
	if err := j.doJSON(ctx, http.MethodGet, "/search", params, nil, &out); err != nil {
		return "", false, err
	}
	if len(out.Issues) == 0 {
		return "", false, nil
	}
	return out.Issues[0].Key, true, nil
}

// AddComment appends a mapped comment to an issue. The unit marker is
// embedded in the comment body and scanned for before writing, since
// comments carry no labels.
func (j *Jira) AddComment(ctx context.Context, issueKey string, unit entity.UnitID, p mapper.CommentPayload) (WriteResult, error) {
	marker := unit.MarkerLabel()
	if id, ok, err := j.findCommentByMarker(ctx, issueKey, marker); err != nil {
		return WriteResult{}, err
	} else if ok {
		return WriteResult{TargetID: id, AlreadyExists: true}, nil
	}
	body := map[string]any{
		"body": p.Body + "\n\n{{" + marker + "}}",
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := j.doJSON(ctx, http.MethodPost, "/issue/"+issueKey+"/comment", nil, body, &out); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{TargetID: out.ID}, nil
}

func (j *Jira) findCommentByMarker(ctx context.Context, issueKey, marker string) (string, bool, error) {
	start := 0
	for {
		params := url.Values{
			"startAt":    {strconv.Itoa(start)},
			"maxResults": {"100"},
		}
		var out struct {
			Comments []struct {
				ID   string `json:"id"`
				Body string `json:"body"`
			} `json:"comments"`
			Total int `json:"total"`
		}
		if err := j.doJSON(ctx, http.MethodGet, "/issue/"+issueKey+"/comment", params, nil, &out); err != nil {
			return "", false, err
		}
		for _, c := range out.Comments {
			if bytes.Contains([]byte(c.Body), []byte(marker)) {
				return c.ID, true, nil
			}
		}
		start += len(out.Comments)
		if start >= out.Total || len(out.Comments) == 0 {
			return "", false, nil
		}
	}
}

// UploadAttachment attaches file content to an issue. Existing
// attachments are matched by name and size, which is as close to a
// marker as the attachment endpoint allows.
func (j *Jira) UploadAttachment(ctx context.Context, issueKey string, unit entity.UnitID, name, contentType string, data []byte) (WriteResult, error) {
	if id, ok, err := j.findAttachment(ctx, issueKey, name, int64(len(data))); err != nil {
		return WriteResult{}, err
	} else if ok {
		return WriteResult{TargetID: id, AlreadyExists: true}, nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return WriteResult{}, fmt.Errorf("building multipart body: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return WriteResult{}, fmt.Errorf("building multipart body: %w", err)
	}
	if err := w.Close(); err != nil {
		return WriteResult{}, fmt.Errorf("building multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		j.baseURL+"/issue/"+issueKey+"/attachments", &buf)
	if err != nil {
		return WriteResult{}, fmt.Errorf("creating request: %w", err)
	}
	req.SetBasicAuth(j.email, j.token)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("X-Atlassian-Token", "no-check")

	resp, err := j.client.Do(req)
	if err != nil {
		return WriteResult{}, fmt.Errorf("POST attachment: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return WriteResult{}, &remote.APIError{
			Op:         "POST attachment",
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter(resp),
			Body:       truncate(string(respBody), 200),
		}
	}
	var out []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil || len(out) == 0 {
		return WriteResult{}, fmt.Errorf("parsing attachment response: %w", err)
	}
	return WriteResult{TargetID: out[0].ID}, nil
}

func (j *Jira) findAttachment(ctx context.Context, issueKey, name string, size int64) (string, bool, error) {
	params := url.Values{"fields": {"attachment"}}
	var out struct {
		Fields struct {
			Attachment []struct {
				ID       string `json:"id"`
				Filename string `json:"filename"`
				Size     int64  `json:"size"`
			} `json:"attachment"`
		} `json:"fields"`
	}
	if err := j.doJSON(ctx, http.MethodGet, "/issue/"+issueKey, params, nil, &out); err != nil {
		return "", false, err
	}
	for _, a := range out.Fields.Attachment {
		if a.Filename == name && a.Size == size {
			return a.ID, true, nil
		}
	}
	return "", false, nil
}

// TransitionIssue moves an issue to the named status when a transition
// to it is available. A status the workflow cannot reach is reported as
// an error so the caller can record it without failing the unit.
func (j *Jira) TransitionIssue(ctx context.Context, issueKey, status string) error {
	var out struct {
		Transitions []struct {
			ID string `json:"id"`
			To struct {
				Name string `json:"name"`
			} `json:"to"`
		} `json:"transitions"`
	}
	if err := j.doJSON(ctx, http.MethodGet, "/issue/"+issueKey+"/transitions", nil, nil, &out); err != nil {
		return err
	}
	for _, t := range out.Transitions {
		if t.To.Name == status {
			body := map[string]any{"transition": map[string]string{"id": t.ID}}
			return j.doJSON(ctx, http.MethodPost, "/issue/"+issueKey+"/transitions", nil, body, nil)
		}
	}
	return fmt.Errorf("no workflow transition to status %q from issue %s", status, issueKey)
}

// doJSON performs an authenticated JSON request. Non-2xx responses
// become APIError so the retry controller can classify them.
func (j *Jira) doJSON(ctx context.Context, method, path string, params url.Values, in, out any) error {
	u := j.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.SetBasicAuth(j.email, j.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &remote.APIError{
			Op:         method + " " + path,
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter(resp),
			Body:       truncate(string(respBody), 200),
		}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
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
