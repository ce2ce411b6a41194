// Copyright (c) 2025 HDOps, Inc. All rights reserved.

package mapper

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hdops/ticket-migration-tool/internal/config"
	"github.com/hdops/ticket-migration-tool/internal/entity"
)

const maxSummaryLen = 255

// MappingError marks a per-unit permanent mapping failure: a required
// field had no resolvable value and no configured default.
type MappingError struct {
	Field  string
	Value  string
	Reason string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping failed for field %q (value %q): %s", e.Field, e.Value, e.Reason)
}

// UnresolvedUserError signals a user reference whose target identity is
// not known yet. Under the "create" policy the orchestrator reacts by
// creating the user on demand and mapping again.
type UnresolvedUserError struct {
	UserID int64
	Field  string
}

func (e *UnresolvedUserError) Error() string {
	return fmt.Sprintf("user %d referenced by %s is not migrated", e.UserID, e.Field)
}

// UserResolver resolves a source user ID to its migrated target account
// ID. Backed by the checkpoint store in production, a map in tests.
type UserResolver interface {
	TargetAccountID(sourceUserID int64) (string, bool)
}

// Note records an audited mapping decision (an applied default, a
// reference left unassigned). The orchestrator appends notes to the
// reconciliation ledger so silent miscategorization never happens.
type Note struct {
	Field  string
	Value  string
	Detail string
}

// IssuePayload is the mapped target representation of a ticket.
type IssuePayload struct {
	Summary      string
	Description  string
	Priority     string
	TargetStatus string // post-create transition, empty when none
	Labels       []string
	Components   []string
	AssigneeID   string
	ReporterID   string
	CustomFields map[string]any
}

// CommentPayload is the mapped target representation of a comment.
type CommentPayload struct {
	Body     string
	AuthorID string
}

// UserPayload is the mapped target representation of a user.
type UserPayload struct {
	Email       string
	DisplayName string
	Active      bool
}

// AttachmentPlan is the mapped decision for one attachment. Skip is a
// non-fatal per-attachment outcome; the ticket still migrates.
type AttachmentPlan struct {
	Attachment entity.Attachment
	Skip       bool
	SkipReason string
}

// Mapper is a pure transformation from source entities to target
// payloads, driven entirely by the loaded rule set.
type Mapper struct {
	rules       config.MappingConfig
	attachments config.AttachmentConfig
	userPolicy  string
	fallbackID  string
	blockedExt  func(string) bool
}

// New builds a Mapper over a validated rule set.
func New(cfg *config.Config) *Mapper {
	return &Mapper{
		rules:       cfg.Mapping,
		attachments: cfg.Attachments,
		userPolicy:  cfg.MissingUserPolicy,
		fallbackID:  cfg.FallbackAccountID,
		blockedExt:  cfg.BlockedExtension,
	}
}

var subjectPrefix = regexp.MustCompile(`^\[.*?\]\s*`)

// MapTicket maps a source ticket to an issue payload. All enum fields go
// through the value tables; free-text fields go through the markup
// converter; user references resolve through the checkpoint-backed
// resolver.
func (m *Mapper) MapTicket(t *entity.Ticket, unit entity.UnitID, resolve UserResolver) (*IssuePayload, []Note, error) {
	var notes []Note

	priority, note, err := resolveEnum("priority", t.Priority, m.rules.Priority)
	if err != nil {
		return nil, nil, err
	}
	if note != nil {
		notes = append(notes, *note)
	}

	status, note, err := resolveEnum("status", t.Status, m.rules.Status)
	if err != nil {
		return nil, nil, err
	}
	if note != nil {
		notes = append(notes, *note)
	}

	assignee, userNotes, err := m.resolveUser("assignee", t.ResponderID, resolve)
	if err != nil {
		return nil, nil, err
	}
	notes = append(notes, userNotes...)

	reporter, userNotes, err := m.resolveUser("reporter", t.RequesterID, resolve)
	if err != nil {
		return nil, nil, err
	}
	notes = append(notes, userNotes...)

	custom := map[string]any{}
	for src, dst := range m.rules.CustomFields {
		if v, ok := t.CustomFields[src]; ok && v != nil && v != "" {
			custom[dst] = v
		}
	}

	payload := &IssuePayload{
		Summary:      mapSummary(t.Subject),
		Description:  describeTicket(t),
		Priority:     priority,
		TargetStatus: status,
		Labels:       ticketLabels(t, unit),
		Components:   nil,
		AssigneeID:   assignee,
		ReporterID:   reporter,
		CustomFields: custom,
	}
	return payload, notes, nil
}

// MapComment maps a source conversation entry to a comment payload.
func (m *Mapper) MapComment(c *entity.Comment, resolve UserResolver) (*CommentPayload, []Note, error) {
	author, notes, err := m.resolveUser("author", c.UserID, resolve)
	if err != nil {
		return nil, nil, err
	}

	body := ConvertHTML(c.Body)
	var footer []string
	if !c.CreatedAt.IsZero() {
		footer = append(footer, fmt.Sprintf("*Original Date:* %s", c.CreatedAt.UTC().Format("2006-01-02 15:04:05")))
	}
	if c.Private {
		footer = append(footer, "*Visibility:* internal note")
	}
	if len(footer) > 0 {
		body = body + "\n\n----\n" + strings.Join(footer, "\n")
	}

	return &CommentPayload{Body: body, AuthorID: author}, notes, nil
}

// MapUser maps a source contact or agent to a user payload. Email is the
// only required field; without it the user cannot be matched or created.
func (m *Mapper) MapUser(u *entity.User) (*UserPayload, error) {
	if u.Email == "" {
		return nil, &MappingError{Field: "email", Reason: "user has no email address"}
	}
	name := u.Name
	if name == "" {
		name = strings.SplitN(u.Email, "@", 2)[0]
	}
	return &UserPayload{Email: u.Email, DisplayName: name, Active: u.Active}, nil
}

// PlanAttachment enforces the configured size and type limits. An
// attachment outside the limits is flagged skipped, never a ticket
// failure.
func (m *Mapper) PlanAttachment(a entity.Attachment) AttachmentPlan {
	maxBytes := int64(m.attachments.MaxSizeMB) * 1024 * 1024
	if maxBytes > 0 && a.Size > maxBytes {
		return AttachmentPlan{
			Attachment: a,
			Skip:       true,
			SkipReason: fmt.Sprintf("size %d exceeds limit of %d MB", a.Size, m.attachments.MaxSizeMB),
		}
	}
	if m.blockedExt != nil && m.blockedExt(a.Name) {
		return AttachmentPlan{
			Attachment: a,
			Skip:       true,
			SkipReason: "blocked file extension",
		}
	}
	return AttachmentPlan{Attachment: a}
}

func (m *Mapper) resolveUser(field string, sourceID int64, resolve UserResolver) (string, []Note, error) {
	if sourceID == 0 {
		return "", nil, nil
	}
	if id, ok := resolve.TargetAccountID(sourceID); ok {
		return id, nil, nil
	}
	switch m.userPolicy {
	case config.MissingUserUnassigned:
		return "", []Note{{
			Field:  field,
			Value:  fmt.Sprintf("%d", sourceID),
			Detail: "unresolved user reference left unassigned",
		}}, nil
	case config.MissingUserFallback:
		return m.fallbackID, []Note{{
			Field:  field,
			Value:  fmt.Sprintf("%d", sourceID),
			Detail: "unresolved user reference assigned to fallback account",
		}}, nil
	default:
		// create and skip both surface to the orchestrator.
		return "", nil, &UnresolvedUserError{UserID: sourceID, Field: field}
	}
}

// resolveEnum resolves an enum value through its value table. Unmapped
// values fail with a MappingError unless a default is configured; the
// applied default is returned as an audit note.
func resolveEnum(field, value string, table config.ValueTable) (string, *Note, error) {
	key := strings.ToLower(strings.TrimSpace(value))
	if mapped, ok := table.Values[key]; ok {
		return mapped, nil, nil
	}
	if table.Default != "" {
		return table.Default, &Note{
			Field:  field,
			Value:  value,
			Detail: fmt.Sprintf("unmapped value, default %q applied", table.Default),
		}, nil
	}
	return "", nil, &MappingError{
		Field:  field,
		Value:  value,
		Reason: "no mapping and no default configured",
	}
}

func mapSummary(subject string) string {
	s := subjectPrefix.ReplaceAllString(strings.TrimSpace(subject), "")
	if s == "" {
		return "No Subject"
	}
	// Truncate on rune boundaries so a multibyte subject is never cut
	// mid-character.
	if r := []rune(s); len(r) > maxSummaryLen {
		s = string(r[:maxSummaryLen-3]) + "..."
	}
	return s
}

func describeTicket(t *entity.Ticket) string {
	desc := ConvertHTML(t.Description)

	var meta []string
	if t.Type != "" {
		meta = append(meta, fmt.Sprintf("*Type:* %s", t.Type))
	}
	if !t.CreatedAt.IsZero() {
		meta = append(meta, fmt.Sprintf("*Created:* %s", t.CreatedAt.UTC().Format("2006-01-02 15:04:05")))
	}
	if len(meta) > 0 {
		desc = desc + "\n\n----\n" + strings.Join(meta, "\n")
	}
	return desc
}

func ticketLabels(t *entity.Ticket, unit entity.UnitID) []string {
	seen := map[string]bool{}
	var labels []string
	add := func(l string) {
		l = strings.ReplaceAll(strings.TrimSpace(l), " ", "-")
		if l == "" || seen[l] {
			return
		}
		seen[l] = true
		labels = append(labels, l)
	}
	for _, tag := range t.Tags {
		add(tag)
	}
	add("migrated-from-freshdesk")
	// The marker label is the duplicate-detection key on the target side.
	add(unit.MarkerLabel())
	return labels
}
