// Copyright (c) 2025 HDOps, Inc. All rights reserved.

package entity

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies the type of a migrated entity. Kinds form a fixed
// dependency tier ordering: users are migrated before tickets, tickets
// before comments, comments before attachments. The reference graph is
// acyclic by construction, so tier ordering is all the orchestrator needs.
type Kind string

const (
	KindUser       Kind = "user"
	KindTicket     Kind = "ticket"
	KindComment    Kind = "comment"
	KindAttachment Kind = "attachment"
)

// Tier returns the processing tier of the kind (lower migrates first).
func (k Kind) Tier() int {
	switch k {
	case KindUser:
		return 0
	case KindTicket:
		return 1
	case KindComment:
		return 2
	case KindAttachment:
		return 3
	}
	return -1
}

// Valid reports whether k is a known entity kind.
func (k Kind) Valid() bool {
	return k.Tier() >= 0
}

// UnitID is the stable, globally unique identity of a MigrationUnit:
// (instance, kind, source entity ID). It survives process restarts and
// is the key for checkpoint records and idempotency markers.
type UnitID struct {
	Instance string
	Kind     Kind
	SourceID int64
}

func NewUnitID(instance string, kind Kind, sourceID int64) UnitID {
	return UnitID{Instance: instance, Kind: kind, SourceID: sourceID}
}

// String returns the canonical form "<instance>/<kind>/<id>".
func (u UnitID) String() string {
	return fmt.Sprintf("%s/%s/%d", u.Instance, u.Kind, u.SourceID)
}

// MarkerLabel returns the deterministic marker embedded in created target
// records, e.g. "fd-acme-ticket-4711". It is derived only from the unit
// identity, never from attempt state, so a resumed run produces the same
// marker and duplicate creates can be detected on the target side.
func (u UnitID) MarkerLabel() string {
	inst := strings.ReplaceAll(u.Instance, " ", "-")
	return fmt.Sprintf("fd-%s-%s-%d", inst, u.Kind, u.SourceID)
}

// ParseUnitID parses the canonical "<instance>/<kind>/<id>" form.
func ParseUnitID(s string) (UnitID, error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 {
		return UnitID{}, fmt.Errorf("malformed unit id: %q", s)
	}
	kind := Kind(parts[1])
	if !kind.Valid() {
		return UnitID{}, fmt.Errorf("unknown entity kind in unit id %q", s)
	}
	var sourceID int64
	if _, err := fmt.Sscanf(parts[2], "%d", &sourceID); err != nil {
		return UnitID{}, fmt.Errorf("malformed source id in unit id %q", s)
	}
	return UnitID{Instance: parts[0], Kind: kind, SourceID: sourceID}, nil
}

// User is a helpdesk contact or agent on the source side.
type User struct {
	ID     int64
	Name   string
	Email  string
	Active bool
}

// Ticket is a source helpdesk ticket. Comments and attachments are
// fetched separately and attached by the orchestrator before mapping.
type Ticket struct {
	ID           int64
	Subject      string
	Description  string // HTML body
	Status       string
	Priority     string
	Type         string
	Tags         []string
	RequesterID  int64
	ResponderID  int64
	CustomFields map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Comments    []Comment
	Attachments []Attachment
}

// Comment is a single conversation entry on a ticket.
type Comment struct {
	ID        int64
	TicketID  int64
	UserID    int64
	Body      string // HTML body
	Private   bool
	CreatedAt time.Time

	Attachments []Attachment
}

// Attachment carries metadata only; content is downloaded on demand.
type Attachment struct {
	ID          int64
	TicketID    int64
	Name        string
	ContentType string
	Size        int64
	URL         string
	CreatedAt   time.Time
}
