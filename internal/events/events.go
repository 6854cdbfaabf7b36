// Package events publishes run lifecycle events for other services to follow.
//
// Events are published to subjects:
//
//	{prefix}.{project_id}.{run_id}.{type}
//
// Publishing is fire-and-forget: callers log failures and carry on.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/validationd/internal/run"
)

// DefaultSubjectPrefix is used when none is configured.
const DefaultSubjectPrefix = "validation.runs"

// Type names a lifecycle event.
type Type string

const (
	KickoffStarted  Type = "kickoff.started"
	KickoffDeferred Type = "kickoff.deferred"
	KickoffRetried  Type = "kickoff.retried"
	StatusChanged   Type = "status"
	CheckpointOpen  Type = "checkpoint"
	DecisionMade    Type = "decision"
	PivotApplied    Type = "pivot"
)

// Event is one published record.
type Event struct {
	Type            Type       `json:"type"`
	RunID           string     `json:"run_id"`
	ProjectID       string     `json:"project_id"`
	Status          run.Status `json:"status,omitempty"`
	Phase           int        `json:"phase,omitempty"`
	OverallProgress float64    `json:"overall_progress,omitempty"`
	Checkpoint      string     `json:"checkpoint,omitempty"`
	Decision        string     `json:"decision,omitempty"`
	Message         string     `json:"message,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
}

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// NATSPublisher publishes JSON events on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher creates a publisher. The connection is owned by the caller.
func NewNATSPublisher(nc *nats.Conn, prefix string) (*NATSPublisher, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}, nil
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(e Event) string {
	project := e.ProjectID
	if project == "" {
		project = "_"
	}
	return fmt.Sprintf("%s.%s.%s.%s", p.prefix, token(project), token(e.RunID), e.Type)
}

// token keeps ids from introducing extra subject levels or wildcards.
func token(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(e), data); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", e.Type, err)
	}
	return nil
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }
