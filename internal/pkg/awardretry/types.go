package awardretry

import (
	"context"
	"time"

	"github.com/outlivion/outlivion-api/internal/pkg/contest"
)

// Entry is one queued ticket award waiting for another attempt.
type Entry struct {
	UserRef        string    `json:"user_ref"`
	OrderID        string    `json:"order_id"`
	PlanID         string    `json:"plan_id"`
	OrderCreatedAt time.Time `json:"order_created_at"`
	AttemptCount   int       `json:"attempt_count"`
	LastError      string    `json:"last_error,omitempty"`
	LastAttemptAt  time.Time `json:"last_attempt_at"`
}

// Key identifies an entry by (userRef, orderId).
func (e Entry) Key() string {
	return entryKey(e.UserRef, e.OrderID)
}

func (e Entry) request() contest.AwardRequest {
	return contest.AwardRequest{
		UserRef:        e.UserRef,
		OrderID:        e.OrderID,
		PlanID:         e.PlanID,
		OrderCreatedAt: e.OrderCreatedAt,
	}
}

func entryKey(userRef, orderID string) string {
	return userRef + "_" + orderID
}

// Awarder is the ledger award function being retried.
type Awarder interface {
	AwardTicketsForPayment(ctx context.Context, req contest.AwardRequest) (bool, error)
}

// Reconciler lists paid orders that should have ledger rows but do not.
type Reconciler interface {
	Reconcile(ctx context.Context) ([]contest.AwardRequest, error)
}

// Store persists the queue across restarts.
type Store interface {
	Load() ([]Entry, error)
	Put(e Entry) error
	Delete(key string) error
	Close() error
}

// Stats is a snapshot of the queue for the admin endpoint.
type Stats struct {
	QueueSize   int       `json:"queue_size"`
	Dropped     int       `json:"dropped"`
	Running     bool      `json:"running"`
	LastRunAt   time.Time `json:"last_run_at,omitempty"`
	MaxAttempts int       `json:"max_attempts"`
	Items       []Entry   `json:"items"`
}

// RunResult summarizes one pass over the queue.
type RunResult struct {
	Skipped    bool `json:"skipped"`
	Reconciled int  `json:"reconciled"`
	Attempted  int  `json:"attempted"`
	Awarded    int  `json:"awarded"`
	Dropped    int  `json:"dropped"`
	Remaining  int  `json:"remaining"`
}
