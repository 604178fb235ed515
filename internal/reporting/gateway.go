// Package reporting builds the account-facing usage report from strongly
// consistent reads.
package reporting

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/aman-churiwal/quota-authorizer/internal/models"
	"github.com/aman-churiwal/quota-authorizer/internal/usage"
	"github.com/google/uuid"
)

const (
	recentLimit = 10
	// recentDays is how many daily buckets are searched for recent requests.
	recentDays  = 7
	hourlySpan  = 24 * time.Hour
)

// CredentialScanner reads every credential of an account from the primary.
type CredentialScanner interface {
	ScanByAccount(ctx context.Context, accountEmail string) ([]models.Credential, error)
}

// CounterReader reads the enforcing account counter used in atomic quota mode.
type CounterReader interface {
	Usage(ctx context.Context, accountEmail string) (int64, time.Time, error)
}

type EventReader interface {
	RecentEvents(ctx context.Context, buckets []string, limit int) ([]models.UsageEvent, error)
	HourlyRange(ctx context.Context, accountEmail string, from, to time.Time) ([]models.HourlyAggregate, error)
}

// Holds usage for the current window
type Period struct {
	Usage          int64      `json:"usage"`
	Limit          int64      `json:"limit"`
	Percentage     float64    `json:"percentage"`
	Remaining      int64      `json:"remaining"`
	ResetDate      *time.Time `json:"reset_date"`
	DaysUntilReset int        `json:"days_until_reset"`
}

type KeyCounts struct {
	Active int `json:"active"`
	Total  int `json:"total"`
}

type KeyUsage struct {
	ID         uuid.UUID  `json:"id"`
	Label      string     `json:"label"`
	Status     string     `json:"status"`
	UsageCount int64      `json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type RecentRequest struct {
	CredentialID    uuid.UUID `json:"credential_id"`
	CredentialLabel string    `json:"credential_label"`
	Timestamp       time.Time `json:"timestamp"`
}

type HourlyPoint struct {
	Hour         time.Time `json:"hour"`
	RequestCount int64     `json:"request_count"`
}

type Report struct {
	CurrentPeriod  Period          `json:"current_period"`
	APIKeys        KeyCounts       `json:"api_keys"`
	UsageByKey     []KeyUsage      `json:"usage_by_key"`
	RecentRequests []RecentRequest `json:"recent_requests"`
	HourlyUsage    []HourlyPoint   `json:"hourly_usage"`
}

type Options struct {
	IncludeRecent bool
}

// Gateway never mutates state and never reads through the account index.
type Gateway struct {
	credentials CredentialScanner
	events      EventReader
	counter     CounterReader
	limit       int64
	now         func() time.Time
}

func NewGateway(credentials CredentialScanner, events EventReader, limit int64) *Gateway {
	return &Gateway{
		credentials: credentials,
		events:      events,
		limit:       limit,
		now:         time.Now,
	}
}

// WithCounter makes reports account for the enforcing counter, which can run
// ahead of the credential rows while usage writes are still in flight.
func (g *Gateway) WithCounter(counter CounterReader) *Gateway {
	g.counter = counter
	return g
}

// Report recomputes the account's numbers from a full scan of its credentials.
func (g *Gateway) Report(ctx context.Context, accountEmail string, opts Options) (*Report, error) {
	creds, err := g.credentials.ScanByAccount(ctx, accountEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to scan account credentials: %w", err)
	}

	now := g.now().UTC()
	report := &Report{
		UsageByKey:     make([]KeyUsage, 0, len(creds)),
		RecentRequests: []RecentRequest{},
		HourlyUsage:    []HourlyPoint{},
	}
	report.APIKeys.Total = len(creds)

	var total int64
	var resetDate *time.Time
	for _, c := range creds {
		report.UsageByKey = append(report.UsageByKey, KeyUsage{
			ID:         c.ID,
			Label:      c.Label,
			Status:     c.Status,
			UsageCount: c.UsageCount,
			LastUsedAt: c.LastUsedAt,
			CreatedAt:  c.CreatedAt,
		})

		if c.Status != models.CredentialActive {
			continue
		}
		report.APIKeys.Active++
		total += c.UsageCount
		if resetDate == nil && c.UsageResetDate != nil {
			resetDate = c.UsageResetDate
		}
	}

	if g.counter != nil {
		used, resetAt, err := g.counter.Usage(ctx, accountEmail)
		if err != nil {
			return nil, fmt.Errorf("failed to read account counter: %w", err)
		}
		if resetAt.After(now) {
			resetDate = &resetAt
			total = max(total, used)
		}
	}

	report.CurrentPeriod = g.period(total, resetDate, now)

	if opts.IncludeRecent {
		events, err := g.events.RecentEvents(ctx, usage.RecentBuckets(accountEmail, now, recentDays), recentLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to read recent events: %w", err)
		}
		for _, e := range events {
			report.RecentRequests = append(report.RecentRequests, RecentRequest{
				CredentialID:    e.CredentialID,
				CredentialLabel: e.CredentialLabel,
				Timestamp:       e.Timestamp,
			})
		}
	}

	to := now.Truncate(time.Hour).Add(time.Hour)
	hours, err := g.events.HourlyRange(ctx, accountEmail, to.Add(-hourlySpan), to)
	if err != nil {
		return nil, fmt.Errorf("failed to read hourly usage: %w", err)
	}
	for _, h := range hours {
		report.HourlyUsage = append(report.HourlyUsage, HourlyPoint{Hour: h.Hour, RequestCount: h.RequestCount})
	}

	return report, nil
}

func (g *Gateway) period(total int64, resetDate *time.Time, now time.Time) Period {
	p := Period{
		Usage:     total,
		Limit:     g.limit,
		Remaining: g.limit - total,
		ResetDate: resetDate,
	}
	if p.Remaining < 0 {
		p.Remaining = 0
	}
	if g.limit > 0 {
		p.Percentage = math.Round(float64(total)/float64(g.limit)*10000) / 100
	}
	if resetDate != nil && resetDate.After(now) {
		p.DaysUntilReset = int(math.Ceil(resetDate.Sub(now).Hours() / 24))
	}

	return p
}
