// Package store provides hand-written pgx data access for the fleet
// publisher's schema: accounts, content, schedules, and their supporting
// audit tables.
package store

import (
	"time"

	"github.com/google/uuid"
)

// Account statuses.
const (
	AccountActive       = "ACTIVE"
	AccountTokenExpired = "TOKEN_EXPIRED"
	AccountRateLimited  = "RATE_LIMITED"
	AccountSuspended    = "SUSPENDED"
	AccountDisconnected = "DISCONNECTED"
)

// Content statuses.
const (
	ContentDraft    = "DRAFT"
	ContentApproved = "APPROVED"
	ContentArchived = "ARCHIVED"
)

// Schedule statuses.
const (
	SchedulePending    = "PENDING"
	ScheduleProcessing = "PROCESSING"
	SchedulePosted     = "POSTED"
	ScheduleFailed     = "FAILED"
	ScheduleBlocked    = "BLOCKED"
	ScheduleCanceled   = "CANCELED"
)

// PublishAttempt statuses.
const (
	AttemptSuccess        = "SUCCESS"
	AttemptFail           = "FAIL"
	AttemptBlocked        = "BLOCKED"
	AttemptRetryScheduled = "RETRY_SCHEDULED"
)

// ActivityLog levels.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Proxy protocols.
const (
	ProxyHTTP  = "HTTP"
	ProxyHTTPS = "HTTPS"
)

// Account is a single managed social-media identity.
type Account struct {
	ID                uuid.UUID
	XUserID           string
	Username          string
	DisplayName       string
	Language          *string
	Purpose           *string
	AccessTokenEnc    string
	RefreshTokenEnc   *string
	TokenExpiresAt    *time.Time
	Status            string
	HealthMessage     *string
	MinIntervalMinutes int
	DailyPostLimit    int
	MonthlyPostLimit  int
	LastPostedAt      *time.Time
	ProxyEnabled      bool
	ProxyProtocol     *string
	ProxyHost         *string
	ProxyPort         *int
	ProxyUsername     *string
	ProxyPasswordEnc  *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Content is a piece of source material to be dispatched across accounts.
type Content struct {
	ID        uuid.UUID
	Title     string
	Body      string
	Topic     *string
	Language  *string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ContentVariant is the materialized per-account text for a piece of content.
type ContentVariant struct {
	ID            uuid.UUID
	ContentID     uuid.UUID
	AccountID     *uuid.UUID
	Body          string
	SimilarityKey string
	CreatedAt     time.Time
}

// Schedule is one planned post for one account.
type Schedule struct {
	ID                uuid.UUID
	AccountID         uuid.UUID
	ContentID         uuid.UUID
	ContentVariantID  uuid.UUID
	PlannedAt         time.Time
	Status            string
	IdempotencyKey    string
	Priority          int
	AttemptCount      int
	MaxAttempts       int
	NextAttemptAt     *time.Time
	PostedAt          *time.Time
	ExternalPostID    *string
	LastError         *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DueSchedule is a Schedule joined with its account, content, and variant,
// as returned by the selection query feeding the publisher cycle.
type DueSchedule struct {
	Schedule Schedule
	Account  Account
	Content  Content
	Variant  ContentVariant
}

// RateLimit captures the three rate-limit response headers, all optional.
type RateLimit struct {
	Limit     *int
	Remaining *int
	ResetAt   *time.Time
}

// PublishAttempt is an append-only record of one attempt outcome.
type PublishAttempt struct {
	ID            uuid.UUID
	ScheduleID    uuid.UUID
	AccountID     uuid.UUID
	AttemptNo     int
	Status        string
	RequestedAt   time.Time
	FinishedAt    *time.Time
	HTTPStatus    *int
	ErrorCode     *string
	ErrorMessage  *string
	RateLimit     RateLimit
	CreatedAt     time.Time
}

// RateLimitSnapshot is an append-only observation of a rate-limit response.
type RateLimitSnapshot struct {
	ID         uuid.UUID
	AccountID  uuid.UUID
	Endpoint   string
	RateLimit  RateLimit
	ObservedAt time.Time
}

// PostMetric is a zero-initialized engagement counter row created at publish
// time; populated later by an out-of-scope collector.
type PostMetric struct {
	ID          uuid.UUID
	ScheduleID  uuid.UUID
	AccountID   uuid.UUID
	Impressions int64
	Likes       int64
	Reposts     int64
	Replies     int64
	CollectedAt *time.Time
	CreatedAt   time.Time
}

// ActivityLogEntry is an append-only operational log entry.
type ActivityLogEntry struct {
	ID         uuid.UUID
	Level      string
	Event      string
	Message    string
	Meta       []byte
	AccountID  *uuid.UUID
	ScheduleID *uuid.UUID
	CreatedAt  time.Time
}
