package requests

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the request lifecycle state. SUCCEEDED and FAILED_PERMANENT
// are terminal; a terminal row never changes again.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusInFlight        Status = "IN_FLIGHT"
	StatusSucceeded       Status = "SUCCEEDED"
	StatusFailedPermanent Status = "FAILED_PERMANENT"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailedPermanent
}

// AttemptStatus records how a single provider call ended.
type AttemptStatus string

const (
	AttemptOK             AttemptStatus = "OK"
	AttemptErrorTransient AttemptStatus = "ERROR_TRANSIENT"
	AttemptErrorPermanent AttemptStatus = "ERROR_PERMANENT"
	AttemptTimeout        AttemptStatus = "TIMEOUT"
)

// Failure reasons. The first two double as dead-letter reasons;
// PROVIDER_REJECTED marks terminal rows only and is never dead-lettered.
const (
	ReasonMaxAttemptsExceeded           = "MAX_ATTEMPTS_EXCEEDED"
	ReasonNoProviderAvailablePersistent = "NO_PROVIDER_AVAILABLE_PERSISTENT"
	ReasonProviderRejected              = "PROVIDER_REJECTED"
)

type Request struct {
	ID                string    `json:"id" db:"id"`
	Phone             string    `json:"phone" db:"phone"`
	Text              string    `json:"text" db:"text"`
	Status            Status    `json:"status" db:"status"`
	AttemptsCount     int       `json:"attempts_count" db:"attempts_count"`
	LastProviderID    *string   `json:"last_provider_id,omitempty" db:"last_provider_id"`
	ExcludedProviders []string  `json:"excluded_providers,omitempty" db:"excluded_providers"`
	FailureReason     *string   `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

type Attempt struct {
	ID           int64         `json:"id" db:"id"`
	RequestID    string        `json:"request_id" db:"request_id"`
	ProviderID   string        `json:"provider_id" db:"provider_id"`
	Status       AttemptStatus `json:"status" db:"status"`
	HTTPStatus   *int          `json:"http_status,omitempty" db:"http_status"`
	ResponseBody string        `json:"response_body,omitempty" db:"response_body"`
	ErrorMessage string        `json:"error_message,omitempty" db:"error_message"`
	StartedAt    time.Time     `json:"started_at" db:"started_at"`
	EndedAt      time.Time     `json:"ended_at" db:"ended_at"`
}

type DeadLetter struct {
	ID               int64     `json:"id" db:"id"`
	RequestID        string    `json:"request_id" db:"request_id"`
	Reason           string    `json:"reason" db:"reason"`
	AttemptsSnapshot int       `json:"attempts_snapshot" db:"attempts_snapshot"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// ListFilter narrows ListRequests. Zero values mean any.
type ListFilter struct {
	Status   string
	Provider string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// NewID returns a request id in the service's wire format:
// msg_<unix>_<first 8 hex chars of a v4 uuid>.
func NewID() string {
	return fmt.Sprintf("msg_%d_%s", time.Now().Unix(), uuid.NewString()[:8])
}
