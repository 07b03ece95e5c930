package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AssetStatus represents the lifecycle state of an asset
type AssetStatus string

const (
	AssetStatusPending    AssetStatus = "pending"
	AssetStatusQueued     AssetStatus = "queued"
	AssetStatusAssigned   AssetStatus = "assigned"
	AssetStatusPublishing AssetStatus = "publishing"
	AssetStatusPublished  AssetStatus = "published"
	AssetStatusFailed     AssetStatus = "failed"
)

// Terminal reports whether the status admits no further transitions
func (s AssetStatus) Terminal() bool {
	return s == AssetStatusPublished || s == AssetStatusFailed
}

// PrivacyLevel controls how a payload is wrapped before the DKG call
type PrivacyLevel string

const (
	PrivacyPrivate PrivacyLevel = "private"
	PrivacyPublic  PrivacyLevel = "public"
)

// Defaults applied at registration time
const (
	DefaultPriority     = 50
	DefaultEpochs       = 2
	DefaultReplications = 1
	DefaultMaxAttempts  = 3
)

// Asset represents a content submission and its publishing lifecycle state
type Asset struct {
	ID          int64       `db:"id"`
	ContentURL  string      `db:"content_url"`
	ContentSize int64       `db:"content_size"`
	Source      string      `db:"source"`
	SourceID    string      `db:"source_id"`
	BatchID     *int64      `db:"batch_id"`

	Priority     int          `db:"priority"`
	Privacy      PrivacyLevel `db:"privacy"`
	Epochs       int          `db:"epochs"`
	Replications int          `db:"replications"`
	MaxAttempts  int          `db:"max_attempts"`

	AttemptCount int `db:"attempt_count"`
	RetryCount   int `db:"retry_count"`

	Status   AssetStatus `db:"status"`
	WalletID *int64      `db:"wallet_id"`

	UAL             string `db:"ual"`
	TransactionHash string `db:"transaction_hash"`
	Blockchain      string `db:"blockchain"`
	LastError       string `db:"last_error"`

	CreatedAt            time.Time  `db:"created_at"`
	QueuedAt             *time.Time `db:"queued_at"`
	AssignedAt           *time.Time `db:"assigned_at"`
	PublishingStartedAt  *time.Time `db:"publishing_started_at"`
	PublishedAt          *time.Time `db:"published_at"`
	NextRetryAt          *time.Time `db:"next_retry_at"`
	UpdatedAt            time.Time  `db:"updated_at"`
}

// AttemptStatus represents the terminal state of a publishing attempt
type AttemptStatus string

const (
	AttemptStarted AttemptStatus = "started"
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
	AttemptTimeout AttemptStatus = "timeout"
)

// PublishingAttempt is an append-only record of a single publish try
type PublishingAttempt struct {
	ID            int64         `db:"id"`
	AssetID       int64         `db:"asset_id"`
	AttemptNumber int           `db:"attempt_number"`
	WorkerID      string        `db:"worker_id"`
	WalletAddress string        `db:"wallet_address"`
	WalletID      int64         `db:"wallet_id"`
	OTNodeURL     string        `db:"otnode_url"`
	Blockchain    string        `db:"blockchain"`
	Status        AttemptStatus `db:"status"`
	UAL           string        `db:"ual"`
	TxHash        string        `db:"transaction_hash"`
	GasUsed       int64         `db:"gas_used"`
	ErrorType     string        `db:"error_type"`
	ErrorMessage  string        `db:"error_message"`
	StartedAt     time.Time     `db:"started_at"`
	CompletedAt   *time.Time    `db:"completed_at"`
	DurationSecs  float64       `db:"duration_seconds"`
}

// Wallet represents a blockchain-signing identity leased to one asset at a time
type Wallet struct {
	ID               int64      `db:"id"`
	Address          string     `db:"address"`
	SecretCiphertext []byte     `db:"secret_ciphertext"`
	Blockchain       string     `db:"blockchain"`
	Active           bool       `db:"active"`
	Locked           bool       `db:"locked"`
	LockedBy         *int64     `db:"locked_by"`
	LockedAt         *time.Time `db:"locked_at"`
	LastUsedAt       *time.Time `db:"last_used_at"`
	TotalUses        int64      `db:"total_uses"`
	SuccessfulUses   int64      `db:"successful_uses"`
	FailedUses       int64      `db:"failed_uses"`

	// Secret holds the decrypted signing key while the wallet is leased.
	// Never persisted.
	Secret string `db:"-"`
}

// Batch groups assets submitted together and tracks their progress counters
type Batch struct {
	ID          int64      `db:"id"`
	Name        string     `db:"name"`
	Source      string     `db:"source"`
	Total       int        `db:"total"`
	Pending     int        `db:"pending"`
	Processing  int        `db:"processing"`
	Published   int        `db:"published"`
	Failed      int        `db:"failed"`
	CreatedAt   time.Time  `db:"created_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// RegisterInput is the ingress contract for submitting content
type RegisterInput struct {
	Content  json.RawMessage `json:"content"`
	Metadata *RegisterMeta   `json:"metadata,omitempty"`
	Options  *PublishOptions `json:"publishOptions,omitempty"`
}

// RegisterMeta carries optional caller origin tags
type RegisterMeta struct {
	Source   string `json:"source,omitempty"`
	SourceID string `json:"sourceId,omitempty"`
	BatchID  *int64 `json:"batchId,omitempty"`
}

// PublishOptions tunes how an asset is published
type PublishOptions struct {
	Priority     *int          `json:"priority,omitempty"`
	Privacy      *PrivacyLevel `json:"privacy,omitempty"`
	Epochs       *int          `json:"epochs,omitempty"`
	MaxAttempts  *int          `json:"maxAttempts,omitempty"`
	Replications *int          `json:"replications,omitempty"`
}

// WalletStats is the pool-wide availability snapshot
type WalletStats struct {
	Total     int     `json:"total"`
	Available int     `json:"available"`
	InUse     int     `json:"inUse"`
	AvgUses   float64 `json:"avgUses"`
}

// QueueStats reports job counts per queue state
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

// Sentinel errors shared across components
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNoWalletAvailable = errors.New("no wallets available")
	ErrMissingUAL        = errors.New("publish result missing UAL")
)

// ValidationError reports malformed input at registration
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DKGAPIError is a publish error reported by the upstream DKG node
type DKGAPIError struct {
	ErrorType    string
	ErrorMessage string
}

func (e *DKGAPIError) Error() string {
	return fmt.Sprintf("dkg publish error %s: %s", e.ErrorType, e.ErrorMessage)
}

// ClampPriority bounds a priority into the 0..100 scheduling range
func ClampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
