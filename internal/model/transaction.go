package model

import (
	"strings"
	"time"
)

// TransactionStatus tracks a transaction through the review workflow.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusProcessed TransactionStatus = "processed"
	StatusVerified  TransactionStatus = "verified"
	StatusRejected  TransactionStatus = "rejected"
	StatusFailed    TransactionStatus = "failed"
)

// Transaction is a durable, user-reviewable spending record created by the
// sync pipeline. (UserID, EmailID) is unique: re-running a sync over the
// same mailbox cannot produce a second row for the same source message.
type Transaction struct {
	ID               string            `json:"id"`
	UserID           string            `json:"user_id"`
	Merchant         string            `json:"merchant"`
	Amount           float64           `json:"amount"`
	Currency         string            `json:"currency"`
	Date             time.Time         `json:"date"`
	Description      string            `json:"description,omitempty"`
	CategoryID       *string           `json:"category_id,omitempty"`
	EmailID          string            `json:"email_id"`
	EmailSubject     string            `json:"email_subject,omitempty"`
	Status           TransactionStatus `json:"status"`
	Confidence       float64           `json:"confidence"`
	RawData          map[string]any    `json:"raw_data,omitempty"`
	DuplicateGroupID *string           `json:"duplicate_group_id,omitempty"`
	IsPrimary        bool              `json:"is_primary"`
	CreatedAt        time.Time         `json:"created_at"`
}

// TransactionFilter narrows ListTransactions results.
type TransactionFilter struct {
	CategoryID string
	Status     TransactionStatus
	StartDate  *time.Time
	EndDate    *time.Time
	Limit      int
	Offset     int
}

// Category is a spending category. Default categories are seeded at
// migration time and shared by all users; users may add their own.
type Category struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Icon      string `json:"icon,omitempty"`
	Color     string `json:"color,omitempty"`
	IsDefault bool   `json:"is_default"`
	UserID    string `json:"user_id,omitempty"`
}

// DefaultCategoryNames is the fixed category enumeration the AI parser is
// instructed to use. Anything outside this set snaps to "Other".
var DefaultCategoryNames = []string{
	"Supermarket",
	"Food & Beverage",
	"Food Delivery",
	"Shopping",
	"Shopee",
	"Transport",
	"Bills & Utilities",
	"Subscriptions",
	"Entertainment",
	"Health",
	"Education",
	"Travel",
	"Other",
}

// ValidCategory reports whether name is an exact member of the default
// category enumeration.
func ValidCategory(name string) bool {
	for _, c := range DefaultCategoryNames {
		if c == name {
			return true
		}
	}
	return false
}

// SnapCategory maps an arbitrary AI-returned category to the enumeration:
// exact match first, then case-insensitive containment, else "Other".
func SnapCategory(name string) string {
	if ValidCategory(name) {
		return name
	}
	lower := strings.ToLower(name)
	for _, c := range DefaultCategoryNames {
		if strings.Contains(lower, strings.ToLower(c)) {
			return c
		}
	}
	return "Other"
}
