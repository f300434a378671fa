// Package decisionstore persists publish decisions for audit and compliance
// review. Records carry categories and rule/label identifiers only — never
// the raw text or image bytes of rejected content. That restriction is a
// hard contract: the audit trail must not itself become a store of the
// material it flags.
package decisionstore

import (
	"context"
	"time"

	"github.com/haven-social/gatekeeper/moderation/verdict"
)

// DecisionRecord is the redacted, persisted form of one verdict.
type DecisionRecord struct {
	ID                 uint               `json:"-" gorm:"primarykey"`
	ItemID             string             `json:"itemId" gorm:"index"`
	Source             string             `json:"source" gorm:"index"`
	Mode               verdict.Mode       `json:"mode"`
	Approved           bool               `json:"approved"`
	DecidingLayer      verdict.Layer      `json:"decidingLayer"`
	FlaggedCategories  []verdict.Category `json:"flaggedCategories" gorm:"serializer:json"`
	MatchedIdentifiers []string           `json:"matchedIdentifiers" gorm:"serializer:json"`
	CreatedAt          time.Time          `json:"createdAt"`
}

type DecisionStore interface {
	// Record persists one decision. Called at most once per evaluated item,
	// with the complete verdict; never with a partial one.
	Record(ctx context.Context, rec DecisionRecord) error
	// GetByItem returns all recorded decisions for an item identifier, most
	// recent first.
	GetByItem(ctx context.Context, itemID string) ([]DecisionRecord, error)
}
