package pages

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/blocknotes/internal/blocks"
	"github.com/bytedance/sonic"
)

// DefaultTitle names pages created without a title.
const DefaultTitle = "Untitled"

const (
	maxIdentifierLength = 190
	maxTitleLength      = 512
)

var (
	// ErrInvalidPageID indicates that a page identifier is empty or exceeds storage bounds.
	ErrInvalidPageID = errors.New("pages: invalid page id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("pages: invalid user id")
	// ErrInvalidTitle indicates that a title exceeds storage bounds.
	ErrInvalidTitle = errors.New("pages: invalid title")
	// ErrPageNotFound indicates that the page does not exist in the store, typically
	// because it was deleted concurrently.
	ErrPageNotFound = errors.New("pages: page not found")
	// ErrInvalidOperation indicates a batch entry with an unknown kind or block id.
	ErrInvalidOperation = errors.New("pages: invalid block operation")
)

// PageID represents a validated page identifier.
type PageID string

// NewPageID validates raw input and returns a PageID.
func NewPageID(rawInput string) (PageID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPageID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPageID, maxIdentifierLength)
	}
	return PageID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PageID) String() string {
	return string(id)
}

// UserID represents a validated owner identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// NormalizeTitle trims the title and substitutes DefaultTitle for blank input.
func NormalizeTitle(rawTitle string) (string, error) {
	trimmed := strings.TrimSpace(rawTitle)
	if trimmed == "" {
		return DefaultTitle, nil
	}
	if len(trimmed) > maxTitleLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTitle, maxTitleLength)
	}
	return trimmed, nil
}

// Page is a note owned by exactly one user.
type Page struct {
	ID         PageID    `json:"id"`
	Title      string    `json:"title"`
	OwnerID    UserID    `json:"owner_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Public     bool      `json:"public"`
	SharedWith []UserID  `json:"shared_with"`
}

// OwnedBy reports whether userID owns the page.
func (page Page) OwnedBy(userID UserID) bool {
	return page.OwnerID != "" && page.OwnerID == userID
}

// Clone returns a copy that shares no slices with page.
func (page Page) Clone() Page {
	cloned := page
	cloned.SharedWith = append([]UserID{}, page.SharedWith...)
	return cloned
}

// PageBlocks pairs a page with its full block mapping.
type PageBlocks struct {
	PageID PageID         `json:"page_id"`
	Blocks blocks.Mapping `json:"blocks"`
}

// Clone returns a deep copy.
func (collection PageBlocks) Clone() PageBlocks {
	return PageBlocks{PageID: collection.PageID, Blocks: collection.Blocks.Clone()}
}

// PageRecord is the persisted page row.
type PageRecord struct {
	PageID          string `gorm:"column:page_id;primaryKey;size:190;not null"`
	OwnerID         string `gorm:"column:owner_id;size:190;not null;index:idx_pages_owner_updated,priority:1"`
	Title           string `gorm:"column:title;size:512;not null;default:''"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null;index:idx_pages_owner_updated,priority:2"`
	IsPublic        bool   `gorm:"column:is_public;not null;default:false"`
	SharedWithJSON  string `gorm:"column:shared_with_json;type:text;not null;default:'[]'"`
}

// TableName provides the explicit table binding for GORM.
func (PageRecord) TableName() string {
	return "pages"
}

func (record PageRecord) toPage() (Page, error) {
	sharedWith := make([]UserID, 0)
	if strings.TrimSpace(record.SharedWithJSON) != "" {
		if err := sonic.UnmarshalString(record.SharedWithJSON, &sharedWith); err != nil {
			return Page{}, fmt.Errorf("decode shared_with: %w", err)
		}
	}
	return Page{
		ID:         PageID(record.PageID),
		Title:      record.Title,
		OwnerID:    UserID(record.OwnerID),
		CreatedAt:  time.UnixMilli(record.CreatedAtMillis).UTC(),
		UpdatedAt:  time.UnixMilli(record.UpdatedAtMillis).UTC(),
		Public:     record.IsPublic,
		SharedWith: sharedWith,
	}, nil
}

// BlockRecord is one persisted block of a page.
type BlockRecord struct {
	PageID          string `gorm:"column:page_id;primaryKey;size:190;not null"`
	BlockID         string `gorm:"column:block_id;primaryKey;size:190;not null"`
	ContentJSON     string `gorm:"column:content_json;type:text;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BlockRecord) TableName() string {
	return "page_blocks"
}
