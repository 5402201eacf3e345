package pages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/blocknotes/internal/blocks"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "pages.<operation>.<reason>" code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew         = "pages.service.new"
	opCreatePage         = "pages.create_page"
	opGetPage            = "pages.get_page"
	opQueryPagesByOwner  = "pages.query_pages_by_owner"
	opListBlocks         = "pages.list_blocks"
	opCommitBatch        = "pages.commit_batch"
	opDeletePageCascade  = "pages.delete_page_cascade"
	opToggleVisibility   = "pages.toggle_visibility"
	opRenamePage         = "pages.rename_page"
	reasonPageNotFound   = "page_not_found"
	reasonMissingDB      = "missing_database"
	reasonQueryFailed    = "query_failed"
	reasonDecodeFailed   = "decode_failed"
	reasonInvalidRequest = "invalid_request"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig wires the page store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the durable page and block store. Every mutating call is atomic.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDB, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreatePage persists a new private page with no collaborators.
func (s *Service) CreatePage(ctx context.Context, ownerID UserID, rawTitle string) (Page, error) {
	if s.db == nil {
		return Page{}, newServiceError(opCreatePage, reasonMissingDB, errMissingDatabase)
	}
	if ownerID == "" {
		return Page{}, newServiceError(opCreatePage, reasonInvalidRequest, ErrInvalidUserID)
	}
	title, err := NormalizeTitle(rawTitle)
	if err != nil {
		return Page{}, newServiceError(opCreatePage, reasonInvalidRequest, err)
	}

	pageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreatePage, "id_generation_failed", err, zap.String("owner_id", ownerID.String()))
		return Page{}, newServiceError(opCreatePage, "id_generation_failed", err)
	}

	nowMillis := s.clock().UTC().UnixMilli()
	record := PageRecord{
		PageID:          pageID,
		OwnerID:         ownerID.String(),
		Title:           title,
		CreatedAtMillis: nowMillis,
		UpdatedAtMillis: nowMillis,
		IsPublic:        false,
		SharedWithJSON:  "[]",
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opCreatePage, "insert_failed", err,
			zap.String("owner_id", ownerID.String()),
			zap.String("page_id", pageID))
		return Page{}, newServiceError(opCreatePage, "insert_failed", err)
	}
	return s.decodePage(opCreatePage, record)
}

// GetPage returns the page or an error wrapping ErrPageNotFound.
func (s *Service) GetPage(ctx context.Context, pageID PageID) (Page, error) {
	if s.db == nil {
		return Page{}, newServiceError(opGetPage, reasonMissingDB, errMissingDatabase)
	}
	record, err := s.takePage(s.db.WithContext(ctx), opGetPage, pageID)
	if err != nil {
		return Page{}, err
	}
	return s.decodePage(opGetPage, record)
}

// QueryPagesByOwner returns the owner's pages, most recently updated first.
func (s *Service) QueryPagesByOwner(ctx context.Context, ownerID UserID) ([]Page, error) {
	if s.db == nil {
		return nil, newServiceError(opQueryPagesByOwner, reasonMissingDB, errMissingDatabase)
	}
	if ownerID == "" {
		return nil, newServiceError(opQueryPagesByOwner, reasonInvalidRequest, ErrInvalidUserID)
	}

	var records []PageRecord
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID.String()).
		Order("updated_at_ms DESC").
		Order("page_id ASC").
		Find(&records).Error; err != nil {
		s.logError(opQueryPagesByOwner, reasonQueryFailed, err, zap.String("owner_id", ownerID.String()))
		return nil, newServiceError(opQueryPagesByOwner, reasonQueryFailed, err)
	}

	result := make([]Page, 0, len(records))
	for _, record := range records {
		page, err := s.decodePage(opQueryPagesByOwner, record)
		if err != nil {
			return nil, err
		}
		result = append(result, page)
	}
	return result, nil
}

// ListBlocks returns the page's persisted blocks. A page without blocks yields an empty mapping.
func (s *Service) ListBlocks(ctx context.Context, pageID PageID) (blocks.Mapping, error) {
	if s.db == nil {
		return nil, newServiceError(opListBlocks, reasonMissingDB, errMissingDatabase)
	}
	if pageID == "" {
		return nil, newServiceError(opListBlocks, reasonInvalidRequest, ErrInvalidPageID)
	}

	var records []BlockRecord
	if err := s.db.WithContext(ctx).
		Where("page_id = ?", pageID.String()).
		Find(&records).Error; err != nil {
		s.logError(opListBlocks, reasonQueryFailed, err, zap.String("page_id", pageID.String()))
		return nil, newServiceError(opListBlocks, reasonQueryFailed, err)
	}

	mapping := make(blocks.Mapping, len(records))
	for _, record := range records {
		content, err := blocks.NewContent([]byte(record.ContentJSON))
		if err != nil {
			s.logError(opListBlocks, reasonDecodeFailed, err,
				zap.String("page_id", pageID.String()),
				zap.String("block_id", record.BlockID))
			return nil, newServiceError(opListBlocks, reasonDecodeFailed, err)
		}
		mapping[blocks.BlockID(record.BlockID)] = content
	}
	return mapping, nil
}

// CommitBatch applies all operations atomically and bumps the page's update time.
// When the page no longer exists nothing is written and the error wraps ErrPageNotFound.
func (s *Service) CommitBatch(ctx context.Context, pageID PageID, operations []blocks.Operation) error {
	if s.db == nil {
		return newServiceError(opCommitBatch, reasonMissingDB, errMissingDatabase)
	}
	if pageID == "" {
		return newServiceError(opCommitBatch, reasonInvalidRequest, ErrInvalidPageID)
	}
	if len(operations) == 0 {
		return nil
	}
	for _, operation := range operations {
		if err := validateOperation(operation); err != nil {
			return newServiceError(opCommitBatch, "invalid_operation", err)
		}
	}

	nowMillis := s.clock().UTC().UnixMilli()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.takePage(tx, opCommitBatch, pageID); err != nil {
			return err
		}

		for _, operation := range operations {
			blockFields := []zap.Field{
				zap.String("page_id", pageID.String()),
				zap.String("block_id", operation.BlockID.String()),
				zap.String("kind", string(operation.Kind)),
			}
			switch operation.Kind {
			case blocks.OperationCreate, blocks.OperationUpdate:
				record := BlockRecord{
					PageID:          pageID.String(),
					BlockID:         operation.BlockID.String(),
					ContentJSON:     operation.Content.String(),
					UpdatedAtMillis: nowMillis,
				}
				if err := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "page_id"}, {Name: "block_id"}},
					DoUpdates: clause.AssignmentColumns([]string{"content_json", "updated_at_ms"}),
				}).Create(&record).Error; err != nil {
					s.logError(opCommitBatch, "block_write_failed", err, blockFields...)
					return newServiceError(opCommitBatch, "block_write_failed", err)
				}
			case blocks.OperationDelete:
				if err := tx.
					Where("page_id = ? AND block_id = ?", pageID.String(), operation.BlockID.String()).
					Delete(&BlockRecord{}).Error; err != nil {
					s.logError(opCommitBatch, "block_delete_failed", err, blockFields...)
					return newServiceError(opCommitBatch, "block_delete_failed", err)
				}
			}
		}

		if err := tx.Model(&PageRecord{}).
			Where("page_id = ?", pageID.String()).
			Update("updated_at_ms", nowMillis).Error; err != nil {
			s.logError(opCommitBatch, "page_touch_failed", err, zap.String("page_id", pageID.String()))
			return newServiceError(opCommitBatch, "page_touch_failed", err)
		}
		return nil
	})
}

// DeletePageCascade removes the page and all of its blocks in one transaction.
func (s *Service) DeletePageCascade(ctx context.Context, pageID PageID) error {
	if s.db == nil {
		return newServiceError(opDeletePageCascade, reasonMissingDB, errMissingDatabase)
	}
	if pageID == "" {
		return newServiceError(opDeletePageCascade, reasonInvalidRequest, ErrInvalidPageID)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("page_id = ?", pageID.String()).Delete(&BlockRecord{}).Error; err != nil {
			s.logError(opDeletePageCascade, "block_delete_failed", err, zap.String("page_id", pageID.String()))
			return newServiceError(opDeletePageCascade, "block_delete_failed", err)
		}
		result := tx.Where("page_id = ?", pageID.String()).Delete(&PageRecord{})
		if result.Error != nil {
			s.logError(opDeletePageCascade, "page_delete_failed", result.Error, zap.String("page_id", pageID.String()))
			return newServiceError(opDeletePageCascade, "page_delete_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opDeletePageCascade, reasonPageNotFound, ErrPageNotFound)
		}
		return nil
	})
}

// ToggleVisibility flips the public flag and returns the refreshed page.
func (s *Service) ToggleVisibility(ctx context.Context, pageID PageID) (Page, error) {
	return s.updatePage(ctx, opToggleVisibility, pageID, func(record PageRecord) map[string]any {
		return map[string]any{"is_public": !record.IsPublic}
	})
}

// RenamePage stores a new title and returns the refreshed page.
func (s *Service) RenamePage(ctx context.Context, pageID PageID, rawTitle string) (Page, error) {
	title, err := NormalizeTitle(rawTitle)
	if err != nil {
		return Page{}, newServiceError(opRenamePage, reasonInvalidRequest, err)
	}
	return s.updatePage(ctx, opRenamePage, pageID, func(PageRecord) map[string]any {
		return map[string]any{"title": title}
	})
}

func (s *Service) updatePage(ctx context.Context, operation string, pageID PageID, changes func(PageRecord) map[string]any) (Page, error) {
	if s.db == nil {
		return Page{}, newServiceError(operation, reasonMissingDB, errMissingDatabase)
	}
	if pageID == "" {
		return Page{}, newServiceError(operation, reasonInvalidRequest, ErrInvalidPageID)
	}

	var refreshed PageRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.takePage(tx, operation, pageID)
		if err != nil {
			return err
		}
		updates := changes(current)
		updates["updated_at_ms"] = s.clock().UTC().UnixMilli()
		if err := tx.Model(&PageRecord{}).Where("page_id = ?", pageID.String()).Updates(updates).Error; err != nil {
			s.logError(operation, "update_failed", err, zap.String("page_id", pageID.String()))
			return newServiceError(operation, "update_failed", err)
		}
		refreshed, err = s.takePage(tx, operation, pageID)
		return err
	})
	if err != nil {
		return Page{}, err
	}
	return s.decodePage(operation, refreshed)
}

func (s *Service) takePage(db *gorm.DB, operation string, pageID PageID) (PageRecord, error) {
	var record PageRecord
	err := db.Where("page_id = ?", pageID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PageRecord{}, newServiceError(operation, reasonPageNotFound, ErrPageNotFound)
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String("page_id", pageID.String()))
		return PageRecord{}, newServiceError(operation, reasonQueryFailed, err)
	}
	return record, nil
}

func (s *Service) decodePage(operation string, record PageRecord) (Page, error) {
	page, err := record.toPage()
	if err != nil {
		s.logError(operation, reasonDecodeFailed, err, zap.String("page_id", record.PageID))
		return Page{}, newServiceError(operation, reasonDecodeFailed, err)
	}
	return page, nil
}

func validateOperation(operation blocks.Operation) error {
	if operation.BlockID == "" {
		return fmt.Errorf("%w: empty block id", ErrInvalidOperation)
	}
	switch operation.Kind {
	case blocks.OperationCreate, blocks.OperationUpdate:
		if !sonic.Valid(operation.Content) {
			return fmt.Errorf("%w: block %s content is not json", ErrInvalidOperation, operation.BlockID)
		}
		return nil
	case blocks.OperationDelete:
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, operation.Kind)
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("pages service error", attrs...)
}
