package pages

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/blocknotes/internal/blocks"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

func newTestService(t *testing.T, ids ...string) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:blocknotes_pages_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&PageRecord{}, &BlockRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &steppingClock{current: time.Unix(1700000000, 0).UTC()}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &staticIDGenerator{ids: ids},
	})
	if err != nil {
		t.Fatalf("failed to construct pages service: %v", err)
	}
	return service, db
}

func mustContent(t *testing.T, raw string) blocks.Content {
	t.Helper()
	content, err := blocks.NewContent([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected content error: %v", err)
	}
	return content
}

func requireServiceCode(t *testing.T, err error, expected string) {
	t.Helper()
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if serviceErr.Code() != expected {
		t.Fatalf("expected code %q, got %q", expected, serviceErr.Code())
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{IDProvider: NewUUIDProvider()}); err == nil {
		t.Fatalf("expected missing database error")
	} else {
		requireServiceCode(t, err, "pages.service.new.missing_database")
	}

	_, db := newTestService(t)
	if _, err := NewService(ServiceConfig{Database: db}); err == nil {
		t.Fatalf("expected missing id provider error")
	} else {
		requireServiceCode(t, err, "pages.service.new.missing_id_provider")
	}
}

func TestCreatePageAppliesDefaults(t *testing.T) {
	service, _ := newTestService(t, "page-1")

	page, err := service.CreatePage(context.Background(), UserID("user-1"), "   ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.ID != "page-1" {
		t.Fatalf("expected page-1, got %s", page.ID)
	}
	if page.Title != DefaultTitle {
		t.Fatalf("expected default title, got %q", page.Title)
	}
	if page.Public {
		t.Fatalf("new pages must be private")
	}
	if page.SharedWith == nil || len(page.SharedWith) != 0 {
		t.Fatalf("expected empty collaborator list, got %#v", page.SharedWith)
	}
	if !page.OwnedBy("user-1") {
		t.Fatalf("expected page to be owned by user-1")
	}
	if !page.CreatedAt.Equal(page.UpdatedAt) {
		t.Fatalf("expected matching timestamps, got %v and %v", page.CreatedAt, page.UpdatedAt)
	}

	stored, err := service.GetPage(context.Background(), page.ID)
	if err != nil {
		t.Fatalf("failed to load page: %v", err)
	}
	if stored.Title != DefaultTitle || stored.OwnerID != "user-1" {
		t.Fatalf("unexpected stored page: %#v", stored)
	}
}

func TestGetPageReportsNotFound(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.GetPage(context.Background(), PageID("missing"))
	if !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("expected ErrPageNotFound, got %v", err)
	}
	requireServiceCode(t, err, "pages.get_page.page_not_found")
}

func TestQueryPagesByOwnerOrdersByRecentUpdate(t *testing.T) {
	service, _ := newTestService(t, "page-a", "page-b", "page-c")
	ctx := context.Background()

	for _, title := range []string{"A", "B"} {
		if _, err := service.CreatePage(ctx, "user-1", title); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	if _, err := service.CreatePage(ctx, "user-2", "C"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := service.RenamePage(ctx, "page-a", "A renamed"); err != nil {
		t.Fatalf("rename failed: %v", err)
	}

	owned, err := service.QueryPagesByOwner(ctx, "user-1")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(owned) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(owned))
	}
	if owned[0].ID != "page-a" || owned[1].ID != "page-b" {
		t.Fatalf("unexpected order: %s, %s", owned[0].ID, owned[1].ID)
	}
	if owned[0].Title != "A renamed" {
		t.Fatalf("expected renamed title, got %q", owned[0].Title)
	}
}

func TestCommitBatchAppliesOperationsAtomically(t *testing.T) {
	service, _ := newTestService(t, "page-1")
	ctx := context.Background()

	page, err := service.CreatePage(ctx, "user-1", "Notes")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	initial := []blocks.Operation{
		{Kind: blocks.OperationCreate, BlockID: "a", Content: mustContent(t, `{"text":"x"}`)},
		{Kind: blocks.OperationCreate, BlockID: "b", Content: mustContent(t, `{"text":"y"}`)},
	}
	if err := service.CommitBatch(ctx, page.ID, initial); err != nil {
		t.Fatalf("initial commit failed: %v", err)
	}

	stored, err := service.ListBlocks(ctx, page.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	local := blocks.Mapping{
		"a": mustContent(t, `{"text":"x!"}`),
		"c": mustContent(t, `{"text":"z"}`),
	}
	operations := blocks.Reconcile(stored, local)
	if err := service.CommitBatch(ctx, page.ID, operations); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	reloaded, err := service.ListBlocks(ctx, page.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !reloaded.Equal(local) {
		t.Fatalf("expected remote to equal local, got %v", reloaded)
	}

	touched, err := service.GetPage(ctx, page.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !touched.UpdatedAt.After(page.UpdatedAt) {
		t.Fatalf("expected updated_at to advance")
	}
}

func TestCommitBatchRejectsMissingPage(t *testing.T) {
	service, db := newTestService(t)

	err := service.CommitBatch(context.Background(), PageID("ghost"), []blocks.Operation{
		{Kind: blocks.OperationCreate, BlockID: "a", Content: mustContent(t, `1`)},
	})
	if !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("expected ErrPageNotFound, got %v", err)
	}

	var count int64
	if err := db.Model(&BlockRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no orphan blocks, got %d", count)
	}
}

func TestCommitBatchRejectsInvalidOperation(t *testing.T) {
	service, _ := newTestService(t, "page-1")
	page, err := service.CreatePage(context.Background(), "user-1", "Notes")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	err = service.CommitBatch(context.Background(), page.ID, []blocks.Operation{
		{Kind: blocks.OperationKind("upsert"), BlockID: "a", Content: mustContent(t, `1`)},
	})
	if !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
}

func TestDeletePageCascadeRemovesBlocks(t *testing.T) {
	service, db := newTestService(t, "page-1", "page-2")
	ctx := context.Background()

	doomed, _ := service.CreatePage(ctx, "user-1", "Doomed")
	kept, _ := service.CreatePage(ctx, "user-1", "Kept")
	for _, pageID := range []PageID{doomed.ID, kept.ID} {
		err := service.CommitBatch(ctx, pageID, []blocks.Operation{
			{Kind: blocks.OperationCreate, BlockID: "a", Content: mustContent(t, `"hello"`)},
		})
		if err != nil {
			t.Fatalf("commit failed: %v", err)
		}
	}

	if err := service.DeletePageCascade(ctx, doomed.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := service.GetPage(ctx, doomed.ID); !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("expected deleted page to be gone, got %v", err)
	}
	var orphaned int64
	if err := db.Model(&BlockRecord{}).Where("page_id = ?", doomed.ID.String()).Count(&orphaned).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if orphaned != 0 {
		t.Fatalf("expected cascade to remove blocks, found %d", orphaned)
	}
	remaining, err := service.ListBlocks(ctx, kept.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected untouched page to keep its block, got %d", len(remaining))
	}

	if err := service.DeletePageCascade(ctx, doomed.ID); !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("expected second delete to report not found, got %v", err)
	}
}

func TestToggleVisibilityFlipsAndReturnsRefreshedPage(t *testing.T) {
	service, _ := newTestService(t, "page-1")
	ctx := context.Background()

	page, _ := service.CreatePage(ctx, "user-1", "Notes")

	public, err := service.ToggleVisibility(ctx, page.ID)
	if err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	if !public.Public {
		t.Fatalf("expected page to become public")
	}
	if !public.UpdatedAt.After(page.UpdatedAt) {
		t.Fatalf("expected updated_at to advance")
	}

	private, err := service.ToggleVisibility(ctx, page.ID)
	if err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	if private.Public {
		t.Fatalf("expected page to become private again")
	}

	if _, err := service.ToggleVisibility(ctx, "ghost"); !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListBlocksReturnsEmptyMappingForNewPage(t *testing.T) {
	service, _ := newTestService(t, "page-1")
	page, _ := service.CreatePage(context.Background(), "user-1", "Empty")

	mapping, err := service.ListBlocks(context.Background(), page.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if mapping == nil || len(mapping) != 0 {
		t.Fatalf("expected empty mapping, got %#v", mapping)
	}
}
