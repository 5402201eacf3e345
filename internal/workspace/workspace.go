// Package workspace drives one editor session: page lifecycle, the open page, and its autosave.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/blocknotes/internal/autosave"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/blocks"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/directory"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/pages"
	"go.uber.org/zap"
)

const defaultSaveTimeout = 30 * time.Second

var (
	// ErrNoOpenPage is returned by editing calls made while no page is open.
	ErrNoOpenPage = errors.New("workspace: no page is open")
	// ErrNotOwner is returned when the page belongs to another user.
	ErrNotOwner = errors.New("workspace: page is owned by another user")
	// ErrSignedOut is returned by every call after SignOut.
	ErrSignedOut = errors.New("workspace: session signed out")

	errMissingUser  = errors.New("workspace: user id is required")
	errMissingStore = errors.New("workspace: page store is required")
	errMissingSaver = errors.New("workspace: saver is required")
	noOpLogger      = zap.NewNop()
)

// Store is the page store a workspace operates on.
type Store interface {
	autosave.Store
	directory.Source
	CreatePage(ctx context.Context, ownerID pages.UserID, title string) (pages.Page, error)
	GetPage(ctx context.Context, pageID pages.PageID) (pages.Page, error)
	DeletePageCascade(ctx context.Context, pageID pages.PageID) error
	ToggleVisibility(ctx context.Context, pageID pages.PageID) (pages.Page, error)
	RenamePage(ctx context.Context, pageID pages.PageID, title string) (pages.Page, error)
}

// Notice is a user-visible, non-blocking notification.
type Notice struct {
	Level   string `json:"level"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	NoticeLevelInfo  = "info"
	NoticeLevelError = "error"
)

// Config wires a Workspace. Callbacks are optional and may run on timer goroutines.
type Config struct {
	UserID         pages.UserID
	Store          Store
	Saver          *autosave.Saver
	Directory      *directory.Directory
	AutosaveDelay  time.Duration
	Timer          autosave.TimerFunc
	SaveTimeout    time.Duration
	Logger         *zap.Logger
	OnSaved        func(autosave.Result)
	OnNotice       func(Notice)
	OnPagesChanged func([]pages.PageID)
}

// Workspace is the server-side counterpart of one connected editor.
type Workspace struct {
	userID         pages.UserID
	store          Store
	saver          *autosave.Saver
	directory      *directory.Directory
	autosaveDelay  time.Duration
	timer          autosave.TimerFunc
	saveTimeout    time.Duration
	logger         *zap.Logger
	onSaved        func(autosave.Result)
	onNotice       func(Notice)
	onPagesChanged func([]pages.PageID)

	mu         sync.Mutex
	openPageID pages.PageID
	scheduler  *autosave.Scheduler
	signedOut  bool

	savesMu     sync.Mutex
	savesIdle   *sync.Cond
	savesActive int
}

func New(cfg Config) (*Workspace, error) {
	if cfg.UserID == "" {
		return nil, errMissingUser
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Saver == nil {
		return nil, errMissingSaver
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	cache := cfg.Directory
	if cache == nil {
		created, err := directory.New(directory.Config{Source: cfg.Store, Logger: logger})
		if err != nil {
			return nil, err
		}
		cache = created
	}
	saveTimeout := cfg.SaveTimeout
	if saveTimeout <= 0 {
		saveTimeout = defaultSaveTimeout
	}
	workspace := &Workspace{
		userID:         cfg.UserID,
		store:          cfg.Store,
		saver:          cfg.Saver,
		directory:      cache,
		autosaveDelay:  cfg.AutosaveDelay,
		timer:          cfg.Timer,
		saveTimeout:    saveTimeout,
		logger:         logger.With(zap.String("user_id", cfg.UserID.String())),
		onSaved:        cfg.OnSaved,
		onNotice:       cfg.OnNotice,
		onPagesChanged: cfg.OnPagesChanged,
	}
	workspace.savesIdle = sync.NewCond(&workspace.savesMu)
	return workspace, nil
}

// Directory exposes the session's cache.
func (w *Workspace) Directory() *directory.Directory {
	return w.directory
}

// UserID returns the signed-in owner.
func (w *Workspace) UserID() pages.UserID {
	return w.userID
}

// OpenPageID returns the page being edited, or "".
func (w *Workspace) OpenPageID() pages.PageID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.openPageID
}

// Load refreshes the cache with the user's pages and blocks.
func (w *Workspace) Load(ctx context.Context) error {
	if err := w.ensureActive(); err != nil {
		return err
	}
	return w.directory.Load(ctx, w.userID)
}

// OpenPage makes pageID the editing target and arms a fresh autosave scheduler for it.
// A pending save for the previously open page is cancelled.
func (w *Workspace) OpenPage(ctx context.Context, pageID pages.PageID) (pages.Page, blocks.Mapping, error) {
	if err := w.ensureActive(); err != nil {
		return pages.Page{}, nil, err
	}
	if w.directory.Page(pageID) == nil {
		if err := w.directory.Load(ctx, w.userID); err != nil {
			return pages.Page{}, nil, err
		}
	}

	page := w.directory.SetCurrentPage(pageID)
	if page == nil {
		return pages.Page{}, nil, fmt.Errorf("workspace: open page %s: %w", pageID, pages.ErrPageNotFound)
	}
	collection := w.directory.SetCurrentBlocks(pageID)
	if collection == nil {
		w.directory.ReplacePageBlocks(pageID, blocks.Mapping{})
		collection = w.directory.SetCurrentBlocks(pageID)
	}

	scheduler, err := autosave.NewScheduler(autosave.SchedulerConfig{
		Delay: w.autosaveDelay,
		Timer: w.timer,
		Save:  func() { w.flush(pageID) },
	})
	if err != nil {
		return pages.Page{}, nil, err
	}

	w.mu.Lock()
	previous := w.scheduler
	w.scheduler = scheduler
	w.openPageID = pageID
	w.mu.Unlock()
	if previous != nil {
		previous.Close()
	}
	return *page, collection.Blocks, nil
}

// Edit installs local as the open page's full block mapping and restarts the autosave window.
func (w *Workspace) Edit(local blocks.Mapping) error {
	w.mu.Lock()
	if w.signedOut {
		w.mu.Unlock()
		return ErrSignedOut
	}
	pageID := w.openPageID
	scheduler := w.scheduler
	w.mu.Unlock()
	if pageID == "" || scheduler == nil {
		return ErrNoOpenPage
	}

	w.directory.ReplacePageBlocks(pageID, local)
	scheduler.OnEditorChange()
	return nil
}

// ClosePage cancels the pending autosave and clears the selection. In-flight saves finish on their own.
func (w *Workspace) ClosePage() {
	w.mu.Lock()
	scheduler := w.scheduler
	w.scheduler = nil
	w.openPageID = ""
	w.mu.Unlock()
	if scheduler != nil {
		scheduler.Close()
	}
	w.directory.SetCurrentPage("")
	w.directory.SetCurrentBlocks("")
}

// CreatePage persists a new private page, adds it to the cache and opens it.
func (w *Workspace) CreatePage(ctx context.Context, title string) (pages.Page, error) {
	if err := w.ensureActive(); err != nil {
		return pages.Page{}, err
	}
	page, err := w.store.CreatePage(ctx, w.userID, title)
	if err != nil {
		w.fail("create_failed", "The page could not be created.", err)
		return pages.Page{}, err
	}

	w.directory.ReplacePages(append(w.directory.Pages(), page))
	w.directory.ReplacePageBlocks(page.ID, blocks.Mapping{})
	if _, _, err := w.OpenPage(ctx, page.ID); err != nil {
		return page, err
	}
	w.pagesChanged(page.ID)
	return page, nil
}

// DeletePage removes the page and its blocks from the store and the cache.
func (w *Workspace) DeletePage(ctx context.Context, pageID pages.PageID) error {
	if err := w.ensureActive(); err != nil {
		return err
	}
	if _, err := w.ownedPage(ctx, pageID); err != nil {
		return err
	}
	if err := w.store.DeletePageCascade(ctx, pageID); err != nil {
		w.fail("delete_failed", "The page could not be deleted.", err)
		return err
	}

	if w.OpenPageID() == pageID {
		w.ClosePage()
	}
	remainingPages := make([]pages.Page, 0)
	for _, page := range w.directory.Pages() {
		if page.ID != pageID {
			remainingPages = append(remainingPages, page)
		}
	}
	remainingBlocks := make([]pages.PageBlocks, 0)
	for _, collection := range w.directory.Blocks() {
		if collection.PageID != pageID {
			remainingBlocks = append(remainingBlocks, collection)
		}
	}
	w.directory.ReplacePages(remainingPages)
	w.directory.ReplaceBlocks(remainingBlocks)
	w.pagesChanged(pageID)
	return nil
}

// ToggleVisibility flips the page between private and public and patches the cache entry.
func (w *Workspace) ToggleVisibility(ctx context.Context, pageID pages.PageID) (pages.Page, error) {
	if err := w.ensureActive(); err != nil {
		return pages.Page{}, err
	}
	if _, err := w.ownedPage(ctx, pageID); err != nil {
		return pages.Page{}, err
	}
	refreshed, err := w.store.ToggleVisibility(ctx, pageID)
	if err != nil {
		w.fail("toggle_failed", "The page visibility could not be changed.", err)
		return pages.Page{}, err
	}
	w.replaceCachedPage(refreshed)
	w.pagesChanged(pageID)
	return refreshed, nil
}

// RenameTitle updates the open page's title in the cache only. CommitTitle persists it.
func (w *Workspace) RenameTitle(rawTitle string) error {
	if err := w.ensureActive(); err != nil {
		return err
	}
	pageID := w.OpenPageID()
	if pageID == "" {
		return ErrNoOpenPage
	}
	title, err := pages.NormalizeTitle(rawTitle)
	if err != nil {
		return err
	}
	page := w.directory.Page(pageID)
	if page == nil {
		return fmt.Errorf("workspace: rename page %s: %w", pageID, pages.ErrPageNotFound)
	}
	page.Title = title
	w.replaceCachedPage(*page)
	return nil
}

// CommitTitle persists the open page's cached title. On failure the cache keeps the
// optimistic title and the user is notified.
func (w *Workspace) CommitTitle(ctx context.Context) (pages.Page, error) {
	if err := w.ensureActive(); err != nil {
		return pages.Page{}, err
	}
	pageID := w.OpenPageID()
	if pageID == "" {
		return pages.Page{}, ErrNoOpenPage
	}
	page := w.directory.Page(pageID)
	if page == nil {
		return pages.Page{}, fmt.Errorf("workspace: commit title %s: %w", pageID, pages.ErrPageNotFound)
	}
	return w.Rename(ctx, pageID, page.Title)
}

// Rename persists a title for any owned page and patches the cache entry.
func (w *Workspace) Rename(ctx context.Context, pageID pages.PageID, title string) (pages.Page, error) {
	if err := w.ensureActive(); err != nil {
		return pages.Page{}, err
	}
	if _, err := w.ownedPage(ctx, pageID); err != nil {
		return pages.Page{}, err
	}
	refreshed, err := w.store.RenamePage(ctx, pageID, title)
	if err != nil {
		w.fail("rename_failed", "The title could not be saved.", err)
		return pages.Page{}, err
	}
	w.replaceCachedPage(refreshed)
	w.pagesChanged(pageID)
	return refreshed, nil
}

// SaveNow runs a save cycle for an owned page immediately, bypassing the debounce window.
func (w *Workspace) SaveNow(ctx context.Context, pageID pages.PageID, local blocks.Mapping) (autosave.Result, error) {
	if err := w.ensureActive(); err != nil {
		return autosave.Result{}, err
	}
	if _, err := w.ownedPage(ctx, pageID); err != nil {
		return autosave.Result{}, err
	}
	w.directory.ReplacePageBlocks(pageID, local)
	result, err := w.saver.Save(ctx, pageID, local)
	if err != nil {
		return result, err
	}
	if result.Committed() {
		w.pagesChanged(pageID)
	}
	return result, nil
}

// SignOut cancels any pending save and empties the cache. The workspace is unusable afterwards.
func (w *Workspace) SignOut() {
	w.ClosePage()
	w.mu.Lock()
	w.signedOut = true
	w.mu.Unlock()
	w.directory.Clear()
}

// Close tears the session down: the pending save is cancelled, the cache is kept.
func (w *Workspace) Close() {
	w.ClosePage()
}

// Wait blocks until every save cycle started by the scheduler has finished.
// It may be called from any goroutine, concurrently with saves starting.
func (w *Workspace) Wait() {
	w.savesMu.Lock()
	defer w.savesMu.Unlock()
	for w.savesActive > 0 {
		w.savesIdle.Wait()
	}
}

func (w *Workspace) beginSave() func() {
	w.savesMu.Lock()
	w.savesActive++
	w.savesMu.Unlock()
	return func() {
		w.savesMu.Lock()
		w.savesActive--
		if w.savesActive == 0 {
			w.savesIdle.Broadcast()
		}
		w.savesMu.Unlock()
	}
}

// flush saves the page's cached blocks as they are once the saver holds the page lock.
func (w *Workspace) flush(pageID pages.PageID) {
	defer w.beginSave()()

	ctx, cancel := context.WithTimeout(context.Background(), w.saveTimeout)
	defer cancel()

	result, err := w.saver.SaveSnapshot(ctx, pageID, func() (blocks.Mapping, bool) {
		collection := w.directory.PageBlocks(pageID)
		if collection == nil {
			return nil, false
		}
		return collection.Blocks, true
	})
	if result.Attempts == 0 && err == nil {
		return
	}
	if err != nil {
		if errors.Is(err, pages.ErrPageNotFound) {
			w.fail("page_not_found", "This page was deleted elsewhere. Your latest changes were not saved.", err)
			return
		}
		w.fail("save_failed", "Your latest changes could not be saved.", err)
		return
	}
	if w.onSaved != nil {
		w.onSaved(result)
	}
	if result.Committed() {
		w.pagesChanged(pageID)
	}
}

func (w *Workspace) ownedPage(ctx context.Context, pageID pages.PageID) (pages.Page, error) {
	page, err := w.store.GetPage(ctx, pageID)
	if err != nil {
		return pages.Page{}, err
	}
	if !page.OwnedBy(w.userID) {
		return pages.Page{}, fmt.Errorf("%w: %s", ErrNotOwner, pageID)
	}
	return page, nil
}

func (w *Workspace) replaceCachedPage(updated pages.Page) {
	current := w.directory.Pages()
	for index := range current {
		if current[index].ID == updated.ID {
			current[index] = updated
		}
	}
	w.directory.ReplacePages(current)
}

func (w *Workspace) ensureActive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.signedOut {
		return ErrSignedOut
	}
	return nil
}

func (w *Workspace) fail(code, message string, err error) {
	w.logger.Error("workspace operation failed",
		zap.String("reason", code),
		zap.Error(err))
	if w.onNotice != nil {
		w.onNotice(Notice{Level: NoticeLevelError, Code: code, Message: message})
	}
}

func (w *Workspace) pagesChanged(pageIDs ...pages.PageID) {
	if w.onPagesChanged != nil {
		w.onPagesChanged(pageIDs)
	}
}
