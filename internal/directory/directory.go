// Package directory holds one editor session's view of the signed-in user's pages and their blocks.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/blocknotes/internal/blocks"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/pages"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultFetchConcurrency = 8

var (
	errMissingSource = errors.New("directory: page source is required")
	noOpLogger       = zap.NewNop()
)

// Source is the read side of the remote store.
type Source interface {
	QueryPagesByOwner(ctx context.Context, ownerID pages.UserID) ([]pages.Page, error)
	ListBlocks(ctx context.Context, pageID pages.PageID) (blocks.Mapping, error)
}

// Snapshot is an immutable copy of the cache handed to subscribers.
type Snapshot struct {
	Pages         []pages.Page
	Blocks        []pages.PageBlocks
	CurrentPage   *pages.Page
	CurrentBlocks *pages.PageBlocks
	Loading       bool
}

// Config wires a Directory.
type Config struct {
	Source           Source
	Logger           *zap.Logger
	FetchConcurrency int
}

// Directory caches pages and block collections. Every mutation replaces a whole slice and
// then notifies subscribers; readers only ever receive copies.
type Directory struct {
	source           Source
	logger           *zap.Logger
	fetchConcurrency int

	mu              sync.RWMutex
	pages           []pages.Page
	blocks          []pages.PageBlocks
	currentPageID   pages.PageID
	currentBlocksID pages.PageID
	loading         bool

	subscribersMu sync.Mutex
	subscribers   map[int]func(Snapshot)
	nextID        int
}

func New(cfg Config) (*Directory, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	concurrency := cfg.FetchConcurrency
	if concurrency <= 0 {
		concurrency = defaultFetchConcurrency
	}
	return &Directory{
		source:           cfg.Source,
		logger:           logger,
		fetchConcurrency: concurrency,
		pages:            []pages.Page{},
		blocks:           []pages.PageBlocks{},
		subscribers:      make(map[int]func(Snapshot)),
	}, nil
}

// Load fetches every page owned by ownerID together with its blocks and replaces the cache.
// The loading flag is raised for the duration and cleared on success and failure alike.
// A failed load leaves the previous contents in place.
func (d *Directory) Load(ctx context.Context, ownerID pages.UserID) error {
	d.setLoading(true)
	defer d.setLoading(false)

	owned, err := d.source.QueryPagesByOwner(ctx, ownerID)
	if err != nil {
		d.logger.Error("directory load failed",
			zap.String("reason", "query_pages_failed"),
			zap.String("owner_id", ownerID.String()),
			zap.Error(err))
		return fmt.Errorf("directory: query pages: %w", err)
	}

	collections := make([]pages.PageBlocks, len(owned))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.fetchConcurrency)
	for index, page := range owned {
		group.Go(func() error {
			mapping, err := d.source.ListBlocks(groupCtx, page.ID)
			if err != nil {
				return fmt.Errorf("list blocks for page %s: %w", page.ID, err)
			}
			collections[index] = pages.PageBlocks{PageID: page.ID, Blocks: mapping}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		d.logger.Error("directory load failed",
			zap.String("reason", "list_blocks_failed"),
			zap.String("owner_id", ownerID.String()),
			zap.Error(err))
		return fmt.Errorf("directory: %w", err)
	}

	d.mu.Lock()
	d.pages = dedupePages(owned)
	d.blocks = dedupeBlocks(collections)
	d.mu.Unlock()
	d.notify()
	return nil
}

// SetCurrentPage selects the active page. It returns nil and clears the selection when id is unknown.
func (d *Directory) SetCurrentPage(pageID pages.PageID) *pages.Page {
	d.mu.Lock()
	page := findPage(d.pages, pageID)
	if page == nil {
		d.currentPageID = ""
	} else {
		d.currentPageID = pageID
	}
	d.mu.Unlock()
	d.notify()
	return page
}

// SetCurrentBlocks selects the active block collection. It returns nil and clears the selection when id is unknown.
func (d *Directory) SetCurrentBlocks(pageID pages.PageID) *pages.PageBlocks {
	d.mu.Lock()
	collection := findBlocks(d.blocks, pageID)
	if collection == nil {
		d.currentBlocksID = ""
	} else {
		d.currentBlocksID = pageID
	}
	d.mu.Unlock()
	d.notify()
	return collection
}

// ReplacePages swaps the page list wholesale. Duplicate ids keep the last entry.
func (d *Directory) ReplacePages(replacement []pages.Page) {
	d.mu.Lock()
	d.pages = dedupePages(replacement)
	d.mu.Unlock()
	d.notify()
}

// ReplaceBlocks swaps the block collections wholesale. Duplicate page ids keep the last entry.
func (d *Directory) ReplaceBlocks(replacement []pages.PageBlocks) {
	d.mu.Lock()
	d.blocks = dedupeBlocks(replacement)
	d.mu.Unlock()
	d.notify()
}

// ReplacePageBlocks installs mapping as the complete collection for one page.
func (d *Directory) ReplacePageBlocks(pageID pages.PageID, mapping blocks.Mapping) {
	d.mu.Lock()
	next := make([]pages.PageBlocks, 0, len(d.blocks)+1)
	replaced := false
	for _, collection := range d.blocks {
		if collection.PageID == pageID {
			next = append(next, pages.PageBlocks{PageID: pageID, Blocks: mapping.Clone()})
			replaced = true
			continue
		}
		next = append(next, collection)
	}
	if !replaced {
		next = append(next, pages.PageBlocks{PageID: pageID, Blocks: mapping.Clone()})
	}
	d.blocks = next
	d.mu.Unlock()
	d.notify()
}

// Clear empties the cache and drops the selection.
func (d *Directory) Clear() {
	d.mu.Lock()
	d.pages = []pages.Page{}
	d.blocks = []pages.PageBlocks{}
	d.currentPageID = ""
	d.currentBlocksID = ""
	d.mu.Unlock()
	d.notify()
}

func (d *Directory) Pages() []pages.Page {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return clonePages(d.pages)
}

func (d *Directory) Blocks() []pages.PageBlocks {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return cloneBlocks(d.blocks)
}

// Page returns the cached page or nil.
func (d *Directory) Page(pageID pages.PageID) *pages.Page {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return findPage(d.pages, pageID)
}

// PageBlocks returns the cached collection or nil.
func (d *Directory) PageBlocks(pageID pages.PageID) *pages.PageBlocks {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return findBlocks(d.blocks, pageID)
}

func (d *Directory) CurrentPage() *pages.Page {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.currentPageID == "" {
		return nil
	}
	return findPage(d.pages, d.currentPageID)
}

func (d *Directory) CurrentBlocks() *pages.PageBlocks {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.currentBlocksID == "" {
		return nil
	}
	return findBlocks(d.blocks, d.currentBlocksID)
}

func (d *Directory) Loading() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loading
}

// Snapshot copies the entire cache state.
func (d *Directory) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotLocked()
}

// Subscribe registers listener for every mutation and returns a function that removes it.
// Listeners run synchronously on the mutating goroutine and must not call back into mutators.
func (d *Directory) Subscribe(listener func(Snapshot)) func() {
	d.subscribersMu.Lock()
	id := d.nextID
	d.nextID++
	d.subscribers[id] = listener
	d.subscribersMu.Unlock()

	return func() {
		d.subscribersMu.Lock()
		delete(d.subscribers, id)
		d.subscribersMu.Unlock()
	}
}

func (d *Directory) setLoading(loading bool) {
	d.mu.Lock()
	d.loading = loading
	d.mu.Unlock()
	d.notify()
}

func (d *Directory) notify() {
	d.subscribersMu.Lock()
	listeners := make([]func(Snapshot), 0, len(d.subscribers))
	for _, listener := range d.subscribers {
		listeners = append(listeners, listener)
	}
	d.subscribersMu.Unlock()
	if len(listeners) == 0 {
		return
	}

	snapshot := d.Snapshot()
	for _, listener := range listeners {
		listener(snapshot)
	}
}

func (d *Directory) snapshotLocked() Snapshot {
	snapshot := Snapshot{
		Pages:   clonePages(d.pages),
		Blocks:  cloneBlocks(d.blocks),
		Loading: d.loading,
	}
	if d.currentPageID != "" {
		snapshot.CurrentPage = findPage(d.pages, d.currentPageID)
	}
	if d.currentBlocksID != "" {
		snapshot.CurrentBlocks = findBlocks(d.blocks, d.currentBlocksID)
	}
	return snapshot
}

func findPage(list []pages.Page, pageID pages.PageID) *pages.Page {
	for _, page := range list {
		if page.ID == pageID {
			cloned := page.Clone()
			return &cloned
		}
	}
	return nil
}

func findBlocks(list []pages.PageBlocks, pageID pages.PageID) *pages.PageBlocks {
	for _, collection := range list {
		if collection.PageID == pageID {
			cloned := collection.Clone()
			return &cloned
		}
	}
	return nil
}

func dedupePages(list []pages.Page) []pages.Page {
	positions := make(map[pages.PageID]int, len(list))
	result := make([]pages.Page, 0, len(list))
	for _, page := range list {
		if position, seen := positions[page.ID]; seen {
			result[position] = page.Clone()
			continue
		}
		positions[page.ID] = len(result)
		result = append(result, page.Clone())
	}
	return result
}

func dedupeBlocks(list []pages.PageBlocks) []pages.PageBlocks {
	positions := make(map[pages.PageID]int, len(list))
	result := make([]pages.PageBlocks, 0, len(list))
	for _, collection := range list {
		if position, seen := positions[collection.PageID]; seen {
			result[position] = collection.Clone()
			continue
		}
		positions[collection.PageID] = len(result)
		result = append(result, collection.Clone())
	}
	return result
}

func clonePages(list []pages.Page) []pages.Page {
	result := make([]pages.Page, len(list))
	for index, page := range list {
		result[index] = page.Clone()
	}
	return result
}

func cloneBlocks(list []pages.PageBlocks) []pages.PageBlocks {
	result := make([]pages.PageBlocks, len(list))
	for index, collection := range list {
		result[index] = collection.Clone()
	}
	return result
}
