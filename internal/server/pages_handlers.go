package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/MarcoPoloResearchLab/blocknotes/internal/blocks"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/directory"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/pages"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/users"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/workspace"
	"github.com/gin-gonic/gin"
)

type titleRequestPayload struct {
	Title string `json:"title"`
}

type blocksRequestPayload struct {
	Blocks blocks.Mapping `json:"blocks"`
}

type pageListPayload struct {
	Pages []pages.Page `json:"pages"`
}

type pageWithBlocksPayload struct {
	Page   pages.Page     `json:"page"`
	Blocks blocks.Mapping `json:"blocks"`
}

type operationCountsPayload struct {
	Creates int `json:"creates"`
	Updates int `json:"updates"`
	Deletes int `json:"deletes"`
}

type saveResultPayload struct {
	PageID     pages.PageID           `json:"page_id"`
	Operations []blocks.Operation     `json:"operations"`
	Counts     operationCountsPayload `json:"counts"`
	Attempts   int                    `json:"attempts"`
}

type dashboardPayload struct {
	User   users.User         `json:"user"`
	Pages  []pages.Page       `json:"pages"`
	Blocks []pages.PageBlocks `json:"blocks"`
}

// requestWorkspace builds a short-lived workspace for one API call. Its cache starts
// empty; changes are announced to the user's other sessions.
func (h *httpHandler) requestWorkspace(user *users.User) (*workspace.Workspace, error) {
	return workspace.New(workspace.Config{
		UserID:        pages.UserID(user.ID),
		Store:         h.pagesService,
		Saver:         h.saver,
		AutosaveDelay: h.autosaveDelay,
		Logger:        h.logger,
		OnPagesChanged: func(pageIDs []pages.PageID) {
			h.publishPagesChanged(user.ID, realtimeSourceAPI, pageIDs)
		},
	})
}

func (h *httpHandler) handleListPages(c *gin.Context) {
	user := currentUser(c)
	ctx, cancel := h.requestContext(c)
	defer cancel()

	list, err := h.pagesService.QueryPagesByOwner(ctx, pages.UserID(user.ID))
	if err != nil {
		h.respondPageError(c, "list_pages", err)
		return
	}
	respondData(c, http.StatusOK, pageListPayload{Pages: list})
}

func (h *httpHandler) handleCreatePage(c *gin.Context) {
	var request titleRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			respondError(c, http.StatusBadRequest, "invalid_request")
			return
		}
	}
	ws, err := h.requestWorkspace(currentUser(c))
	if err != nil {
		h.respondPageError(c, "create_page", err)
		return
	}
	defer ws.Close()

	ctx, cancel := h.requestContext(c)
	defer cancel()
	page, err := ws.CreatePage(ctx, request.Title)
	if err != nil {
		h.respondPageError(c, "create_page", err)
		return
	}
	respondData(c, http.StatusCreated, page)
}

func (h *httpHandler) handleDeletePage(c *gin.Context) {
	pageID, ok := pageIDParam(c)
	if !ok {
		return
	}
	ws, err := h.requestWorkspace(currentUser(c))
	if err != nil {
		h.respondPageError(c, "delete_page", err)
		return
	}
	defer ws.Close()

	ctx, cancel := h.requestContext(c)
	defer cancel()
	if err := ws.DeletePage(ctx, pageID); err != nil {
		h.respondPageError(c, "delete_page", err)
		return
	}
	respondData(c, http.StatusOK, gin.H{"page_id": pageID})
}

func (h *httpHandler) handleToggleVisibility(c *gin.Context) {
	pageID, ok := pageIDParam(c)
	if !ok {
		return
	}
	ws, err := h.requestWorkspace(currentUser(c))
	if err != nil {
		h.respondPageError(c, "toggle_visibility", err)
		return
	}
	defer ws.Close()

	ctx, cancel := h.requestContext(c)
	defer cancel()
	page, err := ws.ToggleVisibility(ctx, pageID)
	if err != nil {
		h.respondPageError(c, "toggle_visibility", err)
		return
	}
	respondData(c, http.StatusOK, page)
}

func (h *httpHandler) handleRenamePage(c *gin.Context) {
	pageID, ok := pageIDParam(c)
	if !ok {
		return
	}
	var request titleRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	ws, err := h.requestWorkspace(currentUser(c))
	if err != nil {
		h.respondPageError(c, "rename_page", err)
		return
	}
	defer ws.Close()

	ctx, cancel := h.requestContext(c)
	defer cancel()
	page, err := ws.Rename(ctx, pageID, request.Title)
	if err != nil {
		h.respondPageError(c, "rename_page", err)
		return
	}
	respondData(c, http.StatusOK, page)
}

func (h *httpHandler) handleGetBlocks(c *gin.Context) {
	pageID, ok := pageIDParam(c)
	if !ok {
		return
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()

	payload, err := h.ownedPageWithBlocks(ctx, pages.UserID(currentUser(c).ID), pageID)
	if err != nil {
		h.respondPageError(c, "list_blocks", err)
		return
	}
	respondData(c, http.StatusOK, pages.PageBlocks{PageID: pageID, Blocks: payload.Blocks})
}

// handleSaveBlocks runs one save cycle immediately for the submitted full mapping.
func (h *httpHandler) handleSaveBlocks(c *gin.Context) {
	pageID, ok := pageIDParam(c)
	if !ok {
		return
	}
	var request blocksRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	local, err := validateMapping(request.Blocks)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	ws, err := h.requestWorkspace(currentUser(c))
	if err != nil {
		h.respondPageError(c, "save_blocks", err)
		return
	}
	defer ws.Close()

	ctx, cancel := h.requestContext(c)
	defer cancel()
	result, err := ws.SaveNow(ctx, pageID, local)
	if err != nil {
		h.respondPageError(c, "save_blocks", err)
		return
	}
	operations := result.Operations
	if operations == nil {
		operations = []blocks.Operation{}
	}
	respondData(c, http.StatusOK, saveResultPayload{
		PageID:     result.PageID,
		Operations: operations,
		Counts: operationCountsPayload{
			Creates: result.Counts.Creates,
			Updates: result.Counts.Updates,
			Deletes: result.Counts.Deletes,
		},
		Attempts: result.Attempts,
	})
}

// handlePublicPage serves public pages to anyone, signed in or not.
func (h *httpHandler) handlePublicPage(c *gin.Context) {
	pageID, ok := pageIDParam(c)
	if !ok {
		return
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()

	page, err := h.pagesService.GetPage(ctx, pageID)
	if err != nil {
		h.respondPageError(c, "public_page", err)
		return
	}
	if !page.Public {
		respondError(c, http.StatusNotFound, "page_not_found")
		return
	}
	mapping, err := h.pagesService.ListBlocks(ctx, pageID)
	if err != nil {
		h.respondPageError(c, "public_page", err)
		return
	}
	respondData(c, http.StatusOK, pageWithBlocksPayload{Page: page, Blocks: mapping})
}

func (h *httpHandler) handleDashboard(c *gin.Context) {
	user := currentUser(c)
	cache, err := directory.New(directory.Config{Source: h.pagesService, Logger: h.logger})
	if err != nil {
		h.respondPageError(c, "dashboard", err)
		return
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()
	if err := cache.Load(ctx, pages.UserID(user.ID)); err != nil {
		h.respondPageError(c, "dashboard", err)
		return
	}
	snapshot := cache.Snapshot()
	respondData(c, http.StatusOK, dashboardPayload{User: *user, Pages: snapshot.Pages, Blocks: snapshot.Blocks})
}

func (h *httpHandler) handleNotePage(c *gin.Context) {
	pageID, ok := pageIDParam(c)
	if !ok {
		return
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()

	payload, err := h.ownedPageWithBlocks(ctx, pages.UserID(currentUser(c).ID), pageID)
	if err != nil {
		h.respondPageError(c, "note_page", err)
		return
	}
	respondData(c, http.StatusOK, payload)
}

func (h *httpHandler) ownedPageWithBlocks(ctx context.Context, userID pages.UserID, pageID pages.PageID) (pageWithBlocksPayload, error) {
	page, err := h.pagesService.GetPage(ctx, pageID)
	if err != nil {
		return pageWithBlocksPayload{}, err
	}
	if !page.OwnedBy(userID) {
		return pageWithBlocksPayload{}, fmt.Errorf("%w: %s", workspace.ErrNotOwner, pageID)
	}
	mapping, err := h.pagesService.ListBlocks(ctx, pageID)
	if err != nil {
		return pageWithBlocksPayload{}, err
	}
	return pageWithBlocksPayload{Page: page, Blocks: mapping}, nil
}

func pageIDParam(c *gin.Context) (pages.PageID, bool) {
	pageID, err := pages.NewPageID(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_page_id")
		return "", false
	}
	return pageID, true
}

// validateMapping checks every key as a block id. Payload validity is guaranteed by the JSON decoder.
func validateMapping(raw blocks.Mapping) (blocks.Mapping, error) {
	validated := make(blocks.Mapping, len(raw))
	for rawID, content := range raw {
		blockID, err := blocks.NewBlockID(rawID.String())
		if err != nil {
			return nil, err
		}
		if blockID != rawID {
			return nil, fmt.Errorf("%w: surrounding whitespace", blocks.ErrInvalidBlockID)
		}
		validated[blockID] = content
	}
	return validated, nil
}
