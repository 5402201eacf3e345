package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/blocknotes/internal/autosave"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/blocks"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/pages"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/users"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/workspace"
	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	editorWriteWait      = 10 * time.Second
	editorPongWait       = 60 * time.Second
	editorPingPeriod     = editorPongWait * 9 / 10
	editorMaxMessageSize = 4 << 20
	editorOutboundBuffer = 64
)

// Client to server message types.
const (
	editorMessageOpen             = "open"
	editorMessageChange           = "change"
	editorMessageClose            = "close"
	editorMessageRename           = "rename"
	editorMessageCommitTitle      = "commit_title"
	editorMessageCreate           = "create"
	editorMessageDelete           = "delete"
	editorMessageToggleVisibility = "toggle_visibility"
	editorMessageReload           = "reload"
	editorMessageSignOut          = "sign_out"
)

// Server to client message types.
const (
	editorEventDirectory    = "directory"
	editorEventOpened       = "opened"
	editorEventSaved        = "saved"
	editorEventNotice       = "notice"
	editorEventPagesChanged = "pages_changed"
)

type editorInbound struct {
	Type   string         `json:"type"`
	PageID string         `json:"page_id,omitempty"`
	Title  string         `json:"title,omitempty"`
	Blocks blocks.Mapping `json:"blocks,omitempty"`
}

type editorOutbound struct {
	Type       string             `json:"type"`
	Pages      []pages.Page       `json:"pages,omitempty"`
	Page       *pages.Page        `json:"page,omitempty"`
	Blocks     *blocks.Mapping    `json:"blocks,omitempty"`
	PageID     pages.PageID       `json:"page_id,omitempty"`
	PageIDs    []string           `json:"page_ids,omitempty"`
	Operations []blocks.Operation `json:"operations,omitempty"`
	Level      string             `json:"level,omitempty"`
	Code       string             `json:"code,omitempty"`
	Message    string             `json:"message,omitempty"`
}

// handleEditor upgrades to the editor socket. The session opens the page named in the path.
func (h *httpHandler) handleEditor(c *gin.Context) {
	pageID, ok := pageIDParam(c)
	if !ok {
		return
	}
	user := currentUser(c)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("editor upgrade failed", zap.Error(err))
		return
	}

	session := &editorSession{
		id:       uuid.NewString(),
		handler:  h,
		conn:     conn,
		user:     *user,
		outbound: make(chan editorOutbound, editorOutboundBuffer),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		logger:   h.logger.With(zap.String("user_id", user.ID)),
	}
	session.run(c.Request.Context(), pageID)
}

func (h *httpHandler) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.allowedOrigins, origin)
}

// editorSession binds one socket to one workspace. Reads happen on the handler
// goroutine. Writes are funnelled through outbound to writeLoop.
type editorSession struct {
	id        string
	handler   *httpHandler
	conn      *websocket.Conn
	user      users.User
	workspace *workspace.Workspace
	outbound  chan editorOutbound
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

func (s *editorSession) run(parent context.Context, initialPageID pages.PageID) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go s.writeLoop()
	defer s.shutdown()

	ws, err := workspace.New(workspace.Config{
		UserID:         pages.UserID(s.user.ID),
		Store:          s.handler.pagesService,
		Saver:          s.handler.saver,
		AutosaveDelay:  s.handler.autosaveDelay,
		Logger:         s.logger,
		OnSaved:        s.onSaved,
		OnNotice:       s.onNotice,
		OnPagesChanged: s.onPagesChanged,
	})
	if err != nil {
		s.logger.Error("editor workspace setup failed", zap.Error(err))
		return
	}
	s.workspace = ws
	defer func() {
		ws.Close()
		ws.Wait()
	}()

	s.handler.metrics.EditorSessionOpened()
	defer s.handler.metrics.EditorSessionClosed()

	s.forwardRealtime(ctx)

	if s.reload(ctx) {
		s.open(ctx, initialPageID)
	}
	s.readLoop(ctx)
}

func (s *editorSession) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(editorMaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(editorPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(editorPongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("editor socket closed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var message editorInbound
		if err := sonic.ConfigStd.Unmarshal(data, &message); err != nil {
			s.notice(workspace.NoticeLevelError, "invalid_message", "The message could not be read.")
			continue
		}
		if !s.dispatch(ctx, message) {
			return
		}
	}
}

// dispatch handles one client message and reports whether the session stays open.
func (s *editorSession) dispatch(ctx context.Context, message editorInbound) bool {
	opCtx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	switch message.Type {
	case editorMessageOpen:
		pageID, err := pages.NewPageID(message.PageID)
		if err != nil {
			s.reportError(err)
			return true
		}
		s.open(opCtx, pageID)
	case editorMessageChange:
		local, err := validateMapping(message.Blocks)
		if err != nil {
			s.reportError(err)
			return true
		}
		if err := s.workspace.Edit(local); err != nil {
			s.reportError(err)
		}
	case editorMessageClose:
		s.workspace.ClosePage()
	case editorMessageRename:
		if err := s.workspace.RenameTitle(message.Title); err != nil {
			s.reportError(err)
		}
	case editorMessageCommitTitle:
		if _, err := s.workspace.CommitTitle(opCtx); err != nil {
			s.reportError(err)
			return true
		}
		s.sendDirectory()
	case editorMessageCreate:
		page, err := s.workspace.CreatePage(opCtx, message.Title)
		if err != nil {
			s.reportError(err)
			return true
		}
		s.sendDirectory()
		s.sendOpened(page, blocks.Mapping{})
	case editorMessageDelete:
		pageID, err := pages.NewPageID(message.PageID)
		if err == nil {
			err = s.workspace.DeletePage(opCtx, pageID)
		}
		if err != nil {
			s.reportError(err)
			return true
		}
		s.sendDirectory()
	case editorMessageToggleVisibility:
		pageID, err := pages.NewPageID(message.PageID)
		if err == nil {
			_, err = s.workspace.ToggleVisibility(opCtx, pageID)
		}
		if err != nil {
			s.reportError(err)
			return true
		}
		s.sendDirectory()
	case editorMessageReload:
		s.reload(opCtx)
	case editorMessageSignOut:
		s.workspace.SignOut()
		s.notice(workspace.NoticeLevelInfo, "signed_out", "You have been signed out.")
		return false
	default:
		s.notice(workspace.NoticeLevelError, "unknown_message", "The message type is not supported.")
	}
	return true
}

func (s *editorSession) open(ctx context.Context, pageID pages.PageID) {
	page, mapping, err := s.workspace.OpenPage(ctx, pageID)
	if err != nil {
		if !errors.Is(err, pages.ErrPageNotFound) {
			s.logger.Error("editor open failed", zap.String("page_id", pageID.String()), zap.Error(err))
			s.notice(workspace.NoticeLevelError, "load_failed", "The page could not be loaded.")
			return
		}
		s.reportError(err)
		return
	}
	s.sendOpened(page, mapping)
}

func (s *editorSession) reload(ctx context.Context) bool {
	if err := s.workspace.Load(ctx); err != nil {
		if errors.Is(err, workspace.ErrSignedOut) {
			s.reportError(err)
			return false
		}
		s.logger.Error("editor directory load failed", zap.Error(err))
		s.notice(workspace.NoticeLevelError, "load_failed", "Your pages could not be loaded.")
		return false
	}
	s.sendDirectory()
	return true
}

// reportError turns caller mistakes into notices. Store failures were already
// reported by the workspace.
func (s *editorSession) reportError(err error) {
	switch {
	case errors.Is(err, pages.ErrPageNotFound), errors.Is(err, workspace.ErrNotOwner):
		s.notice(workspace.NoticeLevelError, "page_not_found", "This page does not exist or is not yours.")
	case errors.Is(err, workspace.ErrNoOpenPage):
		s.notice(workspace.NoticeLevelError, "no_open_page", "Open a page before editing it.")
	case errors.Is(err, workspace.ErrSignedOut):
		s.notice(workspace.NoticeLevelError, "signed_out", "You have been signed out.")
	case errors.Is(err, pages.ErrInvalidPageID),
		errors.Is(err, pages.ErrInvalidTitle),
		errors.Is(err, blocks.ErrInvalidBlockID),
		errors.Is(err, blocks.ErrInvalidContent):
		s.notice(workspace.NoticeLevelError, "invalid_request", "The request was not valid.")
	default:
		s.logger.Debug("editor request failed", zap.Error(err))
	}
}

func (s *editorSession) onSaved(result autosave.Result) {
	if !result.Committed() {
		return
	}
	s.send(editorOutbound{Type: editorEventSaved, PageID: result.PageID, Operations: result.Operations})
}

func (s *editorSession) onNotice(notice workspace.Notice) {
	s.notice(notice.Level, notice.Code, notice.Message)
}

func (s *editorSession) onPagesChanged(pageIDs []pages.PageID) {
	s.handler.publishPagesChanged(s.user.ID, s.id, pageIDs)
}

// forwardRealtime relays page changes made by the user's other sessions.
func (s *editorSession) forwardRealtime(ctx context.Context) {
	stream, cleanup := s.handler.realtime.Subscribe(ctx, s.user.ID)
	go func() {
		defer cleanup()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case message, ok := <-stream:
				if !ok {
					return
				}
				if message.Source == s.id || message.EventType != RealtimeEventPageChanged {
					continue
				}
				s.send(editorOutbound{Type: editorEventPagesChanged, PageIDs: message.PageIDs})
			}
		}
	}()
}

func (s *editorSession) sendDirectory() {
	s.send(editorOutbound{Type: editorEventDirectory, Pages: s.workspace.Directory().Pages()})
}

func (s *editorSession) sendOpened(page pages.Page, mapping blocks.Mapping) {
	if mapping == nil {
		mapping = blocks.Mapping{}
	}
	s.send(editorOutbound{Type: editorEventOpened, Page: &page, Blocks: &mapping})
}

func (s *editorSession) notice(level, code, message string) {
	s.send(editorOutbound{Type: editorEventNotice, Level: level, Code: code, Message: message})
}

func (s *editorSession) send(message editorOutbound) {
	select {
	case <-s.done:
	case s.outbound <- message:
	}
}

// writeLoop is the only goroutine that writes to the socket. It exits after
// flushing queued messages once closing is signalled, or on the first write error.
func (s *editorSession) writeLoop() {
	defer close(s.done)
	defer s.conn.Close()

	ticker := time.NewTicker(editorPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.closing:
			s.drain()
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(editorWriteWait))
			return
		case message := <-s.outbound:
			if err := s.write(message); err != nil {
				s.logger.Debug("editor write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(editorWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *editorSession) drain() {
	for {
		select {
		case message := <-s.outbound:
			if err := s.write(message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *editorSession) write(message editorOutbound) error {
	data, err := sonic.ConfigStd.Marshal(message)
	if err != nil {
		s.logger.Error("editor message encoding failed", zap.String("type", message.Type), zap.Error(err))
		return nil
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(editorWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// shutdown asks the writer to flush and close the socket, then waits for it.
func (s *editorSession) shutdown() {
	s.closeOnce.Do(func() { close(s.closing) })
	<-s.done
}
