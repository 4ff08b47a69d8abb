package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/adalundhe/coedit/core/document"
	coreerrors "github.com/adalundhe/coedit/core/errors"
	"github.com/adalundhe/coedit/core/ot"
	"github.com/adalundhe/coedit/core/presence"
)

// =============================================================================
// Request bodies
// =============================================================================

type createDocumentRequest struct {
	ID      string `json:"id" binding:"required"`
	Content string `json:"content"`
	Owner   string `json:"owner" binding:"required"`
}

type joinDocumentRequest struct {
	User        string   `json:"user" binding:"required"`
	Permissions []string `json:"permissions"`
}

// applyChangeRequest carries the change a user submits. The author recorded
// in history is always User.
type applyChangeRequest struct {
	User   string    `json:"user" binding:"required"`
	Change ot.Change `json:"change"`
}

type documentCursorRequest struct {
	User           string `json:"user" binding:"required"`
	Position       int    `json:"position"`
	SelectionStart int    `json:"selectionStart"`
	SelectionEnd   int    `json:"selectionEnd"`
}

type registerPresenceRequest struct {
	User       string            `json:"user" binding:"required"`
	Session    string            `json:"session"`
	Connection string            `json:"connection" binding:"required"`
	Metadata   map[string]string `json:"metadata"`
}

type presenceCursorRequest struct {
	Document  string              `json:"document" binding:"required"`
	Position  int                 `json:"position"`
	Selection *presence.Selection `json:"selection"`
}

type typingRequest struct {
	Document string `json:"document" binding:"required"`
	Typing   bool   `json:"typing"`
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

type resolveRequest struct {
	Strategy string `json:"strategy" binding:"required"`
}

// bind decodes the JSON body into dst, reporting failures as validation
// errors.
func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, coreerrors.Wrap(coreerrors.KindValidation, "httpapi.bind", err))
		return false
	}
	return true
}

func (s *Server) participants(c *gin.Context, documentID string) {
	users, err := s.deps.Documents.Participants(documentID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documentId": documentID, "participants": users})
}

// =============================================================================
// Documents
// =============================================================================

func (s *Server) createDocument(c *gin.Context) {
	var req createDocumentRequest
	if !bind(c, &req) {
		return
	}
	state, err := s.deps.Documents.CreateDocument(req.ID, req.Content, req.Owner)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, state)
}

func (s *Server) joinDocument(c *gin.Context) {
	var req joinDocumentRequest
	if !bind(c, &req) {
		return
	}
	perms := document.PermReadWrite
	if len(req.Permissions) > 0 {
		var err error
		perms, err = document.ParsePermissions(req.Permissions...)
		if err != nil {
			writeError(c, err)
			return
		}
	}

	documentID := c.Param("id")
	if err := s.deps.Documents.JoinDocument(documentID, req.User, perms); err != nil {
		writeError(c, err)
		return
	}
	s.participants(c, documentID)
}

func (s *Server) leaveDocument(c *gin.Context) {
	documentID := c.Param("id")
	if err := s.deps.Documents.LeaveDocument(documentID, c.Param("user")); err != nil {
		writeError(c, err)
		return
	}
	s.participants(c, documentID)
}

func (s *Server) applyChange(c *gin.Context) {
	var req applyChangeRequest
	if !bind(c, &req) {
		return
	}
	result, err := s.deps.Documents.ApplyChange(c.Param("id"), req.Change, req.User)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) updateDocumentCursor(c *gin.Context) {
	var req documentCursorRequest
	if !bind(c, &req) {
		return
	}
	documentID := c.Param("id")
	err := s.deps.Documents.UpdateCursor(documentID, req.User, req.Position, req.SelectionStart, req.SelectionEnd)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// =============================================================================
// Presence
// =============================================================================

func (s *Server) registerPresence(c *gin.Context) {
	var req registerPresenceRequest
	if !bind(c, &req) {
		return
	}
	p, err := s.deps.Presence.RegisterPresence(req.User, req.Session, req.Connection, req.Metadata)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) unregisterPresence(c *gin.Context) {
	if err := s.deps.Presence.UnregisterPresence(c.Param("conn")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// userView answers a presence mutation with the user's current view.
func (s *Server) userView(c *gin.Context, userID string) {
	view, err := s.deps.Presence.View(userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) joinPresence(c *gin.Context) {
	userID := c.Param("user")
	if err := s.deps.Presence.JoinDocument(userID, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	s.userView(c, userID)
}

func (s *Server) leavePresence(c *gin.Context) {
	userID := c.Param("user")
	if err := s.deps.Presence.LeaveDocument(userID, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	s.userView(c, userID)
}

func (s *Server) updatePresenceCursor(c *gin.Context) {
	var req presenceCursorRequest
	if !bind(c, &req) {
		return
	}
	userID := c.Param("user")
	if err := s.deps.Presence.UpdateCursor(userID, req.Document, req.Position, req.Selection); err != nil {
		writeError(c, err)
		return
	}
	s.userView(c, userID)
}

func (s *Server) setTyping(c *gin.Context) {
	var req typingRequest
	if !bind(c, &req) {
		return
	}
	userID := c.Param("user")
	if err := s.deps.Presence.SetTyping(userID, req.Document, req.Typing); err != nil {
		writeError(c, err)
		return
	}
	s.userView(c, userID)
}

func (s *Server) updateStatus(c *gin.Context) {
	var req statusRequest
	if !bind(c, &req) {
		return
	}
	status, err := presence.ParseStatus(req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	userID := c.Param("user")
	if err := s.deps.Presence.UpdateStatus(userID, status); err != nil {
		writeError(c, err)
		return
	}
	if status == presence.StatusOffline {
		c.Status(http.StatusNoContent)
		return
	}
	s.userView(c, userID)
}

// =============================================================================
// Conflicts
// =============================================================================

func (s *Server) resolveConflict(c *gin.Context) {
	var req resolveRequest
	if !bind(c, &req) {
		return
	}
	res, err := s.deps.Conflicts.ResolveConflict(c.Request.Context(), c.Param("id"), req.Strategy)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
