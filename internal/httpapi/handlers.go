package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kiwisdev/mailsync/internal/logger"
	"github.com/kiwisdev/mailsync/internal/models"
	"github.com/kiwisdev/mailsync/internal/provider"
	"github.com/kiwisdev/mailsync/internal/queue"
	"github.com/kiwisdev/mailsync/internal/store"
	"github.com/kiwisdev/mailsync/internal/syncengine"
)

type createConnectionRequest struct {
	Provider     models.Provider `json:"provider" binding:"required"`
	Email        string          `json:"email" binding:"required"`
	AccessToken  string          `json:"accessToken" binding:"required"`
	RefreshToken string          `json:"refreshToken" binding:"required"`
	ExpiresAt    time.Time       `json:"expiresAt" binding:"required"`
}

// createConnection implements POST /email-connections (spec.md §6): it
// validates the token against the provider's "who am I" by attempting a
// cheap ListLabels call, upserts the connection, enqueues a priority-1 full
// sync, and installs a push watch for Gmail. This is the one handler that
// touches ProviderClient directly, for token validation only.
func (s *Server) createConnection(c *gin.Context) {
	var req createConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	client, ok := s.clients[req.Provider]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": (&provider.UnsupportedProviderError{Provider: req.Provider}).Error()})
		return
	}

	ctx := c.Request.Context()
	if _, err := client.ListLabels(ctx, req.AccessToken); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token validation failed: " + err.Error()})
		return
	}

	userID := currentUser(c)
	now := time.Now()
	expiresAt := req.ExpiresAt
	conn := &models.Connection{
		ID:                   uuid.NewString(),
		UserID:               userID,
		Provider:             req.Provider,
		Email:                req.Email,
		AccessToken:          req.AccessToken,
		RefreshToken:         req.RefreshToken,
		TokenExpiresAt:       &expiresAt,
		SyncFrequencyMinutes: 15,
		SyncBatchSize:        100,
		SyncEnabled:          false,
		SyncStatus:           models.SyncStatusIdle,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.connections.Upsert(ctx, conn); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save connection"})
		return
	}

	job, err := s.jobs.Enqueue(ctx, userID, conn.ID, conn.Provider, models.SyncTypeFull, queue.PriorityUserInitiated)
	var conflict *queue.ConflictingJobInProgress
	if err != nil && !errors.As(err, &conflict) {
		logger.Warn(ctx, "failed to enqueue initial full sync", logger.ErrorField(err))
	}

	if conn.Provider == models.ProviderGmail {
		if err := s.watches.Install(ctx, conn); err != nil {
			logger.Warn(ctx, "failed to install push watch for new connection", logger.ErrorField(err))
		}
	}

	resp := gin.H{"id": conn.ID, "email": conn.Email, "provider": conn.Provider}
	if job != nil {
		resp["syncId"] = job.ID
	} else if conflict != nil {
		resp["syncId"] = conflict.ExistingJobID
	}
	c.JSON(http.StatusCreated, resp)
}

// connectionStatus implements GET /email-connections/:id/status.
func (s *Server) connectionStatus(c *gin.Context) {
	conn, ok := s.lookupOwnedConnection(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":             conn.ID,
		"email":          conn.Email,
		"provider":       conn.Provider,
		"status":         conn.SyncStatus,
		"needsReconnect": conn.SyncStatus == models.SyncStatusRequiresReauth,
		"lastSyncedAt":   conn.LastSyncedAt,
		"error":          conn.SyncError,
	})
}

type fullSyncRequest struct {
	ConnectionID string `json:"connectionId" binding:"required"`
	Priority     int    `json:"priority"`
}

// enqueueFullSync implements POST /sync/full.
func (s *Server) enqueueFullSync(c *gin.Context) {
	var req fullSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conn, ok := s.lookupOwnedConnectionByID(c, req.ConnectionID)
	if !ok {
		return
	}

	priority := req.Priority
	if priority <= 0 {
		priority = queue.PriorityUserInitiated
	}

	job, err := s.jobs.Enqueue(c.Request.Context(), currentUser(c), conn.ID, conn.Provider, models.SyncTypeFull, priority)
	var conflict *queue.ConflictingJobInProgress
	if err != nil {
		if errors.As(err, &conflict) {
			c.JSON(http.StatusOK, gin.H{"syncId": conflict.ExistingJobID, "alreadyInProgress": true})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue full sync"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"syncId": job.ID})
}

type incrementalSyncRequest struct {
	ConnectionID string `json:"connectionId" binding:"required"`
}

// runIncrementalSync implements POST /sync/incremental: run synchronously,
// responding with counts or {requiresFullSync:true} (spec.md §6).
func (s *Server) runIncrementalSync(c *gin.Context) {
	var req incrementalSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conn, ok := s.lookupOwnedConnectionByID(c, req.ConnectionID)
	if !ok {
		return
	}

	result, err := s.engine.RunIncremental(c.Request.Context(), conn)
	if errors.Is(err, syncengine.RequiresFullSync) {
		c.JSON(http.StatusOK, gin.H{"requiresFullSync": true})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messagesAdded":   result.MessagesAdded,
		"messagesDeleted": result.MessagesDeleted,
		"messagesUpdated": result.MessagesUpdated,
	})
}

type onDemandSyncRequest struct {
	ConnectionID string            `json:"connectionId" binding:"required"`
	FolderType   models.FolderType `json:"folderType" binding:"required"`
	FullSync     bool              `json:"fullSync"`
}

// onDemandSync implements POST /sync/on-demand: a single-folder refresh,
// resolved to the connection's Folder row by (user_id, connection_id,
// type), never by the raw folderType string (spec.md §9 REDESIGN FLAG).
func (s *Server) onDemandSync(c *gin.Context) {
	var req onDemandSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conn, ok := s.lookupOwnedConnectionByID(c, req.ConnectionID)
	if !ok {
		return
	}

	folder, err := s.folders.GetByType(c.Request.Context(), conn.ID, req.FolderType)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "folder not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up folder"})
		return
	}

	count, err := s.engine.RunOnDemandFolderSync(c.Request.Context(), conn, folder, req.FullSync)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"folderId": folder.ID, "messagesSynced": count})
}

// syncStatus implements GET /sync/status/:id, user-scoped.
func (s *Server) syncStatus(c *gin.Context) {
	job, ok := s.lookupOwnedJob(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, job)
}

// cancelSync implements POST /sync/cancel/:id.
func (s *Server) cancelSync(c *gin.Context) {
	jobID := c.Param("id")
	cancelled, err := s.jobs.Cancel(c.Request.Context(), currentUser(c), jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel job"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

// syncHistory implements GET /sync/history?limit=N.
func (s *Server) syncHistory(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	jobs, err := s.jobStore.ListByUser(c.Request.Context(), currentUser(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sync history"})
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *Server) lookupOwnedConnection(c *gin.Context) (*models.Connection, bool) {
	return s.lookupOwnedConnectionByID(c, c.Param("id"))
}

func (s *Server) lookupOwnedConnectionByID(c *gin.Context, id string) (*models.Connection, bool) {
	conn, err := s.connections.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up connection"})
		return nil, false
	}
	if conn.UserID != currentUser(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return nil, false
	}
	return conn, true
}

func (s *Server) lookupOwnedJob(c *gin.Context, jobID string) (*models.SyncJob, bool) {
	job, err := s.jobStore.GetByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "sync job not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up sync job"})
		return nil, false
	}
	if job.UserID != currentUser(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "sync job not found"})
		return nil, false
	}
	return job, true
}
