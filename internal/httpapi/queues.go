package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type queueRequest struct {
	ID string `json:"id"`
}

// bindOptionalID accepts an empty body as "no id".
func bindOptionalID(c *gin.Context) (string, bool) {
	var req queueRequest
	if c.Request.ContentLength == 0 {
		return "", true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return req.ID, true
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		return 100
	}
	return limit
}

func (s *Server) listOutbox(c *gin.Context) {
	events, err := s.deps.Outbox.ListPending(c.Request.Context(), queryLimit(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "events": events})
}

// retryOutbox delivers one event now, or runs one drain pass without an id.
func (s *Server) retryOutbox(c *gin.Context) {
	id, ok := bindOptionalID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	var affected int
	if id != "" {
		stats, err := s.deps.Drainer.ProcessByID(ctx, id)
		if err != nil {
			s.writeError(c, err)
			return
		}
		affected = stats.Processed
	} else {
		stats, err := s.deps.Drainer.DrainOnce(ctx)
		if err != nil {
			s.writeError(c, err)
			return
		}
		affected = stats.Processed
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "affected": affected})
}

func (s *Server) listDLQ(c *gin.Context) {
	docs, err := s.deps.Outbox.ListDLQ(c.Request.Context(), queryLimit(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "events": docs})
}

func (s *Server) requeueDLQ(c *gin.Context) {
	s.dlqAction(c, s.deps.Outbox.RequeueDLQ)
}

func (s *Server) purgeDLQ(c *gin.Context) {
	s.dlqAction(c, s.deps.Outbox.PurgeDLQ)
}

// dlqAction applies fn to one DLQ entry, or to every entry without an id.
// A missing id affects nothing.
func (s *Server) dlqAction(c *gin.Context, fn func(ctx context.Context, id string) (int, error)) {
	id, ok := bindOptionalID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	ids := []string{id}
	if id == "" {
		docs, err := s.deps.Outbox.ListDLQ(ctx, 0)
		if err != nil {
			s.writeError(c, err)
			return
		}
		ids = ids[:0]
		for _, d := range docs {
			ids = append(ids, d.ID)
		}
	}

	affected := 0
	for _, id := range ids {
		n, err := fn(ctx, id)
		if err != nil {
			s.writeError(c, err)
			return
		}
		affected += n
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "affected": affected})
}
