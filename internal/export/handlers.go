package export

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustscore/internal/validation"
)

// Handler provides HTTP endpoints for session export.
type Handler struct {
	exporter *Exporter
}

// NewHandler creates a new export handler.
func NewHandler(exporter *Exporter) *Handler {
	return &Handler{exporter: exporter}
}

// RegisterRoutes sets up export routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	s := r.Group("/sessions/:id", validation.SessionParamMiddleware())
	s.GET("/export", h.GetExport)
	s.POST("/export", h.WriteExport)
}

// GetExport handles GET /v1/sessions/:id/export. The document is built
// and returned without being written anywhere.
func (h *Handler) GetExport(c *gin.Context) {
	doc, err := h.exporter.Build(c.Request.Context(), c.Param("id"))
	if err != nil {
		exportError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// WriteExport handles POST /v1/sessions/:id/export
func (h *Handler) WriteExport(c *gin.Context) {
	res, err := h.exporter.Export(c.Request.Context(), c.Param("id"))
	if err != nil {
		if res != nil {
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "export_failed",
				"message": err.Error(),
				"sinks":   res.Sinks,
			})
			return
		}
		exportError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sinks": res.Sinks, "export": res.Export})
}

func exportError(c *gin.Context, err error) {
	if errors.Is(err, ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Session not found",
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": err.Error(),
	})
}
