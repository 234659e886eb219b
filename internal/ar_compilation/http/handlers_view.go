package http

import (
	"net/http"

	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
	"github.com/gin-gonic/gin"
)

// View resolves the stable link printed in the QR code to the current
// viewer page. It is public: anyone holding the link may open the viewer.
func (h *Handler) View(c *gin.Context) {
	p, err := h.svc.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, "failed to get project")
		return
	}
	if p.Status != domain.StatusReady || p.Artifacts.ViewerArtifactURL == "" {
		c.JSON(http.StatusConflict, gin.H{
			"error":    "AR experience is not ready",
			"status":   p.Status,
			"progress": domain.Progress(p.Status, p.Phase),
		})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Redirect(http.StatusFound, p.Artifacts.ViewerArtifactURL)
}
