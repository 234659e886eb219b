package http

import "github.com/gin-gonic/gin"

// Register registers the authenticated AR routes
func (h *Handler) Register(rg *gin.RouterGroup) {
	h.basePath = rg.BasePath()

	rg.POST("/compile", h.Compile)
	rg.GET("/status/:id", h.GetStatus)
	rg.PATCH("/config/:id", h.PatchConfig)
	rg.POST("/recompile/:id", h.Recompile)

	rg.POST("/projects", h.CreateProject)
	rg.GET("/projects", h.ListProjects)
	rg.GET("/projects/:id", h.GetProject)
	rg.DELETE("/projects/:id", h.DeleteProject)
	rg.GET("/projects/:id/events", h.StreamProjectEvents)

	rg.GET("/projects/:id/items", h.ListItems)
	rg.POST("/projects/:id/items", h.AddItem)
	rg.PATCH("/projects/:id/items/:itemId/config", h.PatchItemConfig)
	rg.DELETE("/projects/:id/items/:itemId", h.RemoveItem)

	rg.GET("/summaries", h.ListSummaries)
}

// RegisterPublic registers the routes scanned QR codes land on
func (h *Handler) RegisterPublic(r gin.IRouter) {
	r.GET("/ar/view/:id", h.View)
}
