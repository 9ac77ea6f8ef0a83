package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/pensif/backend/internal/canvas"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/projects"
	"github.com/gin-gonic/gin"
)

type createProjectPayload struct {
	Name string `json:"name"`
}

type deleteFrameResponse struct {
	FrameID           string   `json:"frameId"`
	PrunedConnections []string `json:"prunedConnections"`
}

func (h *httpHandler) handleCreateProject(c *gin.Context) {
	var request createProjectPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	project, err := h.projects.CreateProject(c.Request.Context(), request.Name)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (h *httpHandler) handleListProjects(c *gin.Context) {
	listing, err := h.projects.ListProjects(c.Request.Context())
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": listing})
}

func (h *httpHandler) handleGetProject(c *gin.Context) {
	project, err := h.projects.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *httpHandler) handleSaveProject(c *gin.Context) {
	var project canvas.Project
	if err := c.ShouldBindJSON(&project); err != nil {
		invalidRequest(c)
		return
	}
	project.ID = c.Param("id")
	saved, err := h.projects.SaveProject(c.Request.Context(), project)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *httpHandler) handleDeleteProject(c *gin.Context) {
	if err := h.projects.DeleteProject(c.Request.Context(), c.Param("id")); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *httpHandler) handleDeleteFrame(c *gin.Context) {
	frameID := c.Param("frameId")
	pruned, err := h.projects.DeleteFrame(c.Request.Context(), c.Param("id"), frameID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, deleteFrameResponse{FrameID: frameID, PrunedConnections: pruned})
}

func (h *httpHandler) handleRecordUsage(c *gin.Context) {
	var record projects.UsageRecord
	if err := c.ShouldBindJSON(&record); err != nil {
		invalidRequest(c)
		return
	}
	project, err := h.projects.RecordUsage(c.Request.Context(), c.Param("id"), record)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"apiUsage":   project.Canvas.ApiUsage,
		"spendLimit": project.Canvas.SpendLimit,
		"totals":     project.Canvas.ApiUsage.Totals(),
	})
}
