package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/pensif/backend/internal/comments"
	"github.com/gin-gonic/gin"
)

type addCommentPayload struct {
	Content string `json:"content"`
	FrameID string `json:"frameId"`
	ReplyTo string `json:"replyTo"`
}

type editCommentPayload struct {
	Content string `json:"content"`
}

type reactionPayload struct {
	Emoji string `json:"emoji"`
}

type createThreadPayload struct {
	RootCommentID string `json:"rootCommentId"`
}

func (h *httpHandler) handleProjectComments(c *gin.Context) {
	list, err := h.comments.GetProjectComments(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": list})
}

func (h *httpHandler) handleFrameComments(c *gin.Context) {
	list, err := h.comments.GetFrameComments(c.Request.Context(), c.Param("frameId"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": list})
}

func (h *httpHandler) handleAddComment(c *gin.Context) {
	var request addCommentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	comment, err := h.comments.AddComment(c.Request.Context(), comments.AddCommentRequest{
		ProjectID: c.Param("id"),
		Content:   request.Content,
		FrameID:   request.FrameID,
		ReplyTo:   request.ReplyTo,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, comment)
}

func (h *httpHandler) handleEditComment(c *gin.Context) {
	var request editCommentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	comment, err := h.comments.EditComment(c.Request.Context(), c.Param("id"), request.Content)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, comment)
}

func (h *httpHandler) handleDeleteComment(c *gin.Context) {
	if err := h.comments.DeleteComment(c.Request.Context(), c.Param("id")); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *httpHandler) handleToggleReaction(c *gin.Context) {
	var request reactionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	comment, err := h.comments.AddReaction(c.Request.Context(), c.Param("id"), request.Emoji)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, comment)
}

func (h *httpHandler) handleProjectThreads(c *gin.Context) {
	threads, err := h.comments.GetProjectThreads(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": threads})
}

func (h *httpHandler) handleCreateThread(c *gin.Context) {
	var request createThreadPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			invalidRequest(c)
			return
		}
	}
	thread, err := h.comments.CreateThread(c.Request.Context(), c.Param("id"), request.RootCommentID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, thread)
}

func (h *httpHandler) handleResolveThread(c *gin.Context) {
	thread, err := h.comments.ResolveThread(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, thread)
}
