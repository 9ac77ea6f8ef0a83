package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type sharingSettingsPayload struct {
	IsPublic      bool  `json:"isPublic"`
	AllowComments *bool `json:"allowComments"`
}

type invitePayload struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type rolePayload struct {
	Role string `json:"role"`
}

func (h *httpHandler) handleGetSharing(c *gin.Context) {
	settings, err := h.sharing.GetSettings(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (h *httpHandler) handleUpdateSharing(c *gin.Context) {
	var request sharingSettingsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	allowComments := true
	if request.AllowComments != nil {
		allowComments = *request.AllowComments
	}
	projectID := c.Param("id")
	if err := h.sharing.UpdateSettings(c.Request.Context(), projectID, request.IsPublic, allowComments); err != nil {
		h.writeServiceError(c, err)
		return
	}
	settings, err := h.sharing.GetSettings(c.Request.Context(), projectID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (h *httpHandler) handleInviteUser(c *gin.Context) {
	var request invitePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	invite, err := h.sharing.InviteUser(c.Request.Context(), c.Param("id"), request.Email, request.Role)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, invite)
}

func (h *httpHandler) handleAcceptInvite(c *gin.Context) {
	member, err := h.sharing.AcceptInvite(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, member)
}

func (h *httpHandler) handleUpdateMemberRole(c *gin.Context) {
	var request rolePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	if err := h.sharing.UpdateUserRole(c.Request.Context(), c.Param("id"), c.Param("userId"), request.Role); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *httpHandler) handleRemoveMember(c *gin.Context) {
	if err := h.sharing.RemoveUser(c.Request.Context(), c.Param("id"), c.Param("userId")); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
