package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/livehub/internal/models"
	"github.com/your-org/livehub/pkg/dto"
)

type FaceHandler struct {
	admin AdminService
}

func NewFaceHandler(admin AdminService) *FaceHandler {
	return &FaceHandler{admin: admin}
}

// Override sets or clears a face's owner by hand.
func (h *FaceHandler) Override(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req dto.OverrideFaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Actor == models.AssignedByAuto {
		badRequest(c, "actor \"auto\" is reserved")
		return
	}

	face, err := h.admin.OverrideFaceOwner(c.Request.Context(), id, req.OwnerID, req.Actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, faceResponse(*face))
}

func (h *FaceHandler) Delete(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.admin.DeleteFace(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
