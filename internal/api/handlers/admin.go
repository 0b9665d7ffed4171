package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/livehub/internal/backfill"
	"github.com/your-org/livehub/pkg/dto"
)

type Repairer interface {
	Repair(ctx context.Context, opts backfill.RepairOptions) (backfill.RepairReport, error)
}

type AdminHandler struct {
	repairer Repairer
}

func NewAdminHandler(repairer Repairer) *AdminHandler {
	return &AdminHandler{repairer: repairer}
}

// Repair runs the drift sweep synchronously. An empty body is accepted.
func (h *AdminHandler) Repair(c *gin.Context) {
	var req dto.RepairRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	report, err := h.repairer.Repair(c.Request.Context(), backfill.RepairOptions{DeleteOrphans: req.DeleteOrphans})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.RepairResponse{
		Scanned: report.Scanned,
		Fixed:   report.Fixed,
		Orphans: report.Orphans,
		Deleted: report.Deleted,
	})
}
