package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/livehub/internal/models"
	"github.com/your-org/livehub/pkg/dto"
)

type TaskQueue interface {
	Enqueue(ctx context.Context, payload models.Payload, priority models.Priority) (*models.Task, error)
	Status(ctx context.Context, id uuid.UUID) (*models.Task, error)
}

type TaskHandler struct {
	queue TaskQueue
}

func NewTaskHandler(queue TaskQueue) *TaskHandler {
	return &TaskHandler{queue: queue}
}

// Create enqueues a task of any kind. Returns 202 with the Pending task.
func (h *TaskHandler) Create(c *gin.Context) {
	var req dto.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	payload, err := models.DecodePayload(models.TaskKind(req.Kind), req.Payload)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := payload.Validate(); err != nil {
		badRequest(c, err.Error())
		return
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	task, err := h.queue.Enqueue(c.Request.Context(), payload, priority)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, taskResponse(task))
}

func (h *TaskHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	task, err := h.queue.Status(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskResponse(task))
}
