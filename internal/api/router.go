package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/livehub/internal/api/handlers"
	"github.com/your-org/livehub/internal/auth"
)

type RouterConfig struct {
	APIKeys    []string
	Queue      handlers.TaskQueue
	Images     handlers.ImageStore
	Objects    handlers.ObjectStore
	Waker      handlers.Waker
	Extractor  handlers.FaceExtractor // nil when the detection models are unavailable
	Reconciler interface {
		handlers.OwnerReconciler
		handlers.Repairer
	}
	Admin  handlers.AdminService
	Checks map[string]handlers.Check
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.Checks)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKeys))

	taskH := handlers.NewTaskHandler(cfg.Queue)
	v1.POST("/tasks", taskH.Create)
	v1.GET("/tasks/:id", taskH.Get)

	userH := handlers.NewUserHandler(cfg.Queue, cfg.Extractor, cfg.Reconciler, cfg.Objects)
	v1.POST("/users/:id/reference", userH.RegisterReference)
	v1.POST("/users/:id/backfill", userH.Backfill)
	v1.POST("/users/:id/reconcile", userH.Reconcile)

	imageH := handlers.NewImageHandler(cfg.Images, cfg.Objects, cfg.Waker, cfg.Admin)
	v1.POST("/images", imageH.Upload)
	v1.GET("/images/:id", imageH.Get)
	v1.DELETE("/images/:id", imageH.Delete)

	faceH := handlers.NewFaceHandler(cfg.Admin)
	v1.PATCH("/faces/:id", faceH.Override)
	v1.DELETE("/faces/:id", faceH.Delete)

	adminH := handlers.NewAdminHandler(cfg.Reconciler)
	v1.POST("/admin/repair", adminH.Repair)

	return r
}
