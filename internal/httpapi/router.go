package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/arjunv/jobdispatch/internal/common"
	"github.com/arjunv/jobdispatch/internal/config"
	"github.com/arjunv/jobdispatch/internal/dispatch"
	"github.com/arjunv/jobdispatch/internal/httpapi/handlers"
	"github.com/arjunv/jobdispatch/internal/httpapi/middleware"
)

// NewRouter wires the job submission/status/retry/stats surface onto
// the Dispatcher, plus user signup/login, so the dispatch engine is
// reachable over HTTP.
func NewRouter(db *gorm.DB, cfg config.Config, d *dispatch.Dispatcher) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:3000",
			"http://localhost:3001",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "Idempotency-Key"},
		ExposeHeaders:    []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	h := handlers.NewHandler(db, cfg, d)

	r.GET("/ping", func(c *gin.Context) { common.OK(c, gin.H{"status": "ok"}) })

	r.POST("/users", h.CreateUser)
	r.GET("/users/:id", h.GetUserByID)
	r.POST("/login", h.Login)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	jobs := authGroup.Group("/jobs")
	jobs.POST("", h.SubmitJob)
	jobs.GET("", h.ListJobs)
	jobs.GET("/stats", h.JobStats)
	jobs.GET("/:id", h.GetJob)
	jobs.POST("/:id/retry", h.RetryJob)

	return r
}
