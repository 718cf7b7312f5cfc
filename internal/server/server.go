package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"

	"imgconvert/internal/artifacts"
	"imgconvert/internal/batch"
	"imgconvert/internal/models"
	"imgconvert/internal/quota"
)

// Submitter hands a freshly created batch to the conversion pipeline.
type Submitter interface {
	Submit(ctx context.Context, b *models.Batch, images []*models.ConvertedImage, aiEnabled bool) error
}

// SubscriptionLinker attaches a paid subscription to a signed-in user.
type SubscriptionLinker interface {
	Link(ctx context.Context, userID, subscriptionID string) (*stripe.Subscription, error)
}

type Deps struct {
	Batches *batch.Manager
	Quota   *quota.Service
	Store   artifacts.Store
	Convert Submitter
	// Subscriptions is nil when billing is disabled.
	Subscriptions SubscriptionLinker
}

type Server struct {
	cfg      *models.Config
	router   *gin.Engine
	http     *http.Server
	batches  *batch.Manager
	quota    *quota.Service
	store    artifacts.Store
	convert  Submitter
	subs     SubscriptionLinker
	validate *validator.Validate
	log      *slog.Logger
}

func NewServer(cfg *models.Config, deps Deps, log *slog.Logger) *Server {
	if cfg.Server.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowAllOrigins:  len(cfg.Server.AllowedOrigins) == 0,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Content-Length", "Authorization", fingerprintHeader},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: len(cfg.Server.AllowedOrigins) > 0,
		MaxAge:           12 * time.Hour,
	}))
	r.MaxMultipartMemory = int64(cfg.Server.MaxUploadMB) << 20

	s := &Server{
		cfg:      cfg,
		router:   r,
		batches:  deps.Batches,
		quota:    deps.Quota,
		store:    deps.Store,
		convert:  deps.Convert,
		subs:     deps.Subscriptions,
		validate: validator.New(),
		log:      log,
	}

	r.GET("/healthz", func(c *gin.Context) {
		respond(c, http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1", optionalAuth(cfg.Server.JWTSecret))
	api.POST("/batches", s.handleCreateBatch)
	api.GET("/batches/:id", s.handleGetBatch)
	api.GET("/batches/:id/images", s.handleListImages)
	api.POST("/batches/:id/cancel", s.handleCancelBatch)
	api.DELETE("/batches/:id/images/:image_id", s.handleDeleteImage)
	api.POST("/batches/:id/export", s.handleCreateExport)
	api.GET("/batches/:id/export", s.handleDownloadExport)
	api.GET("/usage", s.handleUsage)
	api.POST("/background-removals", s.handleBackgroundRemoval)
	if s.subs != nil {
		api.POST("/subscription", s.handleLinkSubscription)
	}

	s.http = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.log.Info("http server listening", slog.String("addr", s.cfg.Server.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// loadBatch parses the :id parameter and returns the batch if the caller
// may see it. Batches owned by a user are hidden from everyone else.
func (s *Server) loadBatch(c *gin.Context, op string) (*models.Batch, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeValidation, "invalid batch id", nil)
		return nil, false
	}

	b, err := s.batches.Get(c.Request.Context(), id)
	if err != nil {
		s.respondErr(c, op, err)
		return nil, false
	}
	if b.OwnerID != nil && *b.OwnerID != userID(c) {
		respondError(c, http.StatusNotFound, CodeNotFound, "not found", nil)
		return nil, false
	}
	return b, true
}

func (s *Server) subject(c *gin.Context) (quota.Subject, error) {
	return s.quota.Resolve(c.Request.Context(), userID(c), c.ClientIP(), c.GetHeader(fingerprintHeader))
}
