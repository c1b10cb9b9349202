package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cybersentinel/detection-loop/pkg/coordinator"
	"github.com/cybersentinel/detection-loop/pkg/deploy"
	"github.com/cybersentinel/detection-loop/pkg/feedback"
	"github.com/cybersentinel/detection-loop/pkg/models"
	"github.com/cybersentinel/detection-loop/pkg/monitor"
	"github.com/cybersentinel/detection-loop/pkg/tuning"
)

// Server represents the API server
type Server struct {
	router      *gin.Engine
	coordinator *coordinator.Coordinator
	deployer    *deploy.Deployer
	feedback    *feedback.Store
	monitor     *monitor.Monitor
	tuner       *tuning.Engine
	logger      *zap.Logger

	windowHours int
	httpServer  *http.Server
}

// NewServer creates a new API server
func NewServer(coord *coordinator.Coordinator, deployer *deploy.Deployer, store *feedback.Store, mon *monitor.Monitor, tuner *tuning.Engine, windowHours int, metricsHandler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if windowHours <= 0 {
		windowHours = 168
	}

	router := gin.Default()

	// Configure CORS
	config := cors.DefaultConfig()
	config.AllowOrigins = []string{"http://localhost:3000", "http://localhost:8080"}
	config.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(config))

	server := &Server{
		router:      router,
		coordinator: coord,
		deployer:    deployer,
		feedback:    store,
		monitor:     mon,
		tuner:       tuner,
		logger:      logger,
		windowHours: windowHours,
	}

	server.setupRoutes(metricsHandler)
	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes(metricsHandler http.Handler) {
	api := s.router.Group("/api/v1")

	// Loop status and history
	api.GET("/status", s.getStatus)
	api.GET("/cycles", s.getCycles)

	// Deployed rules and deployment results
	api.GET("/rules/deployed", s.getDeployedRules)
	api.GET("/deployments/recent", s.getRecentDeployments)
	api.GET("/targets", s.getTargets)
	api.POST("/targets/test", s.testTargets)

	// Performance and health views
	api.GET("/performance/:rule_id", s.getPerformance)
	api.GET("/health/:rule_id", s.getRuleHealth)
	api.GET("/feedback/report", s.getFeedbackReport)

	// Feedback intake
	api.POST("/feedback", s.submitFeedback)

	// Tuning approval queue
	api.GET("/tuning/pending", s.getPendingRecommendations)
	api.GET("/tuning/history", s.getTuningHistory)
	api.POST("/tuning/approve", s.approveRecommendation)

	// Liveness
	s.router.GET("/healthz", s.healthCheck)

	if metricsHandler != nil {
		s.router.GET("/metrics", gin.WrapH(metricsHandler))
	}
}

// Start starts the server on the given address
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Handler implementations

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now(),
	})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.coordinator.Status())
}

func (s *Server) getCycles(c *gin.Context) {
	limit := 20
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	c.JSON(http.StatusOK, s.coordinator.CycleHistory(limit))
}

func (s *Server) getDeployedRules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rule_ids": s.coordinator.DeployedRuleIDs()})
}

func (s *Server) getRecentDeployments(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	c.JSON(http.StatusOK, s.deployer.RecentResults(limit))
}

func (s *Server) getTargets(c *gin.Context) {
	c.JSON(http.StatusOK, s.deployer.DeploymentStatus())
}

func (s *Server) testTargets(c *gin.Context) {
	c.JSON(http.StatusOK, s.deployer.TestAllConnections(c.Request.Context()))
}

func (s *Server) getPerformance(c *gin.Context) {
	ruleID := c.Param("rule_id")

	performance := s.feedback.Performance(ruleID, s.windowHours)
	if performance == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no feedback for rule"})
		return
	}

	c.JSON(http.StatusOK, performance)
}

func (s *Server) getRuleHealth(c *gin.Context) {
	ruleID := c.Param("rule_id")

	health := s.monitor.Health(ruleID)
	if health == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no health data for rule"})
		return
	}

	c.JSON(http.StatusOK, health)
}

func (s *Server) getFeedbackReport(c *gin.Context) {
	c.JSON(http.StatusOK, s.feedback.Report(s.coordinator.DeployedRuleIDs(), s.windowHours))
}

func (s *Server) submitFeedback(c *gin.Context) {
	var item models.FeedbackItem
	if err := c.ShouldBindJSON(&item); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.feedback.Submit(c.Request.Context(), item); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": "feedback recorded"})
}

func (s *Server) getPendingRecommendations(c *gin.Context) {
	c.JSON(http.StatusOK, s.tuner.PendingRecommendations())
}

func (s *Server) getTuningHistory(c *gin.Context) {
	c.JSON(http.StatusOK, s.tuner.History())
}

// approveRequest identifies one queued recommendation
type approveRequest struct {
	RuleID           string `json:"rule_id" binding:"required"`
	RecommendationID string `json:"recommendation_id" binding:"required"`
}

func (s *Server) approveRecommendation(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !s.tuner.Approve(c.Request.Context(), req.RuleID, req.RecommendationID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "recommendation not found or could not be applied"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "recommendation applied"})
}
