// Package registration exposes the HTTP surface that lets other tools
// register/unregister project directories, query instance status, and
// probe health and metrics, mirroring the gin-based API surface the
// orchestrator service exposes in the rest of the stack.
package registration

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kansup/kansup/internal/common/httpmw"
	"github.com/kansup/kansup/internal/common/logger"
	"github.com/kansup/kansup/internal/orchestrator"
	"github.com/kansup/kansup/internal/topic"
)

// RegisterRequest is the POST /api/register body: bind a chat/topic to a
// project directory and, if requested, eagerly spawn its instance.
type RegisterRequest struct {
	ChatID    int64  `json:"chatId" binding:"required"`
	TopicID   int    `json:"topicId" binding:"required"`
	TopicName string `json:"topicName"`
	WorkDir   string `json:"workDir" binding:"required"`
	Eager     bool   `json:"eager"`
}

// UnregisterRequest is the POST /api/unregister body.
type UnregisterRequest struct {
	ChatID  int64 `json:"chatId" binding:"required"`
	TopicID int   `json:"topicId" binding:"required"`
}

// Server wires the registration HTTP surface onto a gin engine.
type Server struct {
	topics  *topic.Store
	manager *orchestrator.Manager
	log     *logger.Logger
	apiKey  string
}

// NewServer builds a Server. apiKey, if non-empty, is required on every
// request via the X-API-Key header.
func NewServer(topics *topic.Store, manager *orchestrator.Manager, apiKey string, log *logger.Logger) *Server {
	return &Server{topics: topics, manager: manager, apiKey: apiKey, log: log}
}

// NewEngine builds a ready-to-serve gin.Engine with all routes mounted.
func (s *Server) NewEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(httpmw.RequestLogger(s.log, "registration"))
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	engine.GET("/api/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := engine.Group("/api")
	authed.Use(s.authMiddleware())
	authed.POST("/register", s.handleRegister)
	authed.POST("/unregister", s.handleUnregister)
	authed.GET("/status/*path", s.handleStatus)
	authed.GET("/instances", s.handleInstances)

	return engine
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.apiKey == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-API-Key") != s.apiKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing API key"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleRegister(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	existing, err := s.topics.GetMapping(req.ChatID, req.TopicID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if existing == nil {
		if err := s.topics.CreateMapping(&topic.Mapping{
			ChatID:    req.ChatID,
			TopicID:   req.TopicID,
			TopicName: req.TopicName,
			WorkDir:   req.WorkDir,
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	} else if err := s.topics.UpdateWorkDir(req.ChatID, req.TopicID, req.WorkDir); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	_ = s.topics.AppendEvent(&topic.Event{ChatID: req.ChatID, TopicID: req.TopicID, Type: topic.EventLinked})

	if req.Eager {
		if _, err := s.manager.GetOrCreate(c.Request.Context(), orchestrator.CreateRequest{
			TopicID: req.TopicID,
			WorkDir: req.WorkDir,
		}); err != nil {
			c.JSON(http.StatusAccepted, gin.H{"status": "registered", "warning": "eager start failed: " + err.Error()})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "registered"})
}

func (s *Server) handleUnregister(c *gin.Context) {
	var req UnregisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if inst, ok := s.manager.GetByTopic(req.TopicID); ok {
		if err := s.manager.StopInstance(c.Request.Context(), inst.ID); err != nil {
			s.log.Warn("registration: failed to stop instance on unregister", zap.String("instance", inst.ID), zap.Error(err))
		}
	}
	if err := s.topics.UpdateStatus(req.ChatID, req.TopicID, topic.StatusDeleted); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	_ = s.topics.AppendEvent(&topic.Event{ChatID: req.ChatID, TopicID: req.TopicID, Type: topic.EventDeleted})

	c.JSON(http.StatusOK, gin.H{"status": "unregistered"})
}

func (s *Server) handleStatus(c *gin.Context) {
	workDir := c.Param("path")
	mappings, err := s.topics.ListActive()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	for _, m := range mappings {
		if m.WorkDir == workDir || "/"+m.WorkDir == workDir {
			state := "unbound"
			if inst, ok := s.manager.GetByTopic(m.TopicID); ok {
				state = string(inst.State)
			}
			c.JSON(http.StatusOK, gin.H{
				"chatId":  m.ChatID,
				"topicId": m.TopicID,
				"workDir": m.WorkDir,
				"state":   state,
			})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no mapping for path"})
}

func (s *Server) handleInstances(c *gin.Context) {
	instances := s.manager.List()
	out := make([]gin.H, 0, len(instances))
	for _, inst := range instances {
		out = append(out, gin.H{
			"id":      inst.ID,
			"topicId": inst.TopicID,
			"workDir": inst.WorkDir,
			"port":    inst.Port,
			"state":   inst.State,
			"pid":     inst.PID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"instances": out, "count": strconv.Itoa(len(out))})
}
