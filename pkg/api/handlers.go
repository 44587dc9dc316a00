package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Moyucharm/model-check/pkg/models"
	"github.com/Moyucharm/model-check/pkg/repository"
)

// TriggerFullRequest selects whether the model catalog is synced before a
// full detection run.
type TriggerFullRequest struct {
	SyncFirst bool `json:"sync_first"`
}

// TriggerChannelRequest optionally restricts a channel run to models.
type TriggerChannelRequest struct {
	ModelIDs []int64 `json:"model_ids"`
}

// TriggerSelectiveRequest names the channels and per-channel models to
// probe.
type TriggerSelectiveRequest struct {
	ChannelIDs        []int64           `json:"channel_ids"`
	ModelIDsByChannel map[int64][]int64 `json:"model_ids_by_channel"`
}

func (s *Server) handleTriggerFull(c *gin.Context) {
	var req TriggerFullRequest
	// An absent or malformed body falls back to the defaults.
	_ = c.ShouldBindJSON(&req)
	result, err := s.detService.TriggerFull(c.Request.Context(), req.SyncFirst)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleTriggerChannel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req TriggerChannelRequest
	_ = c.ShouldBindJSON(&req)

	result, err := s.detService.TriggerChannel(c.Request.Context(), id, req.ModelIDs)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repository.ErrChannelNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleTriggerModel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	result, err := s.detService.TriggerModel(c.Request.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repository.ErrModelNotFound) || errors.Is(err, repository.ErrChannelNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleTriggerSelective(c *gin.Context) {
	var req TriggerSelectiveRequest
	_ = c.ShouldBindJSON(&req)

	result, err := s.detService.TriggerSelective(c.Request.Context(), req.ChannelIDs, req.ModelIDsByChannel)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleStop(c *gin.Context) {
	cleared, err := s.detService.Stop(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func (s *Server) handleProgress(c *gin.Context) {
	snap, err := s.detService.ProgressSnapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleListChannels(c *gin.Context) {
	withModels := c.Query("with_models") == "true"
	channels, err := s.repo.LoadEnabledChannels(c.Request.Context(), withModels)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

func (s *Server) handleChannelModels(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ch, err := s.repo.GetChannel(c.Request.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repository.ErrChannelNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": ch.Models})
}

func (s *Server) handleModelEndpoints(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	endpoints, err := s.repo.ListModelEndpoints(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": endpoints})
}

func (s *Server) handleModelLogs(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	logs, err := s.repo.ListCheckLogs(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (s *Server) handleSchedulerStart(c *gin.Context) {
	if err := s.schedule.StartAll(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": true})
}

func (s *Server) handleSchedulerStop(c *gin.Context) {
	s.schedule.StopAll()
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func (s *Server) handleSchedulerStatus(c *gin.Context) {
	status, err := s.schedule.GetStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleCleanupNow(c *gin.Context) {
	deleted, err := s.schedule.CleanupNow(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (s *Server) handleGetSchedulerConfig(c *gin.Context) {
	cfg, err := s.repo.LoadSchedulerConfig(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) handlePutSchedulerConfig(c *gin.Context) {
	var cfg models.SchedulerConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.repo.UpsertSchedulerConfig(c.Request.Context(), &cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// pathID parses the :id path parameter, writing the error response itself.
func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}
