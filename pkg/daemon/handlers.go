package daemon

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/imucal/imucal/pkg/history"
	"github.com/imucal/imucal/pkg/version"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 1000
)

func abortWithError(c *gin.Context, code int, err error) {
	c.IndentedJSON(code, err.Error())
	_ = c.AbortWithError(code, err)
}

func (s *Server) getStatus(c *gin.Context) {
	st := s.sup.Status()
	if next, running := s.scheduler.Status(); running {
		st.ScheduledAt = next
	}
	c.IndentedJSON(http.StatusOK, st)
}

func (s *Server) getState(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, string(s.sup.State()))
}

func (s *Server) getStats(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.sup.Summary())
}

func (s *Server) triggerCalibration(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.sup.Demand("api"))
}

func (s *Server) getSchedule(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.scheduleStatus())
}

func (s *Server) setSchedule(c *gin.Context) {
	var expr string
	if err := c.ShouldBindJSON(&expr); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	nextRuns, err := s.schedule(expr)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	c.IndentedJSON(http.StatusCreated, nextRuns)
}

func (s *Server) skipSchedule(c *gin.Context) {
	if err := s.skipNextSchedule(); err != nil {
		abortWithError(c, http.StatusConflict, err)
		return
	}
	c.IndentedJSON(http.StatusOK, s.scheduleStatus())
}

func (s *Server) postponeSchedule(c *gin.Context) {
	var raw string
	if err := c.ShouldBindJSON(&raw); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	if err := s.postpone(d); err != nil {
		abortWithError(c, http.StatusConflict, err)
		return
	}
	c.IndentedJSON(http.StatusOK, s.scheduleStatus())
}

func (s *Server) getHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			abortWithError(c, http.StatusBadRequest, fmt.Errorf("limit must be between 1 and %d, got %q", maxHistoryLimit, q))
			return
		}
		limit = n
	}

	if s.history == nil {
		c.IndentedJSON(http.StatusOK, []history.Entry{})
		return
	}

	entries, err := s.history.Recent(c.Request.Context(), limit)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	c.IndentedJSON(http.StatusOK, entries)
}

func (s *Server) getConfig(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.conf.Effective())
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}
