package sim

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imucal/imucal/pkg/remote"
)

// Router serves the fake motion and actuator services at the paths the
// default configuration points to.
func (s *Simulator) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/enable", s.handleEnable)
	router.POST("/calibrate_imu_gyro", s.handleCalibrate)

	return router
}

func (s *Simulator) handleEnable(c *gin.Context) {
	var req remote.SetBoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	s.SetMotion(req.Value)
	msg := "motion disabled"
	if req.Value {
		msg = "motion enabled"
	}
	c.IndentedJSON(http.StatusOK, remote.SetBoolResponse{Ret: true, Message: msg})
}

func (s *Simulator) handleCalibrate(c *gin.Context) {
	if s.MotionEnabled() {
		c.IndentedJSON(http.StatusOK, remote.TriggerResponse{Success: false, Message: "platform is moving"})
		return
	}
	if err := s.Calibrate(); err != nil {
		c.IndentedJSON(http.StatusOK, remote.TriggerResponse{Success: false, Message: err.Error()})
		return
	}
	c.IndentedJSON(http.StatusOK, remote.TriggerResponse{Success: true, Message: "calibration started"})
}
