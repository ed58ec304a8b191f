package config

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/imucal/imucal/pkg/calibration"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a schedule expression. Seconds are optional and
// descriptors such as "@daily" or "@every 1h" are accepted.
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// Config is the daemon configuration. Calibration thresholds are read once at
// startup; the schedule and access settings can change at runtime.
type Config interface {
	MaxMeanError() float64
	MaxStdDeviation() float64
	TemperatureDelta() float64
	OnlyOnDemand() bool
	GatheringPeriod() time.Duration
	RecheckPeriod() time.Duration
	CalibrationTimeout() time.Duration

	DataTopic() string
	TemperatureTopic() string
	StateTopic() string
	Axis() string
	MQTTBroker() string
	MQTTClientID() string
	MotionURL() string
	ActuatorURL() string
	HistoryPath() string

	TickPeriod() time.Duration
	ProofOfLifeTimeout() time.Duration
	ChannelTimeout() time.Duration
	ServiceTimeout() time.Duration
	StatsRetention() time.Duration

	Cron() string
	AllowNonRootAccess() bool

	SetMaxErrors(mean, std float64)
	SetCron(string)
	SetAllowNonRootAccess(bool)

	// Calibration returns the thresholds of the calibration workflow.
	Calibration() calibration.Config
	// Effective returns every setting with defaults applied.
	Effective() *RawFileConfig
	// LogrusFields returns the settings as log fields.
	LogrusFields() logrus.Fields
	// Validate reports the first invalid setting.
	Validate() error

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}
