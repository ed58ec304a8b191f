package config

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/imucal/imucal/pkg/calibration"
	"github.com/imucal/imucal/pkg/utils/ptr"
)

// ErrMaxErrorsRequired is returned by Validate when a quality bound is unset.
var ErrMaxErrorsRequired = pkgerrors.New("quality bounds are required")

// The quality bounds have no default and must be set in the file.
var (
	defaultFileConfig = &RawFileConfig{
		TemperatureDelta:   ptr.To(1.0),
		OnlyOnDemand:       ptr.To(false),
		GatheringPeriod:    ptr.To(Duration(5 * time.Second)),
		RecheckPeriod:      ptr.To(Duration(10 * time.Second)),
		CalibrationTimeout: ptr.To(Duration(40 * time.Second)),

		DataTopic:        ptr.To("imu/data"),
		TemperatureTopic: ptr.To("imu/temperature"),
		StateTopic:       ptr.To("imu_manager/calibration_state"),
		Axis:             ptr.To("z"),
		MQTTBroker:       ptr.To("tcp://localhost:1883"),
		MQTTClientID:     ptr.To("imucal"),
		MotionURL:        ptr.To("http://localhost:8081/enable"),
		ActuatorURL:      ptr.To("http://localhost:8081/calibrate_imu_gyro"),
		HistoryPath:      ptr.To("/var/lib/imucal/history.db"),

		TickPeriod:         ptr.To(Duration(time.Second)),
		ProofOfLifeTimeout: ptr.To(Duration(time.Second)),
		ChannelTimeout:     ptr.To(Duration(2 * time.Second)),
		ServiceTimeout:     ptr.To(Duration(5 * time.Second)),
		// Samples keep arriving while calibrated; keep a bounded window.
		StatsRetention: ptr.To(Duration(30 * time.Second)),

		Cron:               ptr.To(""),
		AllowNonRootAccess: ptr.To(false),
	}
)

var _ Config = &File{}

// Duration is a time.Duration encoded as a string such as "10s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return pkgerrors.Wrap(err, "duration must be a string like \"10s\"")
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return pkgerrors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

// Path returns the file the configuration is loaded from and saved to.
func (f *File) Path() string {
	return f.filepath
}

// RawFileConfig is the on-disk form. Unset fields fall back to defaults.
type RawFileConfig struct {
	MaxMeanError       *float64  `json:"maxMeanError,omitempty"`
	MaxStdDeviation    *float64  `json:"maxStdDeviation,omitempty"`
	TemperatureDelta   *float64  `json:"temperatureDelta,omitempty"`
	OnlyOnDemand       *bool     `json:"onlyOnDemand,omitempty"`
	GatheringPeriod    *Duration `json:"gatheringPeriod,omitempty"`
	RecheckPeriod      *Duration `json:"recheckPeriod,omitempty"`
	CalibrationTimeout *Duration `json:"calibrationTimeout,omitempty"`

	DataTopic        *string `json:"dataTopic,omitempty"`
	TemperatureTopic *string `json:"temperatureTopic,omitempty"`
	StateTopic       *string `json:"stateTopic,omitempty"`
	Axis             *string `json:"axis,omitempty"`
	MQTTBroker       *string `json:"mqttBroker,omitempty"`
	MQTTClientID     *string `json:"mqttClientID,omitempty"`
	MotionURL        *string `json:"motionURL,omitempty"`
	ActuatorURL      *string `json:"actuatorURL,omitempty"`
	HistoryPath      *string `json:"historyPath,omitempty"`

	TickPeriod         *Duration `json:"tickPeriod,omitempty"`
	ProofOfLifeTimeout *Duration `json:"proofOfLifeTimeout,omitempty"`
	ChannelTimeout     *Duration `json:"channelTimeout,omitempty"`
	ServiceTimeout     *Duration `json:"serviceTimeout,omitempty"`
	StatsRetention     *Duration `json:"statsRetention,omitempty"`

	Cron               *string `json:"cron,omitempty"`
	AllowNonRootAccess *bool   `json:"allowNonRootAccess,omitempty"`
}

// get returns the field selected by sel, or its default when unset. Fields
// without a default read as the zero value.
func get[T any](f *File, sel func(*RawFileConfig) *T) T {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if v := sel(f.c); v != nil {
		return *v
	}
	if v := sel(defaultFileConfig); v != nil {
		return *v
	}
	var zero T
	return zero
}

func getDuration(f *File, sel func(*RawFileConfig) *Duration) time.Duration {
	return time.Duration(get(f, sel))
}

func (f *File) MaxMeanError() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.MaxMeanError })
}

func (f *File) MaxStdDeviation() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.MaxStdDeviation })
}

func (f *File) TemperatureDelta() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.TemperatureDelta })
}

func (f *File) OnlyOnDemand() bool {
	return get(f, func(c *RawFileConfig) *bool { return c.OnlyOnDemand })
}

func (f *File) GatheringPeriod() time.Duration {
	return getDuration(f, func(c *RawFileConfig) *Duration { return c.GatheringPeriod })
}

func (f *File) RecheckPeriod() time.Duration {
	return getDuration(f, func(c *RawFileConfig) *Duration { return c.RecheckPeriod })
}

func (f *File) CalibrationTimeout() time.Duration {
	return getDuration(f, func(c *RawFileConfig) *Duration { return c.CalibrationTimeout })
}

func (f *File) DataTopic() string {
	return get(f, func(c *RawFileConfig) *string { return c.DataTopic })
}

func (f *File) TemperatureTopic() string {
	return get(f, func(c *RawFileConfig) *string { return c.TemperatureTopic })
}

func (f *File) StateTopic() string {
	return get(f, func(c *RawFileConfig) *string { return c.StateTopic })
}

func (f *File) Axis() string {
	return get(f, func(c *RawFileConfig) *string { return c.Axis })
}

func (f *File) MQTTBroker() string {
	return get(f, func(c *RawFileConfig) *string { return c.MQTTBroker })
}

func (f *File) MQTTClientID() string {
	return get(f, func(c *RawFileConfig) *string { return c.MQTTClientID })
}

func (f *File) MotionURL() string {
	return get(f, func(c *RawFileConfig) *string { return c.MotionURL })
}

func (f *File) ActuatorURL() string {
	return get(f, func(c *RawFileConfig) *string { return c.ActuatorURL })
}

func (f *File) HistoryPath() string {
	return get(f, func(c *RawFileConfig) *string { return c.HistoryPath })
}

func (f *File) TickPeriod() time.Duration {
	return getDuration(f, func(c *RawFileConfig) *Duration { return c.TickPeriod })
}

func (f *File) ProofOfLifeTimeout() time.Duration {
	return getDuration(f, func(c *RawFileConfig) *Duration { return c.ProofOfLifeTimeout })
}

func (f *File) ChannelTimeout() time.Duration {
	return getDuration(f, func(c *RawFileConfig) *Duration { return c.ChannelTimeout })
}

func (f *File) ServiceTimeout() time.Duration {
	return getDuration(f, func(c *RawFileConfig) *Duration { return c.ServiceTimeout })
}

func (f *File) StatsRetention() time.Duration {
	return getDuration(f, func(c *RawFileConfig) *Duration { return c.StatsRetention })
}

func (f *File) Cron() string {
	return get(f, func(c *RawFileConfig) *string { return c.Cron })
}

func (f *File) AllowNonRootAccess() bool {
	return get(f, func(c *RawFileConfig) *bool { return c.AllowNonRootAccess })
}

// SetMaxErrors sets the quality bounds a check is judged against.
func (f *File) SetMaxErrors(mean, std float64) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.MaxMeanError = &mean
	f.c.MaxStdDeviation = &std
}

func (f *File) SetCron(expr string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Cron = &expr
}

func (f *File) SetAllowNonRootAccess(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.AllowNonRootAccess = &b
}

func (f *File) Calibration() calibration.Config {
	return calibration.Config{
		MaxMeanError:       f.MaxMeanError(),
		MaxStdDeviation:    f.MaxStdDeviation(),
		TemperatureDelta:   f.TemperatureDelta(),
		GatheringPeriod:    f.GatheringPeriod(),
		RecheckPeriod:      f.RecheckPeriod(),
		CalibrationTimeout: f.CalibrationTimeout(),
		OnlyOnDemand:       f.OnlyOnDemand(),
	}
}

func (f *File) Validate() error {
	f.mu.RLock()
	missing := f.c.MaxMeanError == nil || f.c.MaxStdDeviation == nil
	f.mu.RUnlock()
	if missing {
		return pkgerrors.Wrap(ErrMaxErrorsRequired, "set maxMeanError and maxStdDeviation")
	}

	for name, v := range map[string]float64{
		"maxMeanError":     f.MaxMeanError(),
		"maxStdDeviation":  f.MaxStdDeviation(),
		"temperatureDelta": f.TemperatureDelta(),
	} {
		if v < 0 {
			return pkgerrors.Errorf("%s must not be negative, got %v", name, v)
		}
	}

	for name, d := range map[string]time.Duration{
		"gatheringPeriod":    f.GatheringPeriod(),
		"recheckPeriod":      f.RecheckPeriod(),
		"calibrationTimeout": f.CalibrationTimeout(),
		"tickPeriod":         f.TickPeriod(),
		"proofOfLifeTimeout": f.ProofOfLifeTimeout(),
		"channelTimeout":     f.ChannelTimeout(),
		"serviceTimeout":     f.ServiceTimeout(),
	} {
		if d <= 0 {
			return pkgerrors.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if r := f.StatsRetention(); r < 0 || (r > 0 && r < f.GatheringPeriod()) {
		return pkgerrors.Errorf("statsRetention must be 0 or at least gatheringPeriod (%s), got %s", f.GatheringPeriod(), r)
	}

	for name, s := range map[string]string{
		"dataTopic":        f.DataTopic(),
		"temperatureTopic": f.TemperatureTopic(),
		"mqttBroker":       f.MQTTBroker(),
		"motionURL":        f.MotionURL(),
		"actuatorURL":      f.ActuatorURL(),
	} {
		if strings.TrimSpace(s) == "" {
			return pkgerrors.Errorf("%s must not be empty", name)
		}
	}

	switch f.Axis() {
	case "x", "y", "z":
	default:
		return pkgerrors.Errorf("axis must be x, y or z, got %q", f.Axis())
	}

	if expr := f.Cron(); expr != "" {
		if _, err := ParseCron(expr); err != nil {
			return pkgerrors.Wrapf(err, "invalid cron expression %q", expr)
		}
	}

	return nil
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// A missing file means defaults. Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	// An empty file is allowed, so json.Decoder is not used.
	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	err = json.Unmarshal(b, &conf)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	err = enc.Encode(f.c)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

// Effective returns every setting with defaults applied. Unset quality
// bounds stay unset.
func (f *File) Effective() *RawFileConfig {
	f.mu.RLock()
	mean, std := f.c.MaxMeanError, f.c.MaxStdDeviation
	f.mu.RUnlock()

	return &RawFileConfig{
		MaxMeanError:       mean,
		MaxStdDeviation:    std,
		TemperatureDelta:   ptr.To(f.TemperatureDelta()),
		OnlyOnDemand:       ptr.To(f.OnlyOnDemand()),
		GatheringPeriod:    ptr.To(Duration(f.GatheringPeriod())),
		RecheckPeriod:      ptr.To(Duration(f.RecheckPeriod())),
		CalibrationTimeout: ptr.To(Duration(f.CalibrationTimeout())),
		DataTopic:          ptr.To(f.DataTopic()),
		TemperatureTopic:   ptr.To(f.TemperatureTopic()),
		StateTopic:         ptr.To(f.StateTopic()),
		Axis:               ptr.To(f.Axis()),
		MQTTBroker:         ptr.To(f.MQTTBroker()),
		MQTTClientID:       ptr.To(f.MQTTClientID()),
		MotionURL:          ptr.To(f.MotionURL()),
		ActuatorURL:        ptr.To(f.ActuatorURL()),
		HistoryPath:        ptr.To(f.HistoryPath()),
		TickPeriod:         ptr.To(Duration(f.TickPeriod())),
		ProofOfLifeTimeout: ptr.To(Duration(f.ProofOfLifeTimeout())),
		ChannelTimeout:     ptr.To(Duration(f.ChannelTimeout())),
		ServiceTimeout:     ptr.To(Duration(f.ServiceTimeout())),
		StatsRetention:     ptr.To(Duration(f.StatsRetention())),
		Cron:               ptr.To(f.Cron()),
		AllowNonRootAccess: ptr.To(f.AllowNonRootAccess()),
	}
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	return logrus.Fields{
		"maxMeanError":       f.MaxMeanError(),
		"maxStdDeviation":    f.MaxStdDeviation(),
		"temperatureDelta":   f.TemperatureDelta(),
		"onlyOnDemand":       f.OnlyOnDemand(),
		"gatheringPeriod":    f.GatheringPeriod(),
		"recheckPeriod":      f.RecheckPeriod(),
		"calibrationTimeout": f.CalibrationTimeout(),
		"dataTopic":          f.DataTopic(),
		"temperatureTopic":   f.TemperatureTopic(),
		"axis":               f.Axis(),
		"mqttBroker":         f.MQTTBroker(),
		"cron":               f.Cron(),
		"allowNonRootAccess": f.AllowNonRootAccess(),
	}
}
