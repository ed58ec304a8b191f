package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/imucal/imucal/pkg/calibration"
	"github.com/imucal/imucal/pkg/client"
	"github.com/imucal/imucal/pkg/config"
	"github.com/imucal/imucal/pkg/lifecycle"
)

type statusData struct {
	status   calibration.Status
	schedule client.ScheduleStatus
	config   *config.RawFileConfig
}

// fetchStatusData gathers all data required for the status command from the daemon.
func fetchStatusData() (*statusData, error) {
	st, err := apiClient.GetStatus()
	if err != nil {
		return nil, fmt.Errorf("failed to get calibration status: %w", err)
	}

	sched, err := apiClient.GetSchedule()
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}

	conf, err := apiClient.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}

	return &statusData{
		status:   st,
		schedule: sched,
		config:   conf,
	}, nil
}

func NewStatusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current status of imucal",
		Long:    `Get the calibration state, gyroscope statistics, schedule and configuration.`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := fetchStatusData()
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"calibration":   data.status,
					"schedule":      data.schedule,
					"configuration": data.config,
				})
			}
			printStatus(cmd, data)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")

	return cmd
}

func printStatus(cmd *cobra.Command, data *statusData) {
	st := data.status
	conf := config.NewFileFromConfig(data.config, "")

	cmd.Println(bold("Calibration:"))
	cmd.Printf("  State: %s\n", stateText(st.State))
	if st.Desired != st.State {
		cmd.Printf("  Pending: %s", stateText(st.Desired))
		if st.Reason != "" {
			cmd.Printf(" (%s)", st.Reason)
		}
		cmd.Println()
	}
	cmd.Printf("  Lifecycle: %s\n", lifecycleText(st.Lifecycle))
	if st.State == calibration.StateCalibrating {
		cmd.Printf("  Remaining: %s\n", bold("%ds", st.RemainingCalibrationSecs))
	}
	if st.LastCalibrationTime.IsZero() {
		cmd.Printf("  Last calibration: %s\n", bold("never"))
	} else {
		cmd.Printf("  Last calibration: %s (%s ago)\n",
			bold("%s", st.LastCalibrationTime.Local().Format(time.DateTime)),
			time.Since(st.LastCalibrationTime).Round(time.Second))
	}
	cmd.Printf("  Demanded: %s\n", bool2Text(st.Demanded))
	cmd.Printf("  Motion disabled: %s\n", bool2Text(st.MotionDisabled))
	if st.AttemptID != "" {
		cmd.Printf("  Attempt: %s\n", st.AttemptID)
	}

	cmd.Println()

	cmd.Println(bold("Gyroscope:"))
	cmd.Printf("  Samples: %s over %.1fs\n", bold("%d", st.Samples), st.SpanSeconds)
	cmd.Printf("  Mean: %s (max %g)\n", withinText(st.Mean, conf.MaxMeanError(), st.Samples), conf.MaxMeanError())
	cmd.Printf("  Std deviation: %s (max %g)\n", withinText(st.StdDeviation, conf.MaxStdDeviation(), st.Samples), conf.MaxStdDeviation())
	cmd.Printf("  Temperature: %s (at last calibration %.2f °C)\n", bold("%.2f °C", st.CurrentTemperature), st.TemperatureAtLastCalibration)

	cmd.Println()

	cmd.Println(bold("Schedule:"))
	if data.schedule.Cron == "" {
		cmd.Printf("  Cron: %s\n", bold("disabled"))
	} else {
		cmd.Printf("  Cron: %s\n", bold("%s", data.schedule.Cron))
		for _, run := range data.schedule.NextRuns {
			cmd.Printf("    - %s\n", run.Local().Format(time.DateTime))
		}
	}

	cmd.Println()

	cmd.Println(bold("Configuration:"))
	cmd.Printf("  Gathering period: %s\n", bold("%s", conf.GatheringPeriod()))
	cmd.Printf("  Recheck period: %s\n", bold("%s", conf.RecheckPeriod()))
	cmd.Printf("  Calibration timeout: %s\n", bold("%s", conf.CalibrationTimeout()))
	cmd.Printf("  Temperature delta: %s\n", bold("%g °C", conf.TemperatureDelta()))
	cmd.Printf("  Only on demand: %s\n", bool2Text(conf.OnlyOnDemand()))
	cmd.Printf("  Allow non-root users to access the daemon: %s\n", bool2Text(conf.AllowNonRootAccess()))
}

func stateText(s calibration.State) string {
	switch s {
	case calibration.StateCalibrated:
		return color.New(color.Bold, color.FgGreen).Sprint(s)
	case calibration.StateNotCalibrated, calibration.StateUnknown:
		return color.New(color.Bold, color.FgRed).Sprint(s)
	}
	return color.New(color.Bold, color.FgYellow).Sprint(s)
}

func lifecycleText(s string) string {
	switch lifecycle.State(s) {
	case lifecycle.StateReady:
		return color.New(color.Bold, color.FgGreen).Sprint(s)
	case lifecycle.StateEmergency, lifecycle.StateFailure:
		return color.New(color.Bold, color.FgRed).Sprint(s)
	}
	return bold("%s", s)
}

func withinText(v, limit float64, samples int) string {
	s := fmt.Sprintf("%+.5f", v)
	if samples == 0 {
		return bold("%s", s)
	}
	if v < 0 {
		v = -v
	}
	if v <= limit {
		return color.New(color.Bold, color.FgGreen).Sprint(s)
	}
	return color.New(color.Bold, color.FgRed).Sprint(s)
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}
