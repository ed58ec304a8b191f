package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule [cron-expression]",
		Aliases: []string{"sch", "sched"},
		Short:   "Manage the periodic check schedule",
		Long: `Manage the periodic check schedule.

Each scheduled run asks the daemon to check the gyroscope, exactly like
'imucal calibrate'. Runs are skipped while a check is already in progress.

The schedule command can be used in multiple ways:
  imucal schedule 'minute hour day month weekday' Set schedule with cron expression
  imucal schedule disable                         Disable the schedule
  imucal schedule postpone [duration]             Postpone next run
  imucal schedule skip                            Skip next run
  imucal schedule show                            Show current schedule`,
		Example: `  imucal schedule '0 6 * * *'  (At 06:00 every day)
  imucal schedule '@every 4h'  (Every four hours)
  imucal schedule '0 */2 * * 1-5' (Every two hours on weekdays)`,
		GroupID: gAdvanced,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// If no arguments, show the current schedule
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}
			// Otherwise, treat as a cron expression to set
			return runScheduleSet(cmd, args[0])
		},
	}

	cmd.AddCommand(
		newScheduleDisableCommand(),
		newSchedulePostponeCommand(),
		newScheduleSkipCommand(),
		newScheduleShowCommand(),
	)

	return cmd
}

func newScheduleDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Disable the check schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleDisable(cmd)
		},
	}
}

func newSchedulePostponeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "postpone [duration]",
		Short: "Postpone the next scheduled check",
		Example: `  imucal schedule postpone      (Postpone by 1 hour)
  imucal schedule postpone 90m  (Postpone by 90 minutes)`,
		Long: `Postpone the next scheduled check by a specified duration.
If no duration is provided, defaults to 1 hour. The postponed run must stay
before the run after it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := time.Hour
			if len(args) > 0 {
				parsed, err := time.ParseDuration(args[0])
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", args[0], err)
				}
				d = parsed
			}
			return runSchedulePostpone(cmd, d)
		},
	}
	return cmd
}

func newScheduleSkipCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "skip",
		Short: "Skip the next scheduled check",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleSkip(cmd)
		},
	}
}

func newScheduleShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current check schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleShow(cmd)
		},
	}
}

func printRuns(cmd *cobra.Command, runs []time.Time) {
	for _, run := range runs {
		cmd.Printf("  - %s\n", run.Local().Format(time.DateTime))
	}
}

func runScheduleSet(cmd *cobra.Command, cronExpr string) error {
	if cronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	nextRuns, err := apiClient.Schedule(cronExpr)
	if err != nil {
		return err
	}
	cmd.Printf("Check scheduled. Next %d run(s):\n", len(nextRuns))
	printRuns(cmd, nextRuns)
	return nil
}

func runScheduleDisable(cmd *cobra.Command) error {
	if _, err := apiClient.Schedule(""); err != nil {
		return err
	}
	cmd.Println("Check schedule disabled.")
	return nil
}

func runSchedulePostpone(cmd *cobra.Command, duration time.Duration) error {
	st, err := apiClient.PostponeSchedule(duration)
	if err != nil {
		return err
	}
	cmd.Printf("Next run postponed by %s.\n", duration)
	printRuns(cmd, st.NextRuns)
	return nil
}

func runScheduleSkip(cmd *cobra.Command) error {
	st, err := apiClient.SkipSchedule()
	if err != nil {
		return err
	}
	cmd.Println("Next scheduled run skipped.")
	printRuns(cmd, st.NextRuns)
	return nil
}

func runScheduleShow(cmd *cobra.Command) error {
	st, err := apiClient.GetSchedule()
	if err != nil {
		return err
	}
	if st.Cron == "" {
		cmd.Println("Check schedule is not set.")
		return nil
	}
	cmd.Printf("Schedule %q, next %d run(s):\n", st.Cron, len(st.NextRuns))
	printRuns(cmd, st.NextRuns)
	return nil
}
