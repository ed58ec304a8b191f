package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/imucal/imucal/pkg/version"
)

func clientVersion() string {
	return version.Version
}

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version",
		Annotations: local,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}

func NewStateCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "state",
		Short:   "Print the calibration state label",
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, err := apiClient.GetState()
			if err != nil {
				return fmt.Errorf("failed to get calibration state: %w", err)
			}
			cmd.Println(string(state))
			return nil
		},
	}
}

func NewCalibrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "calibrate",
		Aliases: []string{"check", "cali"},
		Short:   "Ask the daemon to check and, if needed, calibrate the gyroscope",
		Long: `Ask the daemon to check the gyroscope and calibrate it if the check fails.

The request is ignored while a check or calibration is already running.`,
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := apiClient.Calibrate()
			if err != nil {
				return fmt.Errorf("failed to demand calibration: %w", err)
			}
			if !res.Success {
				return fmt.Errorf("daemon refused: %s", res.Message)
			}
			logrus.Infof("daemon responded: %s", res.Message)
			return nil
		},
	}
}
