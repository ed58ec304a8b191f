package main

import (
	"fmt"
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/imucal/imucal/pkg/config"
	daemonutils "github.com/imucal/imucal/pkg/utils/daemon"
)

// NewInstallCommand .
func NewInstallCommand() *cobra.Command {
	allowNonRootAccess := false
	var maxMeanError, maxStdDeviation float64

	cmd := &cobra.Command{
		Use:         "install",
		Short:       "Install imucal daemon as a systemd service",
		GroupID:     gInstallation,
		Annotations: local,
		Long: `Install imucal daemon as a systemd service.

This makes imucal run in the background and automatically start on boot. You must run this command as root.

By default, only root user is allowed to access the imucal daemon. If you want to allow non-root users to access the daemon, use the --allow-non-root-access flag, so you don't have to use sudo every time.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.NewFile(configPath)
			if err != nil {
				return err
			}

			// Bounds already in the file win unless given on the command line.
			raw := conf.Effective()
			if raw.MaxMeanError != nil && !cmd.Flags().Changed("max-mean-error") {
				maxMeanError = *raw.MaxMeanError
			}
			if raw.MaxStdDeviation != nil && !cmd.Flags().Changed("max-std-deviation") {
				maxStdDeviation = *raw.MaxStdDeviation
			}
			conf.SetMaxErrors(maxMeanError, maxStdDeviation)
			if err := conf.Validate(); err != nil {
				return pkgerrors.Wrapf(err, "invalid config %s", configPath)
			}

			conf.SetAllowNonRootAccess(allowNonRootAccess)
			if allowNonRootAccess {
				logrus.Info("non-root users are allowed to access the imucal daemon.")
			} else {
				logrus.Info("only root user is allowed to access the imucal daemon.")
			}

			err = conf.Save()
			if err != nil {
				return pkgerrors.Wrapf(err, "failed to save config")
			}

			err = daemonutils.Install(configPath, unixSocketPath, allowNonRootAccess)
			if err != nil {
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to install daemon: %v. Are you root?", err)
			}

			logrus.Infof("installation succeeded")

			exePath, _ := os.Executable()

			cmd.Printf("systemd will use the current binary (%s) at startup so please make sure you do not move this binary. Once this binary is moved or deleted, you will need to run `imucal install' again.\n", exePath)

			return nil
		},
	}

	cmd.Flags().BoolVar(&allowNonRootAccess, "allow-non-root-access", false, "Allow non-root users to access imucal daemon.")
	cmd.Flags().Float64Var(&maxMeanError, "max-mean-error", 0.01, "Largest accepted |mean| of the gyro rate. Written to the config file unless it already sets one.")
	cmd.Flags().Float64Var(&maxStdDeviation, "max-std-deviation", 0.01, "Largest accepted standard deviation of the gyro rate. Written to the config file unless it already sets one.")

	return cmd
}

// NewUninstallCommand .
func NewUninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "uninstall",
		Short:       "Uninstall imucal daemon",
		GroupID:     gInstallation,
		Annotations: local,
		Long: `Uninstall imucal daemon.

This stops imucal and removes its systemd service. The configuration file is kept. You must run this command as root.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			err := daemonutils.Uninstall()
			if err != nil {
				return fmt.Errorf("failed to uninstall daemon: %v", err)
			}
			logrus.Infof("successfully uninstalled imucal")
			return nil
		},
	}
}
