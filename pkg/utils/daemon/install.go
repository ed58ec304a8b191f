// Package daemon installs the imucal daemon as a systemd service.
package daemon

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/sirupsen/logrus"
)

var (
	unitName = "imucal.service"
	unitPath = "/etc/systemd/system/" + unitName

	// systemctl runs systemctl. Replaced in tests.
	systemctl = func(args ...string) error {
		out, err := exec.Command("systemctl", args...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("systemctl %v: %w: %s", args, err, bytes.TrimSpace(out))
		}
		return nil
	}
)

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=imucal IMU gyroscope calibration supervisor
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{ .Executable }} daemon --config {{ .ConfigPath }} --daemon-socket {{ .SocketPath }}{{ if .AllowNonRoot }} --always-allow-non-root-access{{ end }}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=multi-user.target
`))

// Unit describes the installed service.
type Unit struct {
	Executable   string
	ConfigPath   string
	SocketPath   string
	AllowNonRoot bool
}

// Render returns the systemd unit file for u.
func (u Unit) Render() (string, error) {
	var buf bytes.Buffer
	if err := unitTemplate.Execute(&buf, u); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Install writes the unit for the current executable and starts it.
func Install(configPath, socketPath string, allowNonRoot bool) error {
	// Get the path to the current executable
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get the path to the current executable: %w", err)
	}
	exePath, err = filepath.Abs(exePath)
	if err != nil {
		return fmt.Errorf("failed to get the absolute path to the current executable: %w", err)
	}

	err = os.Chmod(exePath, 0755)
	if err != nil {
		return fmt.Errorf("failed to chmod the current executable to 0755: %w", err)
	}

	logrus.Infof("current executable path: %s", exePath)

	return install(Unit{
		Executable:   exePath,
		ConfigPath:   configPath,
		SocketPath:   socketPath,
		AllowNonRoot: allowNonRoot,
	})
}

func install(u Unit) error {
	unit, err := u.Render()
	if err != nil {
		return fmt.Errorf("failed to render unit: %w", err)
	}

	logrus.Infof("writing systemd unit to %s", unitPath)

	err = os.MkdirAll(filepath.Dir(unitPath), 0755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(unitPath), err)
	}

	// warn if the file already exists
	_, err = os.Stat(unitPath)
	if err == nil {
		logrus.Warnf("%s already exists, overwriting", unitPath)
	}

	err = os.WriteFile(unitPath, []byte(unit), 0644)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", unitPath, err)
	}

	logrus.Infof("starting imucal")

	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	return systemctl("enable", "--now", unitName)
}
