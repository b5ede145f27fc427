// Package logging configures the daily, optionally terminal-mirrored log
// file shared by the FUOTA and clock-sync drivers.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// logDirName is the sub-directory created under the configured log path,
// matching the reference implementation's "Update-Logs" directory.
const logDirName = "Update-Logs"

// Setup opens (creating if needed) <logDir>/Update-Logs/<YYYYMMDD>.log and
// points the standard logrus logger at it. When terminal is true, log
// records are also written to stdout.
func Setup(logDir string, terminal bool) (io.Closer, error) {
	dir := filepath.Join(logDir, logDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "logging: create log directory error")
	}

	name := time.Now().Format("20060102") + ".log"
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "logging: open log file error")
	}

	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	var out io.Writer = f
	if terminal {
		out = io.MultiWriter(f, os.Stdout)
	}
	logrus.SetOutput(out)
	logrus.SetLevel(logrus.InfoLevel)

	return f, nil
}
