// Package logging installs the process-wide log handler.
package logging

import (
	"fmt"
	"io"
	"os"

	ethlog "github.com/ethereum/go-ethereum/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// File rotation settings for the JSON log.
const (
	maxSizeMB  = 50
	maxBackups = 5
	maxAgeDays = 28
)

// Setup routes the root logger to stderr and, when file is set, to a
// rotating JSON log. Records below level are dropped.
func Setup(level, file string) error {
	h, err := Handler(level, os.Stderr, file)
	if err != nil {
		return err
	}
	ethlog.Root().SetHandler(h)
	return nil
}

// Handler builds the handler Setup installs.
func Handler(level string, console io.Writer, file string) (ethlog.Handler, error) {
	lvl := ethlog.LvlInfo
	if level != "" {
		var err error
		if lvl, err = ethlog.LvlFromString(level); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
	}
	handlers := []ethlog.Handler{ethlog.StreamHandler(console, ethlog.TerminalFormat(false))}
	if file != "" {
		handlers = append(handlers, ethlog.StreamHandler(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		}, ethlog.JSONFormat()))
	}
	return ethlog.LvlFilterHandler(lvl, ethlog.MultiHandler(handlers...)), nil
}
