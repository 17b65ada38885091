package main

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ggoodman/ontap-mcp-server-go/internal/logctx"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// newLogger renders colored text on a terminal and JSON otherwise.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}

	var h slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		h = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	} else {
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}
	log := slog.New(logctx.Handler{Handler: h})
	slog.SetDefault(log)
	return log
}
