// Command withme-ping reports one TYPO3 install or update to the
// TYPO3 with me service. It always exits 0 so that it can run as a
// Composer post-install hook without ever failing the install.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/pflag"

	"example.com/withme/internal/producer"
)

func main() {
	fs := pflag.NewFlagSet("withme-ping", pflag.ContinueOnError)
	endpoint := fs.String("endpoint", producer.DefaultEndpoint, "ingest URL")
	projectDir := fs.String("project-dir", ".", "TYPO3 project directory")
	typo3Version := fs.String("typo3-version", "", "installed TYPO3 core version")
	phpVersion := fs.String("php-version", "", "PHP version (major.minor)")
	event := fs.String("event", "install", "new_install, install, update or a Composer script event name")
	composerVersion := fs.String("composer-version", "", "Composer version")
	verbose := fs.BoolP("verbose", "v", false, "log why a ping was skipped or failed")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(0)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *typo3Version == "" {
		logger.Debug("no TYPO3 version given, nothing to report")
		return
	}
	ev, ok := producer.EventFromComposer(*event)
	if !ok {
		logger.Debug("unknown event, nothing to report", "event", *event)
		return
	}
	dir, err := filepath.Abs(*projectDir)
	if err != nil {
		dir = *projectDir
	}
	host, _ := os.Hostname()

	res := producer.NewClient(*endpoint, logger).Ping(context.Background(), producer.Install{
		ProjectDir:      dir,
		Hostname:        host,
		TYPO3Version:    *typo3Version,
		PHPVersion:      *phpVersion,
		Event:           ev,
		ComposerVersion: *composerVersion,
		OS:              runtime.GOOS,
	})
	switch {
	case res.Sent:
		fmt.Println("TYPO3 with me: ping sent. Opt out anytime with TYPO3_WITHME_OPTOUT=1 or 'enabled: false' in .withme.yaml")
	case res.Skipped != "":
		logger.Debug("ping skipped", "reason", res.Skipped)
	default:
		logger.Debug("could not send ping", "status", res.StatusCode, "err", res.Err)
	}
}
