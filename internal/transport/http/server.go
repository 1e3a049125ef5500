package transporthttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// NewServer builds the HTTP server for d. Open streams are cancelled as
// soon as Shutdown starts, so that Shutdown only waits for short requests.
func (d *ServerDeps) NewServer(addr string) *http.Server {
	streams, cancelStreams := context.WithCancel(context.Background())
	d.streams = streams

	srv := &http.Server{
		Addr:              addr,
		Handler:           d.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(d.logger().Handler(), slog.LevelWarn),
	}
	srv.RegisterOnShutdown(cancelStreams)
	return srv
}
