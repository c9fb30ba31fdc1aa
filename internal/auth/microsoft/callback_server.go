package microsoft

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// CallbackTimeout is how long the local callback server waits for the browser.
const CallbackTimeout = 5 * time.Minute

// CallbackResult is the outcome of a locally received callback.
type CallbackResult struct {
	Principal *Principal
	Err       error
}

// StartCallbackServer listens on the host and port of the configured
// redirect URL and completes the first callback it receives. It is meant for
// CLI logins where the redirect URL points at localhost.
func (f *Flow) StartCallbackServer() (<-chan CallbackResult, func(), error) {
	redirect, err := url.Parse(f.config.RedirectURL)
	if err != nil || redirect.Host == "" {
		return nil, nil, fmt.Errorf("invalid redirect url %q", f.config.RedirectURL)
	}
	if redirect.Scheme != "http" {
		return nil, nil, fmt.Errorf("local callback server needs an http redirect url, got %q", redirect.Scheme)
	}
	host := redirect.Host
	if redirect.Port() == "" {
		host = net.JoinHostPort(redirect.Hostname(), "80")
	}

	listener, err := net.Listen("tcp", host)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start callback server: %w", err)
	}
	log.Infof("🔑 Callback server listening on %s", listener.Addr())

	results := make(chan CallbackResult, 1)
	var once sync.Once
	deliver := func(res CallbackResult) {
		once.Do(func() { results <- res })
	}

	path := redirect.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		p, err := f.serveCallback(w, r)
		deliver(CallbackResult{Principal: p, Err: err})
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("❌ Callback server error")
		}
	}()

	timer := time.AfterFunc(CallbackTimeout, func() {
		deliver(CallbackResult{Err: fmt.Errorf("oauth callback timeout after %s", CallbackTimeout)})
	})

	var stopOnce sync.Once
	cleanup := func() {
		stopOnce.Do(func() {
			timer.Stop()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.WithError(err).Warn("⚠️ Error shutting down callback server")
			}
			log.Info("🛑 Callback server stopped")
		})
	}
	return results, cleanup, nil
}
