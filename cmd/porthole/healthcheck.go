package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const healthcheckTimeout = 10 * time.Second

type healthcheck func(ctx context.Context) error

type healthcheckManager struct {
	healthchecks map[string]healthcheck
}

func newHealthcheckManager() *healthcheckManager {
	return &healthcheckManager{healthchecks: make(map[string]healthcheck)}
}

func (m *healthcheckManager) AddCheck(name string, h healthcheck) {
	m.healthchecks[name] = h
}

func (m *healthcheckManager) CheckHealth(ctx context.Context) error {
	// Buffered so the checker goroutine can finish even after a timeout.
	cerr := make(chan error, 1)
	go func() {
		for name, check := range m.healthchecks {
			if err := check(ctx); err != nil {
				cerr <- errors.Wrapf(err, "%s is unhealthy", name)
				return
			}
		}
		cerr <- nil
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-cerr:
		return err
	}
}

func (m *healthcheckManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthcheckTimeout)
	defer cancel()

	// run healthchecks
	if err := m.CheckHealth(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
}
