// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/taibuivan/tradepost/internal/platform/constants"
	"github.com/taibuivan/tradepost/internal/platform/failover"
	"github.com/taibuivan/tradepost/internal/platform/respond"
)

// readinessTimeout bounds the whole /ready probe.
const readinessTimeout = 3 * time.Second

// StatusReporter is implemented by every dual-backend store.
type StatusReporter interface {
	Status(context context.Context) failover.Status
}

// HealthDependencies holds the injectable dependency checkers for the /ready endpoint.
type HealthDependencies struct {
	// CheckDatabase pings the PostgreSQL pool holding the user directory.
	CheckDatabase func(context context.Context) error

	// Stores are the session, OTP and one-time token stores.
	Stores []StatusReporter
}

type healthHandler struct {
	dependencies HealthDependencies
	logger       *slog.Logger
}

// NewHealthHandlers creates the /health and /ready http.HandlerFuncs.
func NewHealthHandlers(deps HealthDependencies, logger *slog.Logger) (liveness, readiness http.HandlerFunc) {
	handler := &healthHandler{dependencies: deps, logger: logger}
	return handler.liveness, handler.readiness
}

// liveness handles GET /health (Liveness probe).
func (handler *healthHandler) liveness(writer http.ResponseWriter, request *http.Request) {
	respond.OK(writer, map[string]string{constants.FieldStatus: "ok"})
}

type databaseCheck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

/*
readiness handles GET /ready (Readiness probe).

A store serving from its fallback is degraded but ready. The probe fails when
the directory database is down or a store has no backend left.
*/
func (handler *healthHandler) readiness(writer http.ResponseWriter, request *http.Request) {
	ctx, cancel := context.WithTimeout(request.Context(), readinessTimeout)
	defer cancel()

	isReady := true
	isDegraded := false

	// Check PostgreSQL
	database := databaseCheck{OK: true}
	if handler.dependencies.CheckDatabase != nil {
		if err := handler.dependencies.CheckDatabase(ctx); err != nil {
			database = databaseCheck{OK: false, Error: err.Error()}
			isReady = false
			handler.logger.ErrorContext(ctx, "readiness_check_failed", slog.String("dependency", "postgres"), slog.Any("error", err))
		}
	}

	// Check every dual-backend store
	stores := make([]failover.Status, 0, len(handler.dependencies.Stores))
	for _, store := range handler.dependencies.Stores {
		status := store.Status(ctx)
		if !status.Ready() {
			isReady = false
			handler.logger.ErrorContext(ctx, "readiness_check_failed", slog.String("dependency", status.Store))
		} else if !status.PrimaryUp {
			isDegraded = true
		}
		stores = append(stores, status)
	}

	responseStatus := "ready"
	httpStatus := http.StatusOK
	switch {
	case !isReady:
		responseStatus = "unavailable"
		httpStatus = http.StatusServiceUnavailable
	case isDegraded:
		responseStatus = "degraded"
	}

	respond.JSON(writer, httpStatus, respond.SuccessEnvelope{Data: map[string]any{
		constants.FieldStatus: responseStatus,
		constants.FieldChecks: map[string]any{
			"postgres": database,
			"stores":   stores,
		},
	}})
}
