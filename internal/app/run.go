package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vk/phaseline/internal/ctxlog"
	"github.com/vk/phaseline/internal/phase"
)

// Run seeds config-declared features, starts the control server, and drives
// the scheduling loop until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")
	defer a.store.Close()

	if err := a.seedFeatures(ctx); err != nil {
		return fmt.Errorf("failed to seed features: %w", err)
	}

	var server *http.Server
	if a.appCfg.ControlPort > 0 {
		server = a.startControlServer(a.appCfg.ControlPort)
	}

	err := a.coord.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			a.logger.Error("Control server shutdown failed.", "error", shutdownErr)
		}
	}

	a.logger.Debug("App.Run method finished.")
	return err
}

// seedFeatures enqueues features declared in configuration. Already-known
// features are skipped, so a restart with the same config file changes
// nothing.
func (a *App) seedFeatures(ctx context.Context) error {
	for _, feature := range a.cfg.Features {
		exists, err := a.store.FeatureExists(ctx, feature.ID)
		if err != nil {
			return err
		}
		if exists {
			a.logger.Debug("Feature already seeded; skipping.", "feature", feature.ID)
			continue
		}

		if err := a.store.CreateFeature(ctx, phase.Feature{
			ID:       feature.ID,
			Title:    feature.Title,
			Priority: feature.Priority,
		}); err != nil {
			return err
		}

		phases := make([]phase.Phase, 0, len(feature.Phases))
		for _, seed := range feature.Phases {
			priority := seed.Priority
			if priority == 0 {
				priority = feature.Priority
			}
			phases = append(phases, phase.Phase{
				QueueID:     uuid.NewString(),
				PhaseNumber: seed.Number,
				DependsOn:   phase.DepSet(seed.DependsOn),
				Priority:    priority,
				Payload:     seed.Payload,
			})
		}
		if err := a.store.InsertPhases(ctx, feature.ID, phases); err != nil {
			return err
		}
		a.logger.Info("Feature seeded.", "feature", feature.ID, "phases", len(phases))
	}
	return nil
}

// startControlServer brings the control API up in the background.
func (a *App) startControlServer(port int) *http.Server {
	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{Addr: addr, Handler: a.controlMux()}

	go func() {
		a.logger.Info("Control server starting.", "address", fmt.Sprintf("http://localhost%s", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Control server failed.", "error", err)
		}
	}()
	return server
}
