package main

import (
	"context"
	"log/slog"
	"time"
)

// runUptimeClock advances the uptime counter once per tick until ctx ends.
func runUptimeClock(ctx context.Context, store *StateStore, tick time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.ApplyEvent(Mutation{Kind: MutUptimeTick}); err != nil {
				logger.Error("uptime tick rejected", "error", err)
			}
		}
	}
}
