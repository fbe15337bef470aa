package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/carauction/go/internal/auction/guard"
)

// Run starts the closing workers, recovers deadlines from storage and keeps
// reconciling until ctx is cancelled. On return every timer is stopped and this
// instance gives up the guards of the auctions it was tracking.
func (m *Manager) Run(ctx context.Context) error {
	log.Info().
		Str("instance", m.config.InstanceID).
		Int("workers", m.config.NumWorkers).
		Dur("extension_window", m.config.ExtensionWindow).
		Msg("auction lifecycle manager started")

	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	for i := 0; i < m.config.NumWorkers; i++ {
		wg.Add(1)
		go m.worker(workerCtx, &wg, i)
	}

	defer func() {
		m.shutdown()
		cancelWorkers()
		wg.Wait()
		log.Info().Str("instance", m.config.InstanceID).Msg("all lifecycle workers shut down")
	}()

	if err := m.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("initial deadline recovery failed")
	}

	ticker := m.clock.NewTicker(m.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("instance", m.config.InstanceID).Msg("lifecycle manager shutdown requested")
			return nil
		case <-ticker.Chan():
			if err := m.Recover(ctx); err != nil {
				log.Error().Err(err).Msg("deadline reconciliation failed")
			}
		case <-m.wakeCh:
			if err := m.Recover(ctx); err != nil {
				log.Error().Err(err).Msg("deadline reconciliation failed")
			}
		}
	}
}

// Wake asks the run loop to reconcile deadlines as soon as possible.
func (m *Manager) Wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// Recover gives every open auction without a live timer a deadline rebuilt from
// stored state. Auctions whose deadline already passed get a timer that fires
// immediately, so they are closed by the workers after a fresh read.
func (m *Manager) Recover(ctx context.Context) error {
	open, err := m.store.ListOpenAuctions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open auctions: %w", err)
	}

	now := m.clock.Now()
	var scheduled, overdue int
	for _, a := range open {
		if m.hasTimer(a.ID) {
			continue
		}

		release, err := m.guards.Acquire(a.ID)
		if errors.Is(err, guard.ErrRetired) {
			continue
		}
		if err != nil {
			return err
		}
		// A bid may have armed a timer while we waited for the guard.
		if !m.hasTimer(a.ID) {
			due := m.dueAt(a.EndTime, a.ClosesAt, a.LastBidAt)
			if !due.After(now) {
				overdue++
			}
			m.schedule(a.ID, due)
			scheduled++
		}
		release()
	}

	if scheduled > 0 {
		log.Info().
			Str("instance", m.config.InstanceID).
			Int("scheduled", scheduled).
			Int("overdue", overdue).
			Msg("recovered auction deadlines")
	}
	return nil
}

// worker closes auctions whose deadline fired
func (m *Manager) worker(ctx context.Context, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-m.workCh:
			if err := m.fire(ctx, f); err != nil {
				log.Error().
					Err(err).
					Str("auction_id", f.auctionID.String()).
					Str("instance", m.config.InstanceID).
					Int("worker_id", workerID).
					Msg("deadline handling failed")
			}
		}
	}
}

func (m *Manager) shutdown() {
	m.quitMu.Do(func() { close(m.quit) })
	for _, auctionID := range m.stopAll() {
		m.guards.Forget(auctionID)
	}
}
