package lifecycle

import (
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// schedule arms a one-shot timer for the auction at the given deadline, replacing
// any existing timer. Deadlines in the past fire immediately.
func (m *Manager) schedule(auctionID uuid.UUID, at time.Time) {
	duration := at.Sub(m.clock.Now())
	if duration < 0 {
		duration = 0
	}
	timer := m.clock.NewTimer(duration)

	m.deadlinesMu.Lock()
	m.nextGen++
	d := &deadline{timer: timer, at: at, gen: m.nextGen, stop: make(chan struct{})}
	if existing, ok := m.deadlines[auctionID]; ok {
		stopDeadline(existing)
	}
	m.deadlines[auctionID] = d
	m.deadlinesMu.Unlock()

	go m.await(auctionID, d)

	log.Debug().
		Str("auction_id", auctionID.String()).
		Time("deadline", at).
		Dur("duration", duration).
		Msg("scheduled one-shot timer")
}

// await hands the firing to a worker unless the deadline is stopped first.
func (m *Manager) await(auctionID uuid.UUID, d *deadline) {
	select {
	case <-d.timer.Chan():
		select {
		case m.workCh <- firing{auctionID: auctionID, gen: d.gen}:
			log.Debug().Str("auction_id", auctionID.String()).Msg("timer fired - enqueued for closing")
		case <-d.stop:
		case <-m.quit:
		}
	case <-d.stop:
	case <-m.quit:
	}
}

// isCurrent reports whether gen is still the live deadline of the auction.
func (m *Manager) isCurrent(auctionID uuid.UUID, gen uint64) bool {
	m.deadlinesMu.Lock()
	defer m.deadlinesMu.Unlock()
	d, ok := m.deadlines[auctionID]
	return ok && d.gen == gen
}

// cancelTimer cancels and removes the active timer for an auction
func (m *Manager) cancelTimer(auctionID uuid.UUID) {
	m.deadlinesMu.Lock()
	defer m.deadlinesMu.Unlock()

	if d, ok := m.deadlines[auctionID]; ok {
		stopDeadline(d)
		delete(m.deadlines, auctionID)
		log.Debug().Str("auction_id", auctionID.String()).Msg("cancelled timer")
	}
}

// removeTimer drops the timer of an auction if it is still generation gen
func (m *Manager) removeTimer(auctionID uuid.UUID, gen uint64) {
	m.deadlinesMu.Lock()
	defer m.deadlinesMu.Unlock()
	if d, ok := m.deadlines[auctionID]; ok && d.gen == gen {
		stopDeadline(d)
		delete(m.deadlines, auctionID)
	}
}

// hasTimer reports whether the auction has a live deadline.
func (m *Manager) hasTimer(auctionID uuid.UUID) bool {
	m.deadlinesMu.Lock()
	defer m.deadlinesMu.Unlock()
	_, ok := m.deadlines[auctionID]
	return ok
}

// stopAll cancels every timer, returning the auctions that had one.
func (m *Manager) stopAll() []uuid.UUID {
	m.deadlinesMu.Lock()
	defer m.deadlinesMu.Unlock()

	ids := make([]uuid.UUID, 0, len(m.deadlines))
	for auctionID, d := range m.deadlines {
		stopDeadline(d)
		ids = append(ids, auctionID)
	}
	m.deadlines = make(map[uuid.UUID]*deadline)
	return ids
}

func stopDeadline(d *deadline) {
	stopAndDrainTimer(d.timer)
	close(d.stop)
}

// stopAndDrainTimer safely stops a timer and drains its channel to prevent goroutine leaks.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
