package epoch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fenilsonani/nvmm/internal/metrics"
	"github.com/fenilsonani/nvmm/internal/nvmmlog"
)

// Tunable intervals, named after epoch_manager_impl.cc's MONITOR_INTERVAL_US
// / HEARTBEAT_INTERVAL_US / TIMEOUT_US constants. Variables rather than
// constants so tests can shrink them instead of sleeping for production
// durations.
var (
	MonitorInterval   = 50 * time.Millisecond
	HeartbeatInterval = 20 * time.Millisecond
	LaggardTimeout    = 2 * time.Second
)

// FailureFunc is invoked once per advance_frontier pass for every
// participant the monitor concludes has stalled past LaggardTimeout. It is
// the caller's hook to actually terminate or clean up after that
// participant; epoch itself only observes, it never kills a process.
type FailureFunc func(participantID uint64)

// Manager runs one participant's epoch protocol: entering/exiting critical
// sections, reporting progress on a heartbeat, and trying to advance the
// shared frontier on a monitor tick. One Manager exists per process per
// EpochVector.
type Manager struct {
	vec           *Vector
	participantID uint64
	mySlot        uint64
	instanceLabel string

	epochLock   sync.RWMutex
	activeCount int64

	onFailure FailureFunc

	cancel context.CancelFunc
	group  *errgroup.Group

	lastScan time.Time
}

// NewManager registers participantID in vec and returns a Manager ready for
// Start. onFailure may be nil.
func NewManager(vec *Vector, participantID uint64, instanceLabel string, onFailure FailureFunc) (*Manager, error) {
	slotIdx, err := vec.RegisterParticipant(participantID)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		vec:           vec,
		participantID: participantID,
		mySlot:        slotIdx,
		instanceLabel: instanceLabel,
		onFailure:     onFailure,
		lastScan:      time.Now(),
	}
	m.vec.UpdateReported(m.mySlot, m.vec.Frontier())
	return m, nil
}

// Start spawns the heartbeat and monitor goroutines under ctx, and runs one
// synchronous AdvanceFrontier pass first so the frontier advances at least
// once even if the process is short-lived (matches the constructor's
// unconditional first advance_frontier() call in epoch_manager_impl.cc).
func (m *Manager) Start(ctx context.Context) {
	m.AdvanceFrontier()

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	m.group = g

	g.Go(func() error { return m.heartbeatLoop(gctx) })
	g.Go(func() error { return m.monitorLoop(gctx) })
}

// Stop cancels the background goroutines, waits for them to exit, and
// unregisters this participant.
func (m *Manager) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	var err error
	if m.group != nil {
		err = m.group.Wait()
	}
	m.vec.UnregisterParticipant(m.mySlot)
	return err
}

// EnterCritical marks the start of a critical section: memory reclaimed by
// other participants must not be freed back to the OS/allocator while any
// participant is inside one. The first entrant since the last exit reports
// this process's progress to the shared frontier.
func (m *Manager) EnterCritical() {
	m.epochLock.RLock()
	if atomic.AddInt64(&m.activeCount, 1) == 1 {
		m.reportFrontier()
	}
}

// ExitCritical ends a critical section begun by EnterCritical.
func (m *Manager) ExitCritical() {
	atomic.AddInt64(&m.activeCount, -1)
	m.epochLock.RUnlock()
}

func (m *Manager) reportFrontier() {
	m.vec.UpdateReported(m.mySlot, m.vec.Frontier())
}

// ReportedEpoch returns this participant's last-reported epoch.
func (m *Manager) ReportedEpoch() uint64 {
	for _, p := range m.vec.Participants() {
		if p.Slot == m.mySlot {
			return p.Reported
		}
	}
	return 0
}

// FrontierEpoch returns the vector's current frontier.
func (m *Manager) FrontierEpoch() uint64 { return m.vec.Frontier() }

func (m *Manager) heartbeatLoop(ctx context.Context) error {
	t := time.NewTicker(HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.heartbeat()
		}
	}
}

// heartbeat grabs the exclusive lock to drain active critical sections,
// then reports progress, mirroring heartbeat_thread_entry's
// epoch_lock_.exclusiveLock() / report_frontier() / exclusiveUnlock().
func (m *Manager) heartbeat() {
	m.epochLock.Lock()
	defer m.epochLock.Unlock()
	m.reportFrontier()
}

func (m *Manager) monitorLoop(ctx context.Context) error {
	t := time.NewTicker(MonitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.AdvanceFrontier()
		}
	}
}

// AdvanceFrontier scans every participant: if all of them have reported the
// current frontier, it advances the frontier by one. Participants that
// have not reported in over LaggardTimeout are handed to onFailure and
// unregistered. Returns whether the frontier was advanced this call.
func (m *Manager) AdvanceFrontier() bool {
	now := time.Now()
	if now.Sub(m.lastScan) > LaggardTimeout {
		m.vec.RefreshModifiedTime()
	}
	m.lastScan = now

	frontier := m.vec.Frontier()
	participants := m.vec.Participants()

	allCaughtUp := true
	var laggards []Participant
	for _, p := range participants {
		if p.Reported != frontier {
			allCaughtUp = false
			if now.Sub(p.LastModified) > LaggardTimeout {
				laggards = append(laggards, p)
			}
		}
	}

	advanced := false
	if allCaughtUp {
		advanced = m.vec.CASFrontier(frontier, frontier+1)
	}

	if advanced {
		metrics.EpochFrontier.WithLabelValues(m.instanceLabel).Set(float64(frontier + 1))
	}
	metrics.EpochActiveParticipants.WithLabelValues(m.instanceLabel).Set(float64(len(participants)))

	for _, p := range laggards {
		nvmmlog.L().Warn("epoch: participant exceeded laggard timeout, unregistering",
			zap.Uint64("participant_id", p.ID),
			zap.String("instance", m.instanceLabel))
		if m.onFailure != nil {
			m.onFailure(p.ID)
		}
		m.vec.UnregisterParticipant(p.Slot)
	}

	return advanced
}
