package jobqueue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/Patronage/internal/pkg/env"
)

// PeriodicFunc is a maintenance task run on a fixed interval by the Manager.
type PeriodicFunc func(ctx context.Context) error

type periodicTask struct {
	name     string
	interval time.Duration
	fn       PeriodicFunc
}

// Manager manages the global job queue and background tasks
type Manager struct {
	queue    *Queue
	periodic []periodicTask
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global job queue manager (singleton)
func GetManager() *Manager {
	managerOnce.Do(func() {
		workerCount := 5
		if v, err := strconv.Atoi(env.GetEnv("JOBQUEUE_WORKERS", "5")); err == nil && v > 0 {
			workerCount = v
		}
		globalManager = NewManager(NewQueue(workerCount))
	})
	return globalManager
}

// NewManager wraps an existing queue
func NewManager(q *Queue) *Manager {
	return &Manager{
		queue:  q,
		stopCh: make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// RegisterPeriodic schedules fn every interval once the manager is started.
// Registrations after Start take effect on the next Start.
func (m *Manager) RegisterPeriodic(name string, interval time.Duration, fn PeriodicFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.periodic = append(m.periodic, periodicTask{name: name, interval: interval, fn: fn})
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	for _, task := range m.periodic {
		m.wg.Add(1)
		go m.runPeriodic(task, m.stopCh)
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

func (m *Manager) runPeriodic(task periodicTask, stopCh <-chan struct{}) {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started %s (interval: %s)", task.name, task.interval)

	ticker := time.NewTicker(task.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			log.Infof("[JobQueue Manager] %s stopping", task.name)
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), task.interval)
			if err := task.fn(ctx); err != nil {
				log.Errorf("[JobQueue Manager] %s error: %v", task.name, err)
			}
			cancel()
		}
	}
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
