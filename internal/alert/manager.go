package alert

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter is the sink for operational events the operator must see.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
	defaultSendTimeout        = 20 * time.Second
)

type ManagerOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
}

// Manager delivers alerts asynchronously so the trading path never blocks
// on the notifier. When the queue is full, alerts are dropped and counted;
// drops are reported periodically.
type Manager struct {
	mode       string
	instanceID string
	notifier   Notifier

	queue              chan event
	stop               chan struct{}
	done               chan struct{}
	dropReportInterval time.Duration
	droppedTotal       uint64
	droppedInWindow    uint64
	wg                 sync.WaitGroup
	mu                 sync.RWMutex
	closed             bool
}

type event struct {
	name   string
	fields map[string]string
}

func NewManager(mode, instanceID string, notifier Notifier) *Manager {
	return NewManagerWithOptions(mode, instanceID, notifier, ManagerOptions{
		QueueSize:          defaultQueueSize,
		DropReportInterval: defaultDropReportInterval,
	})
}

func NewManagerWithOptions(mode, instanceID string, notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	reportInterval := opts.DropReportInterval
	if reportInterval < 0 {
		reportInterval = 0
	}
	m := &Manager{
		mode:               mode,
		instanceID:         instanceID,
		notifier:           notifier,
		queue:              make(chan event, queueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: reportInterval,
	}
	m.wg.Add(1)
	go m.loop()
	if m.dropReportInterval > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(name string, fields map[string]string) {
	if m == nil || m.notifier == nil {
		return
	}
	ev := event{name: name, fields: cloneFields(fields)}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	select {
	case m.queue <- ev:
		m.mu.RUnlock()
	default:
		total := atomic.AddUint64(&m.droppedTotal, 1)
		inWindow := atomic.AddUint64(&m.droppedInWindow, 1)
		m.mu.RUnlock()
		// First drop in a window is logged immediately; the rest go into
		// the periodic summary.
		if inWindow == 1 {
			log.Printf(
				"level=WARN event=alert_queue_dropped target_event=%q dropped_total=%d queue_cap=%d",
				name,
				total,
				cap(m.queue),
			)
		}
	}
}

// Close drains the queue, then stops the workers.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDrops()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDrops()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) reportDrops() {
	dropped := atomic.SwapUint64(&m.droppedInWindow, 0)
	if dropped == 0 {
		return
	}
	log.Printf(
		"level=WARN event=alert_queue_dropped_report dropped_in_window=%d dropped_total=%d queue_len=%d queue_cap=%d",
		dropped,
		atomic.LoadUint64(&m.droppedTotal),
		len(m.queue),
		cap(m.queue),
	)
}

func (m *Manager) send(ev event) {
	msg := m.buildMessage(ev.name, ev.fields)
	ctx, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, msg); err != nil {
		log.Printf("level=ERROR event=alert_notify_failed target_event=%q err=%q", ev.name, err.Error())
	}
}

func (m *Manager) buildMessage(name string, fields map[string]string) string {
	lines := []string{
		"[trade-assistant] " + name,
		"time: " + time.Now().UTC().Format(time.RFC3339),
		"mode: " + m.mode,
		"instance: " + m.instanceID,
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
