package api

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Chounic/next-tasks-manager/domain"
)

// PoolConfig sizes the background change event publisher.
type PoolConfig struct {
	Workers        int
	Buffer         int
	Timeout        time.Duration
	HandoffTimeout time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:        8,
		Buffer:         1024,
		Timeout:        30 * time.Second,
		HandoffTimeout: 15 * time.Millisecond,
	}
}

type publishJob struct {
	userID string
	events []domain.ChangeEvent
}

// publisher hands change events to a fixed set of workers. When the buffer
// stays full past the handoff timeout the caller publishes inline.
type publisher struct {
	sink   EventPublisher
	logger *log.Logger
	cfg    PoolConfig

	jobs      chan publishJob
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// newPublisher starts the workers. It returns nil when sink is nil; a nil
// publisher drops every event.
func newPublisher(sink EventPublisher, cfg PoolConfig, logger *log.Logger) *publisher {
	if sink == nil {
		return nil
	}
	def := DefaultPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	p := &publisher{
		sink:   sink,
		logger: logger,
		cfg:    cfg,
		jobs:   make(chan publishJob, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.Infof("event publisher started, workers: %d, buffer: %d, timeout: %v, handoff: %v", cfg.Workers, cfg.Buffer, cfg.Timeout, cfg.HandoffTimeout)
	return p
}

func (p *publisher) worker(id int) {
	defer p.wg.Done()
	for j := range p.jobs {
		if err := p.send(j); err != nil {
			p.logger.Errorf("publish failed, err: %v, user: %s, count: %d, worker: %d", err, j.userID, len(j.events), id)
		}
	}
}

func (p *publisher) send(j publishJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()
	return p.sink.Publish(ctx, j.events)
}

// publish queues events for userID and never fails the caller.
func (p *publisher) publish(userID string, events []domain.ChangeEvent) {
	if p == nil || len(events) == 0 {
		return
	}
	job := publishJob{userID: userID, events: events}
	if p.tryEnqueue(job) {
		return
	}
	p.logger.Warn("publish buffer saturated; publishing inline")
	if err := p.send(job); err != nil {
		p.logger.Errorf("publish inline failed, err: %v, user: %s", err, userID)
	}
}

func (p *publisher) tryEnqueue(job publishJob) bool {
	if ok, closed := trySendNonBlocking(p.jobs, job); closed {
		return false
	} else if ok {
		return true
	}
	if p.cfg.HandoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(p.cfg.HandoffTimeout)
	defer timer.Stop()
	ok, _ := sendWithTimer(p.jobs, job, timer.C)
	return ok
}

// Close stops accepting jobs and waits for queued ones to be published.
func (p *publisher) Close() {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() {
		close(p.jobs)
		p.wg.Wait()
	})
}

func trySendNonBlocking(ch chan publishJob, job publishJob) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(ch chan publishJob, job publishJob, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	case <-timer:
		return false, false
	}
}
