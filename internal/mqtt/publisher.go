package mqtt

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/fleetworks/fleetcore/internal/events"
	"github.com/fleetworks/fleetcore/internal/fleet"
)

// Snapshotter supplies per-tick agent telemetry.
type Snapshotter interface {
	Snapshot() []fleet.AgentStatus
}

// Publisher pushes agent telemetry to the broker once per interval:
// one message per agent on <prefix>/<fleet>/agents/<id>, plus the full
// snapshot on <prefix>/<fleet>/agents. Structured events are mirrored to
// <prefix>/<fleet>/events as they are emitted.
type Publisher struct {
	client   *Client
	source   Snapshotter
	prefix   string
	fleetID  string
	interval time.Duration

	sub      events.Subscriber
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPublisher creates a telemetry publisher. Call Start to begin.
func NewPublisher(client *Client, source Snapshotter, prefix, fleetID string, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Publisher{
		client:   client,
		source:   source,
		prefix:   prefix,
		fleetID:  fleetID,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the publish loop in a background goroutine.
func (p *Publisher) Start() {
	p.sub = events.Subscribe()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case e, ok := <-p.sub:
				if !ok {
					return
				}
				p.publishEvent(e)
			case <-ticker.C:
				p.publishSnapshot()
			}
		}
	}()
}

// Stop halts the publish loop and waits for it to exit.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
	if p.sub != nil {
		events.Unsubscribe(p.sub)
		p.sub = nil
	}
}

func (p *Publisher) publishEvent(e events.Event) {
	if !p.client.IsConnected() {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := p.client.Publish(p.prefix+"/"+p.fleetID+"/events", data); err != nil {
		log.Printf("mqtt publish event failed: %v", err)
	}
}

func (p *Publisher) publishSnapshot() {
	if !p.client.IsConnected() {
		return
	}

	snapshot := p.source.Snapshot()
	base := p.prefix + "/" + p.fleetID + "/agents"

	if data, err := json.Marshal(snapshot); err == nil {
		if err := p.client.Publish(base, data); err != nil {
			log.Printf("mqtt publish snapshot failed: %v", err)
			return
		}
	}

	for _, status := range snapshot {
		data, err := json.Marshal(status)
		if err != nil {
			continue
		}
		if err := p.client.Publish(base+"/"+status.ID, data); err != nil {
			log.Printf("mqtt publish agent %s failed: %v", status.ID, err)
			return
		}
	}
}
