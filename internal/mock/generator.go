// Package mock publishes synthetic traffic events, letting the dashboard
// run without a live proxy in front of it.
package mock

import (
	"context"
	"math/rand"
	"time"

	"github.com/proxyscope/backend/internal/event"
)

var (
	methods = []string{"GET", "GET", "GET", "GET", "POST", "POST", "PUT", "DELETE"}
	hosts   = []string{"example.com", "api.example.com", "cdn.example.net", "auth.example.org"}
	paths   = []string{"/", "/index.html", "/api/v1/users", "/api/v1/orders", "/static/app.js", "/healthz"}
	// Weighted toward success, like real traffic.
	statuses = []int{200, 200, 200, 200, 200, 201, 204, 301, 304, 404, 500, 502}
)

type Generator struct {
	bus      *event.Bus
	interval time.Duration
	rng      *rand.Rand
}

func NewGenerator(bus *event.Bus, interval time.Duration) *Generator {
	return &Generator{
		bus:      bus,
		interval: interval,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start publishes one synthetic request event per interval until ctx is
// cancelled. It blocks; run it in a goroutine.
func (g *Generator) Start(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.bus.Publish(g.next())
		}
	}
}

func (g *Generator) next() event.Event {
	return event.Event{
		"event_name":  "request_complete",
		"method":      methods[g.rng.Intn(len(methods))],
		"host":        hosts[g.rng.Intn(len(hosts))],
		"path":        paths[g.rng.Intn(len(paths))],
		"status_code": statuses[g.rng.Intn(len(statuses))],
		"duration_ms": 5 + g.rng.Intn(900),
		"bytes_sent":  g.rng.Intn(64 << 10),
		"time":        time.Now().UnixMilli(),
	}
}
