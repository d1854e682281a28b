package gateway

import (
	"sort"
	"time"

	"github.com/polyrelay/account-gateway/internal/monitoring"
)

func (g *Gateway) buildInitEvent() *monitoring.InitEvent {
	platforms := make([]string, 0, len(g.providers))
	for name := range g.providers {
		platforms = append(platforms, name)
	}
	sort.Strings(platforms)

	return &monitoring.InitEvent{
		Timestamp:            time.Now(),
		Event:                "gateway_init",
		ServerPort:           g.cfg.Server.Port,
		ServerReadTimeoutMs:  g.cfg.Server.ReadTimeout.Milliseconds(),
		ServerWriteTimeoutMs: g.cfg.Server.WriteTimeout.Milliseconds(),
		Routes:               len(g.cfg.Routes),
		Platforms:            platforms,
		TelemetryPath:        g.cfg.Monitoring.LogPath,
	}
}
