package upstream

import (
	"fmt"
	"strings"

	"github.com/polyrelay/account-gateway/internal/config"
)

// NameMap is the bidirectional original<->shortened tool-name map built at
// conversion time and consulted by the matching transcoder. Request-scoped,
// never shared.
type NameMap struct {
	origToShort map[string]string
	shortToOrig map[string]string
}

// NewNameMap builds the map for a tool list, shortening names over the
// 64-character ceiling. Shortening is injective: collisions get a numeric
// suffix until the shortened name is unique.
func NewNameMap(names []string) *NameMap {
	nm := &NameMap{
		origToShort: make(map[string]string, len(names)),
		shortToOrig: make(map[string]string, len(names)),
	}
	for _, name := range names {
		if _, ok := nm.origToShort[name]; ok {
			continue
		}
		short := shortenToolName(name)
		for i := 2; ; i++ {
			if _, taken := nm.shortToOrig[short]; !taken {
				break
			}
			suffix := fmt.Sprintf("_%d", i)
			base := shortenToolName(name)
			if len(base)+len(suffix) > config.MaxToolNameLength {
				base = base[:config.MaxToolNameLength-len(suffix)]
			}
			short = base + suffix
		}
		nm.origToShort[name] = short
		nm.shortToOrig[short] = name
	}
	return nm
}

// shortenToolName enforces the 64-char ceiling. Names carrying an mcp__
// marker keep the marker-prefixed suffix, which holds the server and tool
// identity; everything else is hard-truncated.
func shortenToolName(name string) string {
	if len(name) <= config.MaxToolNameLength {
		return name
	}
	if idx := strings.LastIndex(name, "mcp__"); idx >= 0 {
		suffix := name[idx:]
		if len(suffix) <= config.MaxToolNameLength {
			return suffix
		}
		return suffix[len(suffix)-config.MaxToolNameLength:]
	}
	return name[:config.MaxToolNameLength]
}

// Shorten returns the wire name for an original tool name.
func (nm *NameMap) Shorten(name string) string {
	if nm == nil {
		return name
	}
	if short, ok := nm.origToShort[name]; ok {
		return short
	}
	return name
}

// Restore maps a wire name back to the original tool name.
func (nm *NameMap) Restore(short string) string {
	if nm == nil {
		return short
	}
	if orig, ok := nm.shortToOrig[short]; ok {
		return orig
	}
	return short
}
