package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HLC is a hybrid logical clock timestamp. Ordering is total: wall, counter,
// then node id.
type HLC struct {
	Wall    int64  `json:"wall"`
	Counter int64  `json:"counter"`
	NodeID  string `json:"node_id"`
}

// DefaultHLC orders before every timestamp a clock can issue.
var DefaultHLC = HLC{NodeID: "default"}

func (h HLC) String() string {
	return fmt.Sprintf("%d:%d:%s", h.Wall, h.Counter, h.NodeID)
}

func (h HLC) IsZero() bool {
	return h.Wall == 0 && h.Counter == 0 && h.NodeID == ""
}

func ParseHLC(raw string) HLC {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return HLC{}
	}
	wall, _ := strconv.ParseInt(parts[0], 10, 64)
	counter, _ := strconv.ParseInt(parts[1], 10, 64)
	return HLC{Wall: wall, Counter: counter, NodeID: parts[2]}
}

func CompareHLC(a, b HLC) int {
	if a.Wall < b.Wall {
		return -1
	}
	if a.Wall > b.Wall {
		return 1
	}
	if a.Counter < b.Counter {
		return -1
	}
	if a.Counter > b.Counter {
		return 1
	}
	return strings.Compare(a.NodeID, b.NodeID)
}

func NextHLC(now time.Time, last HLC, nodeID string) HLC {
	wall := now.UTC().UnixMilli()
	if wall < last.Wall {
		wall = last.Wall
	}
	counter := int64(0)
	if wall == last.Wall {
		counter = last.Counter + 1
	}
	return HLC{Wall: wall, Counter: counter, NodeID: nodeID}
}

// Observe moves last forward past a remote timestamp so later local writes
// always win over what this replica has already seen.
func Observe(last, seen HLC) HLC {
	if CompareHLC(seen, last) > 0 {
		return HLC{Wall: seen.Wall, Counter: seen.Counter, NodeID: last.NodeID}
	}
	return last
}
