// Package ports derives per-run TCP port pairs and records them in the
// run's worktree.
package ports

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"strconv"
	"strings"

	"github.com/chainguard-dev/clog"
)

// Reserved range: server ports 9100-9114 and client ports 9200-9214,
// paired by offset.
const (
	ServerPortBase = 9100
	ClientPortBase = 9200
	Slots          = 15
)

// ErrNoFreePorts is returned when every slot in the reserved range is taken.
var ErrNoFreePorts = errors.New("no free port pair in reserved range")

// Pair is a (server, client) port assignment
type Pair struct {
	Server int `json:"server_port"`
	Client int `json:"client_port"`
}

func (p Pair) String() string {
	return fmt.Sprintf("%d/%d", p.Server, p.Client)
}

// slot returns the pair at offset i of the reserved range
func slot(i int) Pair {
	i %= Slots
	return Pair{Server: ServerPortBase + i, Client: ClientPortBase + i}
}

// Offset maps a run id onto a slot of the reserved range. Ids whose first
// eight characters read as base36 use that value; others fall back to FNV-1a.
func Offset(runID string) int {
	prefix := strings.ToLower(runID)
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	if n, err := strconv.ParseUint(prefix, 36, 64); err == nil && prefix != "" {
		return int(n % Slots)
	}
	h := fnv.New32a()
	h.Write([]byte(runID))
	return int(h.Sum32() % Slots)
}

// Deterministic returns the preferred pair for runID, ignoring availability.
func Deterministic(runID string) Pair {
	return slot(Offset(runID))
}

// Prober reports whether a local TCP port can currently be bound.
type Prober func(port int) bool

// IsFree binds and immediately releases 127.0.0.1:port.
func IsFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// Leaser is a shared allocation table consulted by every allocator.
// Lease picks the first candidate not held by another run and records it
// for runID atomically; a run that already holds a lease gets it back.
type Leaser interface {
	Lease(ctx context.Context, runID string, candidates []Pair) (Pair, error)
}

// Allocator hands out port pairs for runs
type Allocator struct {
	probe  Prober
	leaser Leaser
}

// NewAllocator creates an allocator that probes real local ports
func NewAllocator() *Allocator {
	return &Allocator{probe: IsFree}
}

// SetProber replaces the availability check
func (a *Allocator) SetProber(p Prober) {
	a.probe = p
}

// SetLeaser routes allocation through a shared lease table
func (a *Allocator) SetLeaser(l Leaser) {
	a.leaser = l
}

// Candidates lists the currently bindable pairs, starting at the run's
// deterministic slot and scanning forward with wrap-around.
func (a *Allocator) Candidates(runID string) []Pair {
	start := Offset(runID)
	var out []Pair
	for i := 0; i < Slots; i++ {
		p := slot(start + i)
		if a.probe(p.Server) && a.probe(p.Client) {
			out = append(out, p)
		}
	}
	return out
}

// Allocate returns the run's deterministic pair when both ports are free,
// otherwise the next free pair in the range.
func (a *Allocator) Allocate(ctx context.Context, runID string) (Pair, error) {
	log := clog.FromContext(ctx).With("run_id", runID)
	preferred := Deterministic(runID)

	candidates := a.Candidates(runID)
	if a.leaser != nil {
		p, err := a.leaser.Lease(ctx, runID, candidates)
		if err != nil {
			return Pair{}, fmt.Errorf("leasing ports: %w", err)
		}
		log.Infof("Leased ports %s", p)
		return p, nil
	}

	if len(candidates) == 0 {
		return Pair{}, ErrNoFreePorts
	}
	if candidates[0] != preferred {
		log.Warnf("Deterministic ports %s are in use, using %s", preferred, candidates[0])
	}
	return candidates[0], nil
}
