// Package events publishes feature change events to Kafka so downstream
// spatial caches can invalidate the cells a new feature touches.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geosync/internal/core/observability"
	"github.com/mohammed-shakir/geosync/internal/mapper"
)

// WireEvent is the JSON message written to the topic.
type WireEvent struct {
	Key         string    `json:"key,omitempty"`
	Layer       string    `json:"layer,omitempty"`
	H3Cells     []string  `json:"h3_cells,omitempty"`
	Resolutions []int     `json:"res,omitempty"`
	Version     uint64    `json:"version"`
	TS          time.Time `json:"ts"`
	Op          string    `json:"op,omitempty"`
}

const OpInsert = "insert"

// Publisher hands events to a transport without blocking the caller.
type Publisher interface {
	Publish(ev WireEvent) bool
	Close() error
}

type Noop struct{}

func (Noop) Publish(WireEvent) bool { return true }
func (Noop) Close() error           { return nil }

// Notifier turns inserts into change events.
type Notifier struct {
	pub      Publisher
	cells    mapper.Interface
	res      int
	maxCells int
	log      *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	seen *lru.Cache[string, uint64]
}

type NotifierConfig struct {
	Res int
	// events covering more cells are coarsened; 0 keeps every cell
	MaxCells int
	// recently published feature versions remembered for dedupe
	DedupeSize int
}

func NewNotifier(pub Publisher, cells mapper.Interface, cfg NotifierConfig, log *slog.Logger) *Notifier {
	if pub == nil {
		pub = Noop{}
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = 4096
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	seen, _ := lru.New[string, uint64](cfg.DedupeSize)
	return &Notifier{
		pub:      pub,
		cells:    cells,
		res:      cfg.Res,
		maxCells: cfg.MaxCells,
		log:      log,
		now:      time.Now,
		seen:     seen,
	}
}

func Layer(projectID int64) string { return "project:" + strconv.FormatInt(projectID, 10) }

// FeatureInserted publishes an insert event for the feature. Repeats for
// the same feature id are dropped.
func (n *Notifier) FeatureInserted(ctx context.Context, projectID, featureID int64, g orb.Geometry) {
	key := fmt.Sprintf("%s:feature:%d", Layer(projectID), featureID)
	if !n.shouldPublish(key, uint64(featureID)) {
		observability.IncChangeEvent("deduped")
		return
	}

	ev := WireEvent{
		Key:     key,
		Layer:   Layer(projectID),
		Version: uint64(featureID),
		TS:      n.now().UTC(),
		Op:      OpInsert,
	}
	if n.cells != nil && g != nil {
		cells, err := n.cells.CellsForGeometry(g, n.res)
		if err == nil {
			var res int
			cells, res, err = n.cells.Coarsen(cells, n.res, n.maxCells)
			if err == nil {
				ev.H3Cells = []string(cells)
				ev.Resolutions = []int{res}
			}
		}
		if err != nil {
			n.log.WarnContext(ctx, "change event without cells", "err", err, "feature_id", featureID)
		}
	}

	if n.pub.Publish(ev) {
		observability.IncChangeEvent("queued")
		return
	}
	observability.IncChangeEvent("dropped")
}

// returns true if v is greater than last seen
func (n *Notifier) shouldPublish(key string, v uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.seen.Get(key); ok && v <= last {
		return false
	}
	n.seen.Add(key, v)
	return true
}
