package replication

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kamailio/kamailio-sub007/internal/backend"
	"github.com/kamailio/kamailio-sub007/internal/flags"
	"github.com/kamailio/kamailio-sub007/internal/registry"
)

// Slot is a registry record plus the live connection to its backend.
type Slot struct {
	registry.Record
	conn backend.Conn
}

// Connected reports whether the slot has a live connection.
func (s *Slot) Connected() bool {
	return s.conn != nil
}

func (s *Slot) close(log logrus.FieldLogger) {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		log.WithError(err).WithField("slot", s.Number).Debug("closing backend connection")
	}
	s.conn = nil
}

// Handle is the cached routing state of one shard. Its lock is held from
// Pool.Acquire to Pool.Release, so one operation at a time runs against a
// shard's connections.
type Handle struct {
	ShardID int

	mu          sync.Mutex
	slots       []*Slot
	working     int
	loaded      bool
	leaseExpiry time.Time
	entry       *flags.Entry

	// pending is guarded by the pool lock.
	pending int
}

// Working returns the number of slots in rotation with a live connection.
func (h *Handle) Working() int {
	return h.working
}

// Records returns a copy of the slot records in slot order.
func (h *Handle) Records() []registry.Record {
	recs := make([]registry.Record, len(h.slots))
	for i, s := range h.slots {
		recs[i] = s.Record
	}
	return recs
}

// LeaseExpiry returns when the pool will rebuild the handle.
func (h *Handle) LeaseExpiry() time.Time {
	return h.leaseExpiry
}

func (h *Handle) slotByNumber(num int) (int, *Slot) {
	for i, s := range h.slots {
		if s.Number == num {
			return i, s
		}
	}
	return -1, nil
}

func (h *Handle) onCount() int {
	n := 0
	for _, s := range h.slots {
		if s.Status == registry.StatusOn {
			n++
		}
	}
	return n
}

func (h *Handle) countWorking() {
	n := 0
	for _, s := range h.slots {
		if s.Status == registry.StatusOn && s.Connected() {
			n++
		}
	}
	h.working = n
}

// apply replaces the cached records. A connection survives only if its
// slot is still in rotation at the same url.
func (h *Handle) apply(recs []registry.Record, log logrus.FieldLogger) {
	if len(h.slots) != len(recs) {
		for _, s := range h.slots {
			s.close(log)
		}
		h.slots = make([]*Slot, len(recs))
		for i := range recs {
			h.slots[i] = &Slot{}
		}
	}
	for i, rec := range recs {
		s := h.slots[i]
		if s.Connected() && (s.URL != rec.URL || rec.Status != registry.StatusOn) {
			s.close(log)
		}
		s.Record = rec
	}
	h.loaded = true
	h.countWorking()
}

// ensureConnections opens a connection for every slot in rotation that has
// none. Failures leave the slot unconnected.
func (h *Handle) ensureConnections(ctx context.Context, driver backend.Driver, log logrus.FieldLogger) {
	for _, s := range h.slots {
		if s.Status != registry.StatusOn || s.Connected() {
			continue
		}
		conn, err := driver.Open(ctx, s.URL)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{"shard": h.ShardID, "slot": s.Number}).Debug("backend not reachable")
			continue
		}
		s.conn = conn
	}
	h.countWorking()
}

func (h *Handle) dropConnection(s *Slot, log logrus.FieldLogger) {
	s.close(log)
	h.countWorking()
}

func (h *Handle) closeAll(log logrus.FieldLogger) {
	for _, s := range h.slots {
		s.close(log)
	}
	h.countWorking()
}

// readOrder returns the indexes of slots in rotation, the one that failed
// over longest ago first.
func (h *Handle) readOrder() []int {
	var order []int
	for i, s := range h.slots {
		if s.Status == registry.StatusOn {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return h.slots[order[a]].FailoverTime.Before(h.slots[order[b]].FailoverTime)
	})
	return order
}
