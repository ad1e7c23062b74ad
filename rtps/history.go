package rtps

import (
	"slices"
	"sync"
	"time"
)

// instance is the set of live changes sharing one key, oldest first.
type instance struct {
	key     []byte
	changes []*CacheChange
	state   ChangeKind
}

// HistoryCache is the bounded, sequence ordered log of one endpoint.
//
// Every change is checked against the resource limits before anything is
// modified, so a failed write leaves the cache exactly as it was and does
// not consume a sequence number.
type HistoryCache struct {
	mu        sync.RWMutex
	guid      GUID
	history   HistoryQosPolicy
	limits    ResourceLimitsQosPolicy
	seqNum    SeqNum // last sequence number handed out
	instances map[string]*instance
	changes   []*CacheChange // live changes, ascending seqNum

	// dispose changes whose instance has been removed, ascending.
	// They stay visible to late joiners until reclaimed.
	tombstones []SeqNum
}

func NewHistoryCache(guid GUID, qos QoS) *HistoryCache {
	return &HistoryCache{
		guid:      guid,
		history:   qos.History,
		limits:    qos.ResourceLimits,
		instances: make(map[string]*instance),
	}
}

func limited(n int) bool {
	return n != LengthUnlimited
}

func (h *HistoryCache) Write(payload, key []byte, ts time.Time) (*CacheChange, error) {
	return h.add(ChangeKindWrite, key, payload, ts)
}

// Dispose records the end of an instance. Earlier changes of the instance
// are dropped and the instance no longer counts against max_instances.
func (h *HistoryCache) Dispose(key []byte, ts time.Time) (*CacheChange, error) {
	return h.add(ChangeKindDispose, key, nil, ts)
}

func (h *HistoryCache) Unregister(key []byte, ts time.Time) (*CacheChange, error) {
	return h.add(ChangeKindUnregister, key, nil, ts)
}

func (h *HistoryCache) add(kind ChangeKind, key, payload []byte, ts time.Time) (*CacheChange, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	k := string(key)
	inst := h.instances[k]
	if inst == nil && kind != ChangeKindWrite {
		return nil, ErrUnknownInstance
	}

	// a dispose replaces every change of its instance with one tombstone,
	// so it can never grow the cache
	reclaim := false
	evict := false
	if kind != ChangeKindDispose {
		var err error
		if evict, reclaim, err = h.checkLimits(inst); err != nil {
			return nil, err
		}
	}

	if reclaim {
		h.removeChange(h.tombstones[0])
		h.tombstones = h.tombstones[1:]
	}
	if inst == nil {
		inst = &instance{key: []byte(k)}
		h.instances[k] = inst
	}
	if evict {
		h.removeChange(inst.changes[0].seqNum)
		inst.changes = inst.changes[1:]
	}

	h.seqNum++
	c := newCacheChange(h.guid, h.seqNum, kind, key, payload, ts)
	h.changes = append(h.changes, c)

	if kind == ChangeKindDispose {
		for _, old := range inst.changes {
			h.removeChange(old.seqNum)
		}
		delete(h.instances, k)
		h.tombstones = append(h.tombstones, c.seqNum)
		return c, nil
	}
	inst.changes = append(inst.changes, c)
	inst.state = kind
	return c, nil
}

// checkLimits decides how a new change for inst fits: whether the oldest
// change of inst is evicted (KEEP_LAST) and whether a tombstone must be
// reclaimed to stay under max_samples. Limits are checked in the order
// max_instances, max_samples, max_samples_per_instance.
func (h *HistoryCache) checkLimits(inst *instance) (evict, reclaim bool, err error) {
	perInstance := 0
	if inst != nil {
		perInstance = len(inst.changes)
		evict = h.history.Kind == KeepLast && perInstance >= h.history.Depth
	}
	if evict {
		perInstance--
	}

	if inst == nil && limited(h.limits.MaxInstances) && len(h.instances) >= h.limits.MaxInstances {
		return false, false, exhausted(LimitMaxInstances, h.limits.MaxInstances)
	}

	total := len(h.changes)
	if evict {
		total--
	}
	if limited(h.limits.MaxSamples) && total >= h.limits.MaxSamples {
		if len(h.tombstones) == 0 {
			return false, false, exhausted(LimitMaxSamples, h.limits.MaxSamples)
		}
		reclaim = true
	}

	if limited(h.limits.MaxSamplesPerInstance) && perInstance >= h.limits.MaxSamplesPerInstance {
		return false, false, exhausted(LimitMaxSamplesPerInstance, h.limits.MaxSamplesPerInstance)
	}
	return evict, reclaim, nil
}

func (h *HistoryCache) indexOf(seq SeqNum) (int, bool) {
	return slices.BinarySearchFunc(h.changes, seq, func(c *CacheChange, s SeqNum) int {
		switch {
		case c.seqNum < s:
			return -1
		case c.seqNum > s:
			return 1
		}
		return 0
	})
}

func (h *HistoryCache) removeChange(seq SeqNum) {
	if i, ok := h.indexOf(seq); ok {
		h.changes = slices.Delete(h.changes, i, i+1)
	}
}

// ChangesSince returns the live changes with a sequence number strictly
// greater than seq, in order. The slice is a snapshot owned by the caller.
func (h *HistoryCache) ChangesSince(seq SeqNum) []*CacheChange {
	h.mu.RLock()
	defer h.mu.RUnlock()

	i, found := h.indexOf(seq)
	if found {
		i++
	}
	return slices.Clone(h.changes[i:])
}

func (h *HistoryCache) Get(seq SeqNum) (*CacheChange, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if i, ok := h.indexOf(seq); ok {
		return h.changes[i], true
	}
	return nil, false
}

// SeqNumMin is the lowest live sequence number, or SeqNumMax()+1 when the cache is empty.
func (h *HistoryCache) SeqNumMin() SeqNum {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.changes) == 0 {
		return h.seqNum + 1
	}
	return h.changes[0].seqNum
}

// SeqNumMax is the last sequence number handed out; 0 before the first change.
func (h *HistoryCache) SeqNumMax() SeqNum {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seqNum
}

func (h *HistoryCache) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.changes)
}

func (h *HistoryCache) InstanceCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.instances)
}

// InstanceLen is the number of live changes held for key.
func (h *HistoryCache) InstanceLen(key []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if inst := h.instances[string(key)]; inst != nil {
		return len(inst.changes)
	}
	return 0
}
