package rtps

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"go.uber.org/multierr"
)

const (
	QOS_RELIABILITY_KIND_BEST_EFFORT = 1
	QOS_RELIABILITY_KIND_RELIABLE    = 2
	QOS_HISTORY_KIND_KEEP_LAST       = 0
	QOS_HISTORY_KIND_KEEP_ALL        = 1
	QOS_PRESENTATION_SCOPE_INSTANCE  = 0
	QOS_PRESENTATION_SCOPE_TOPIC     = 1
	QOS_PRESENTATION_SCOPE_GROUP     = 2

	// LengthUnlimited disables a resource limit.
	LengthUnlimited = -1
)

// PolicyKind enumerates the QoS policies. The set is closed: every QoS
// value carries all of them.
type PolicyKind int

const (
	PolicyReliability PolicyKind = iota
	PolicyDurability
	PolicyHistory
	PolicyResourceLimits
	PolicyDeadline
	PolicyLatencyBudget
	PolicyLiveliness
	PolicyPresentation
	PolicyOwnership
	PolicyDestinationOrder
	PolicyTransportPriority
	PolicyLifespan
	PolicyPartition
)

var policyNames = [...]string{
	PolicyReliability:       "RELIABILITY",
	PolicyDurability:        "DURABILITY",
	PolicyHistory:           "HISTORY",
	PolicyResourceLimits:    "RESOURCE_LIMITS",
	PolicyDeadline:          "DEADLINE",
	PolicyLatencyBudget:     "LATENCY_BUDGET",
	PolicyLiveliness:        "LIVELINESS",
	PolicyPresentation:      "PRESENTATION",
	PolicyOwnership:         "OWNERSHIP",
	PolicyDestinationOrder:  "DESTINATION_ORDER",
	PolicyTransportPriority: "TRANSPORT_PRIORITY",
	PolicyLifespan:          "LIFESPAN",
	PolicyPartition:         "PARTITION",
}

func (k PolicyKind) String() string {
	if k < 0 || int(k) >= len(policyNames) {
		return fmt.Sprintf("PolicyKind(%d)", int(k))
	}
	return policyNames[k]
}

type ReliabilityKind uint32

const (
	BestEffort ReliabilityKind = QOS_RELIABILITY_KIND_BEST_EFFORT
	Reliable   ReliabilityKind = QOS_RELIABILITY_KIND_RELIABLE
)

type ReliabilityQosPolicy struct {
	Kind            ReliabilityKind
	MaxBlockingTime time.Duration
}

func (o ReliabilityQosPolicy) compatible(r ReliabilityQosPolicy) bool {
	return o.Kind >= r.Kind
}

type DurabilityKind uint32

const (
	Volatile DurabilityKind = iota
	TransientLocal
	Transient
	Persistent
)

type DurabilityQosPolicy struct {
	Kind DurabilityKind
}

func (o DurabilityQosPolicy) compatible(r DurabilityQosPolicy) bool {
	return o.Kind >= r.Kind
}

type HistoryKind uint32

const (
	KeepLast HistoryKind = QOS_HISTORY_KIND_KEEP_LAST
	KeepAll  HistoryKind = QOS_HISTORY_KIND_KEEP_ALL
)

type HistoryQosPolicy struct {
	Kind  HistoryKind
	Depth int
}

type ResourceLimitsQosPolicy struct {
	MaxSamples            int
	MaxInstances          int
	MaxSamplesPerInstance int
}

type DeadlineQosPolicy struct {
	Period time.Duration
}

func (o DeadlineQosPolicy) compatible(r DeadlineQosPolicy) bool {
	return o.Period <= r.Period
}

type LatencyBudgetQosPolicy struct {
	Duration time.Duration
}

func (o LatencyBudgetQosPolicy) compatible(r LatencyBudgetQosPolicy) bool {
	return o.Duration <= r.Duration
}

type LivelinessKind uint32

const (
	Automatic LivelinessKind = iota
	ManualByParticipant
	ManualByTopic
)

type LivelinessQosPolicy struct {
	Kind          LivelinessKind
	LeaseDuration time.Duration
}

func (o LivelinessQosPolicy) compatible(r LivelinessQosPolicy) bool {
	return o.Kind >= r.Kind && o.LeaseDuration <= r.LeaseDuration
}

type PresentationQosPolicy struct {
	AccessScope    uint32
	CoherentAccess bool
	OrderedAccess  bool
}

func (o PresentationQosPolicy) compatible(r PresentationQosPolicy) bool {
	if o.AccessScope < r.AccessScope {
		return false
	}
	if r.CoherentAccess && !o.CoherentAccess {
		return false
	}
	return !r.OrderedAccess || o.OrderedAccess
}

type OwnershipKind uint32

const (
	Shared OwnershipKind = iota
	Exclusive
)

type OwnershipQosPolicy struct {
	Kind OwnershipKind
}

type DestinationOrderKind uint32

const (
	ByReceptionTimestamp DestinationOrderKind = iota
	BySourceTimestamp
)

type DestinationOrderQosPolicy struct {
	Kind DestinationOrderKind
}

type TransportPriorityQosPolicy struct {
	Value int32
}

type LifespanQosPolicy struct {
	Duration time.Duration
}

// PartitionQosPolicy holds partition names; an empty list is the default partition.
// Names may contain path.Match wildcards.
type PartitionQosPolicy struct {
	Names []string
}

func (p PartitionQosPolicy) names() []string {
	if len(p.Names) == 0 {
		return []string{""}
	}
	return p.Names
}

// Matches reports whether the two partition sets share at least one name.
func (p PartitionQosPolicy) Matches(other PartitionQosPolicy) bool {
	for _, a := range p.names() {
		for _, b := range other.names() {
			if partitionNameMatch(a, b) || partitionNameMatch(b, a) {
				return true
			}
		}
	}
	return false
}

func partitionNameMatch(pattern, name string) bool {
	if pattern == name {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// QoS is the full policy set of one endpoint. Use DefaultWriterQoS or
// DefaultReaderQoS as a starting point so every policy has a value.
type QoS struct {
	Reliability       ReliabilityQosPolicy
	Durability        DurabilityQosPolicy
	History           HistoryQosPolicy
	ResourceLimits    ResourceLimitsQosPolicy
	Deadline          DeadlineQosPolicy
	LatencyBudget     LatencyBudgetQosPolicy
	Liveliness        LivelinessQosPolicy
	Presentation      PresentationQosPolicy
	Ownership         OwnershipQosPolicy
	DestinationOrder  DestinationOrderQosPolicy
	TransportPriority TransportPriorityQosPolicy
	Lifespan          LifespanQosPolicy
	Partition         PartitionQosPolicy
}

func defaultQoS() QoS {
	return QoS{
		Reliability: ReliabilityQosPolicy{Kind: BestEffort, MaxBlockingTime: 100 * time.Millisecond},
		Durability:  DurabilityQosPolicy{Kind: Volatile},
		History:     HistoryQosPolicy{Kind: KeepLast, Depth: 1},
		ResourceLimits: ResourceLimitsQosPolicy{
			MaxSamples:            LengthUnlimited,
			MaxInstances:          LengthUnlimited,
			MaxSamplesPerInstance: LengthUnlimited,
		},
		Deadline:     DeadlineQosPolicy{Period: durationInfinite},
		Liveliness:   LivelinessQosPolicy{Kind: Automatic, LeaseDuration: durationInfinite},
		Presentation: PresentationQosPolicy{AccessScope: QOS_PRESENTATION_SCOPE_INSTANCE},
		Lifespan:     LifespanQosPolicy{Duration: durationInfinite},
	}
}

func DefaultWriterQoS() QoS {
	q := defaultQoS()
	q.Reliability.Kind = Reliable
	return q
}

func DefaultReaderQoS() QoS {
	return defaultQoS()
}

func (q QoS) reliable() bool {
	return q.Reliability.Kind == Reliable
}

// IncompatiblePolicies lists the policies for which q, offered by a writer,
// fails what a reader requested. The relation is not symmetric.
func (q QoS) IncompatiblePolicies(requested QoS) []PolicyKind {
	var bad []PolicyKind
	if !q.Reliability.compatible(requested.Reliability) {
		bad = append(bad, PolicyReliability)
	}
	if !q.Durability.compatible(requested.Durability) {
		bad = append(bad, PolicyDurability)
	}
	if !q.Deadline.compatible(requested.Deadline) {
		bad = append(bad, PolicyDeadline)
	}
	if !q.LatencyBudget.compatible(requested.LatencyBudget) {
		bad = append(bad, PolicyLatencyBudget)
	}
	if !q.Liveliness.compatible(requested.Liveliness) {
		bad = append(bad, PolicyLiveliness)
	}
	if !q.Presentation.compatible(requested.Presentation) {
		bad = append(bad, PolicyPresentation)
	}
	if q.Ownership.Kind != requested.Ownership.Kind {
		bad = append(bad, PolicyOwnership)
	}
	if q.DestinationOrder.Kind < requested.DestinationOrder.Kind {
		bad = append(bad, PolicyDestinationOrder)
	}
	return bad
}

// IsCompatibleWith reports whether a writer offering q may serve a reader requesting requested.
func (q QoS) IsCompatibleWith(requested QoS) bool {
	return len(q.IncompatiblePolicies(requested)) == 0
}

func limitValid(n int) bool {
	return n > 0 || n == LengthUnlimited
}

// Validate rejects contradictory settings. All conflicts are reported
// together; the result matches ErrPolicyConflict.
func (q QoS) Validate() error {
	var errs error
	switch q.Reliability.Kind {
	case BestEffort, Reliable:
	default:
		errs = multierr.Append(errs, fmt.Errorf("reliability kind %d", q.Reliability.Kind))
	}
	if q.History.Kind == KeepLast && q.History.Depth <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("history depth %d must be positive", q.History.Depth))
	}
	rl := q.ResourceLimits
	if !limitValid(rl.MaxSamples) || !limitValid(rl.MaxInstances) || !limitValid(rl.MaxSamplesPerInstance) {
		errs = multierr.Append(errs, errors.New("resource limits must be positive or unlimited"))
	}
	if rl.MaxSamples != LengthUnlimited && rl.MaxSamplesPerInstance != LengthUnlimited &&
		rl.MaxSamples < rl.MaxSamplesPerInstance {
		errs = multierr.Append(errs, fmt.Errorf("max_samples %d < max_samples_per_instance %d",
			rl.MaxSamples, rl.MaxSamplesPerInstance))
	}
	if q.History.Kind == KeepLast && rl.MaxSamplesPerInstance != LengthUnlimited &&
		q.History.Depth > rl.MaxSamplesPerInstance {
		errs = multierr.Append(errs, fmt.Errorf("history depth %d > max_samples_per_instance %d",
			q.History.Depth, rl.MaxSamplesPerInstance))
	}
	if q.Deadline.Period <= 0 {
		errs = multierr.Append(errs, errors.New("deadline period must be positive"))
	}
	if q.Liveliness.LeaseDuration <= 0 {
		errs = multierr.Append(errs, errors.New("liveliness lease duration must be positive"))
	}
	if q.Lifespan.Duration <= 0 {
		errs = multierr.Append(errs, errors.New("lifespan must be positive"))
	}
	if q.LatencyBudget.Duration < 0 {
		errs = multierr.Append(errs, errors.New("latency budget must not be negative"))
	}
	if errs != nil {
		return fmt.Errorf("%w: %w", ErrPolicyConflict, errs)
	}
	return nil
}

// wire encoding, used by SEDP

func newQosReliabilityFromBytes(bin binary.ByteOrder, b []byte) (ReliabilityQosPolicy, error) {
	if len(b) < 4+8 {
		return ReliabilityQosPolicy{}, io.ErrUnexpectedEOF
	}
	dur, err := durationFromBytes(bin, b[4:])
	if err != nil {
		return ReliabilityQosPolicy{}, err
	}
	return ReliabilityQosPolicy{
		Kind:            ReliabilityKind(bin.Uint32(b[0:])),
		MaxBlockingTime: dur,
	}, nil
}

func newQosHistoryFromBytes(bin binary.ByteOrder, b []byte) (HistoryQosPolicy, error) {
	if len(b) < 4+4 {
		return HistoryQosPolicy{}, io.ErrUnexpectedEOF
	}
	return HistoryQosPolicy{
		Kind:  HistoryKind(bin.Uint32(b[0:])),
		Depth: int(int32(bin.Uint32(b[4:]))),
	}, nil
}

func u32Param(pid paramID, vals ...uint32) *paramListItem {
	b := make([]byte, 0, 4*len(vals))
	for _, v := range vals {
		b = binary.LittleEndian.AppendUint32(b, v)
	}
	return &paramListItem{pid: pid, value: b}
}

func durationParam(pid paramID, d time.Duration) *paramListItem {
	return &paramListItem{pid: pid, value: durationToBytes(d, binary.LittleEndian)}
}

// params encodes every policy a remote matcher needs.
func (q QoS) params() []*paramListItem {
	ps := []*paramListItem{
		{
			pid: PID_RELIABILITY,
			value: append(binary.LittleEndian.AppendUint32(nil, uint32(q.Reliability.Kind)),
				durationToBytes(q.Reliability.MaxBlockingTime, binary.LittleEndian)...),
		},
		u32Param(PID_DURABILITY, uint32(q.Durability.Kind)),
		u32Param(PID_HISTORY, uint32(q.History.Kind), uint32(int32(q.History.Depth))),
		u32Param(PID_RESOURCE_LIMITS, uint32(int32(q.ResourceLimits.MaxSamples)),
			uint32(int32(q.ResourceLimits.MaxInstances)), uint32(int32(q.ResourceLimits.MaxSamplesPerInstance))),
		durationParam(PID_DEADLINE, q.Deadline.Period),
		durationParam(PID_LATENCY_BUDGET, q.LatencyBudget.Duration),
		{
			pid: PID_LIVELINESS,
			value: append(binary.LittleEndian.AppendUint32(nil, uint32(q.Liveliness.Kind)),
				durationToBytes(q.Liveliness.LeaseDuration, binary.LittleEndian)...),
		},
		{
			pid: PID_PRESENTATION,
			value: append(binary.LittleEndian.AppendUint32(nil, q.Presentation.AccessScope),
				boolByte(q.Presentation.CoherentAccess), boolByte(q.Presentation.OrderedAccess), 0, 0),
		},
		u32Param(PID_OWNERSHIP, uint32(q.Ownership.Kind)),
		u32Param(PID_DESTINATION_ORDER, uint32(q.DestinationOrder.Kind)),
		u32Param(PID_TRANSPORT_PRIORITY, uint32(q.TransportPriority.Value)),
		durationParam(PID_LIFESPAN, q.Lifespan.Duration),
	}
	if len(q.Partition.Names) > 0 {
		v := binary.LittleEndian.AppendUint32(nil, uint32(len(q.Partition.Names)))
		for _, n := range q.Partition.Names {
			v = append(v, packParamString(binary.LittleEndian, n)...)
		}
		ps = append(ps, &paramListItem{pid: PID_PARTITION, value: v})
	}
	return ps
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// applyParam decodes one QoS parameter into q. It reports false for
// parameters that are not QoS policies.
func (q *QoS) applyParam(bin binary.ByteOrder, p *paramListItem) (bool, error) {
	need := func(n int) error {
		if len(p.value) < n {
			return fmt.Errorf("param 0x%04x: %w", uint16(p.pid), io.ErrUnexpectedEOF)
		}
		return nil
	}
	var err error
	switch p.pid {
	case PID_RELIABILITY:
		q.Reliability, err = newQosReliabilityFromBytes(bin, p.value)
	case PID_DURABILITY:
		if err = need(4); err == nil {
			q.Durability.Kind = DurabilityKind(bin.Uint32(p.value))
		}
	case PID_HISTORY:
		q.History, err = newQosHistoryFromBytes(bin, p.value)
	case PID_RESOURCE_LIMITS:
		if err = need(12); err == nil {
			q.ResourceLimits = ResourceLimitsQosPolicy{
				MaxSamples:            int(int32(bin.Uint32(p.value[0:]))),
				MaxInstances:          int(int32(bin.Uint32(p.value[4:]))),
				MaxSamplesPerInstance: int(int32(bin.Uint32(p.value[8:]))),
			}
		}
	case PID_DEADLINE:
		q.Deadline.Period, err = durationFromBytes(bin, p.value)
	case PID_LATENCY_BUDGET:
		q.LatencyBudget.Duration, err = durationFromBytes(bin, p.value)
	case PID_LIVELINESS:
		if err = need(12); err == nil {
			q.Liveliness.Kind = LivelinessKind(bin.Uint32(p.value))
			q.Liveliness.LeaseDuration, err = durationFromBytes(bin, p.value[4:])
		}
	case PID_PRESENTATION:
		if err = need(6); err == nil {
			q.Presentation = PresentationQosPolicy{
				AccessScope:    bin.Uint32(p.value),
				CoherentAccess: p.value[4] != 0,
				OrderedAccess:  p.value[5] != 0,
			}
		}
	case PID_OWNERSHIP:
		if err = need(4); err == nil {
			q.Ownership.Kind = OwnershipKind(bin.Uint32(p.value))
		}
	case PID_DESTINATION_ORDER:
		if err = need(4); err == nil {
			q.DestinationOrder.Kind = DestinationOrderKind(bin.Uint32(p.value))
		}
	case PID_TRANSPORT_PRIORITY:
		if err = need(4); err == nil {
			q.TransportPriority.Value = int32(bin.Uint32(p.value))
		}
	case PID_LIFESPAN:
		q.Lifespan.Duration, err = durationFromBytes(bin, p.value)
	case PID_PARTITION:
		q.Partition.Names, err = partitionFromBytes(bin, p.value)
	default:
		return false, nil
	}
	return true, err
}

func partitionFromBytes(bin binary.ByteOrder, b []byte) ([]string, error) {
	if len(b) < 4 {
		return nil, io.ErrUnexpectedEOF
	}
	n := int(bin.Uint32(b))
	b = b[4:]
	var names []string
	for i := 0; i < n; i++ {
		p := paramListItem{value: b}
		s, err := p.valToString(bin)
		if err != nil {
			return nil, err
		}
		names = append(names, s)
		b = b[min((4+len(s)+1+3)&^0x3, len(b)):]
	}
	return names, nil
}
