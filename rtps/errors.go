package rtps

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceExhausted is matched by every *ResourceExhaustedError.
	ErrResourceExhausted = errors.New("rtps: resource limit exceeded")

	// ErrPolicyConflict reports contradictory QoS values on one entity.
	ErrPolicyConflict = errors.New("rtps: inconsistent qos policy")

	// ErrTransportOverflow is returned by a Transport whose send buffer is full
	// or when a message does not fit in one datagram.
	ErrTransportOverflow = errors.New("rtps: transport overflow")

	ErrUnknownInstance = errors.New("rtps: unknown instance")
	ErrClosed          = errors.New("rtps: closed")
	ErrNoMarshaller    = errors.New("rtps: endpoint has no marshaller")
	ErrUnknownEndpoint = errors.New("rtps: unknown endpoint")
)

// ResourceLimit names the limit a write ran into.
type ResourceLimit string

const (
	LimitMaxSamples            ResourceLimit = "max_samples"
	LimitMaxInstances          ResourceLimit = "max_instances"
	LimitMaxSamplesPerInstance ResourceLimit = "max_samples_per_instance"
)

type ResourceExhaustedError struct {
	Limit ResourceLimit
	Value int
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("rtps: resource limit %s (%d) exceeded", e.Limit, e.Value)
}

func (e *ResourceExhaustedError) Is(target error) bool {
	return target == ErrResourceExhausted
}

func exhausted(limit ResourceLimit, value int) error {
	return &ResourceExhaustedError{Limit: limit, Value: value}
}
