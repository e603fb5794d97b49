package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDelivery       = errors.New("delivery failed")
	ErrThreadCreation = errors.New("thread creation failed")
	ErrThreadAppend   = errors.New("thread append failed")
	ErrAssistantRun   = errors.New("assistant run failed")
	ErrPersistence    = errors.New("persistence failed")
)

// DeliveryError reports a send failure part-way through a block sequence.
type DeliveryError struct {
	Channel   string
	Delivered int // blocks sent successfully before the failure
	Total     int
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: %d/%d blocks delivered via %s: %v", ErrDelivery, e.Delivered, e.Total, e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() []error { return []error{ErrDelivery, e.Err} }

// Partial reports whether some blocks reached the contact before the failure.
func (e *DeliveryError) Partial() bool { return e.Delivered > 0 }
