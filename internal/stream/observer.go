package stream

import "time"

// Observer receives lifecycle and pipeline signals, typically for metrics.
type Observer interface {
	TaskCreated()
	TaskFinished(status Status)
	InferenceDone(elapsed time.Duration, err error)
	SegmentsGated(accepted, rejected int)
	Delivered(event EventType, ok bool)
}

type nopObserver struct{}

func (nopObserver) TaskCreated()                       {}
func (nopObserver) TaskFinished(Status)                {}
func (nopObserver) InferenceDone(time.Duration, error) {}
func (nopObserver) SegmentsGated(int, int)             {}
func (nopObserver) Delivered(EventType, bool)          {}
