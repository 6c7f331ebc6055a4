package controller

import "time"

// Poll intervals while a remote resource is in a transient status. Creation
// settles slower than updates and deletes, so it polls less aggressively.
const (
	DefaultRequeueWhileCreating = 15 * time.Second
	DefaultRequeueWhileUpdating = 10 * time.Second
	DefaultRequeueWhileDeleting = 10 * time.Second
)

// Options carries the tunables shared by every reconciler. Built explicitly
// in main and passed down; nothing here is ambient process state.
type Options struct {
	// RequeueWhileCreating is the poll interval while a resource is CREATING.
	RequeueWhileCreating time.Duration
	// RequeueWhileUpdating is the poll interval while a resource is UPDATING.
	RequeueWhileUpdating time.Duration
	// RequeueWhileDeleting is the poll interval while a resource is DELETING.
	RequeueWhileDeleting time.Duration
	// ObservedTTL bounds how long a cached remote observation can satisfy a
	// reconcile without a fresh describe.
	ObservedTTL time.Duration
}

// DefaultOptions returns the intervals the controller ships with.
func DefaultOptions() Options {
	return Options{
		RequeueWhileCreating: DefaultRequeueWhileCreating,
		RequeueWhileUpdating: DefaultRequeueWhileUpdating,
		RequeueWhileDeleting: DefaultRequeueWhileDeleting,
		ObservedTTL:          DefaultObservedTTL,
	}
}

// withDefaults fills zero fields so partially configured Options behave.
func (o Options) withDefaults() Options {
	if o.RequeueWhileCreating <= 0 {
		o.RequeueWhileCreating = DefaultRequeueWhileCreating
	}
	if o.RequeueWhileUpdating <= 0 {
		o.RequeueWhileUpdating = DefaultRequeueWhileUpdating
	}
	if o.RequeueWhileDeleting <= 0 {
		o.RequeueWhileDeleting = DefaultRequeueWhileDeleting
	}
	if o.ObservedTTL <= 0 {
		o.ObservedTTL = DefaultObservedTTL
	}
	return o
}
