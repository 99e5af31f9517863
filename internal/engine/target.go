package engine

// TargetHook is the capability set a backend implements to serve I/O over a
// Queue. It mirrors the closed trait-object contract the device model is
// built around: init/deinit bracket the device's lifetime, queue_io and
// tgt_io_done drive per-request dispatch.
type TargetHook interface {
	// InitTgt is called once, after the control-plane ADD_DEV completes, to
	// let the target stamp its geometry (size, discard limits, etc.) and
	// return an opaque value to persist in the device's JSON record.
	InitTgt(dev *Dev) (interface{}, error)

	// DeinitTgt releases target-owned resources. Called from Dev teardown.
	DeinitTgt(dev *Dev)

	// TgtType names the target for the JSON record ("mem", "loop", ...).
	TgtType() string

	// QueueIO handles a freshly fetched request for tag on q. The target
	// must either complete synchronously via q.CompleteIO or arrange an
	// asynchronous completion (submitting target-side SQEs tagged
	// is_target=true) that will eventually call q.CompleteIO from
	// TgtIoDone. QueueIO must not block.
	QueueIO(q *Queue, tag uint16) error

	// TgtIoDone fires when a target-tagged SQE completes. res is the CQE
	// result; userData is the full packed user-data word so the target can
	// recover its own tgt_data payload.
	TgtIoDone(q *Queue, tag uint16, res int32, userData uint64)
}
