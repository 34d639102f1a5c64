package domain

// ProducerListener receives push-producer callbacks. A producer delivers
// zero or more DataReceived calls followed by exactly one End or Error.
// Callbacks for one producer are never invoked concurrently.
type ProducerListener interface {
	// DataReceived delivers one chunk. The producer may reuse or release the
	// underlying buffer after the call returns, so receivers must copy.
	DataReceived(chunk []byte)

	// End signals that no further chunks will arrive.
	End()

	// Error signals that the producer failed; no further callbacks follow.
	Error(err error)
}

// PushProducer is a source that asynchronously pushes chunks to a listener
// rather than being pulled. Subscribe must be called exactly once, before
// the producer starts delivering.
type PushProducer interface {
	Subscribe(l ProducerListener)
}
