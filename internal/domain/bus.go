package domain

// MessageBus queues inbound messages between channels and the processor.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	Close()
}
