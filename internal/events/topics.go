package events

const (
	TopicConnStatus     = "conn.status"
	TopicHubInfo        = "hub.info"
	TopicSlotChanged    = "slot.changed"
	TopicSlotsUpdated   = "slots.updated"
	TopicTransferStatus = "transfer.status"
	TopicRawFrameIn     = "raw.frame.in"
	TopicRawFrameOut    = "raw.frame.out"
)
