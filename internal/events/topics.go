package events

// Topic constants for domain events emitted around orders and settlement.
const (
	TopicOrderCreated            = "order.created"
	TopicOrderConfirmed          = "order.confirmed"
	TopicOrderSettlementConflict = "order.settlement_conflict"
	TopicOrderCancelled          = "order.cancelled"
	TopicSettingsUpdated         = "settings.updated"
)
