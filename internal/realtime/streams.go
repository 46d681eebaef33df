package realtime

// Named realtime streams used across the platform.
const (
	StreamNotifications = "notifications"
	StreamPayments      = "payments"
)

// Event names carried on the streams above. Payload shapes live with the
// emitting services.
const (
	EventNotificationCreated = "notification.created"
	EventNotificationUpdated = "notification.updated"
	EventNotificationDeleted = "notification.deleted"
	EventNotificationReadAll = "notification.read_all"
	EventPaymentUpdated      = "payment.updated"
)
