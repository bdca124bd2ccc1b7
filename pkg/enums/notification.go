package enums

// NotificationKind categorizes outbound customer notifications.
type NotificationKind string

const (
	NotificationBookingConfirmation NotificationKind = "booking_confirmation"
	NotificationPaymentConfirmation NotificationKind = "payment_confirmation"
)

var validNotificationKinds = []NotificationKind{
	NotificationBookingConfirmation,
	NotificationPaymentConfirmation,
}

// IsValid reports whether the value matches the canonical notification kind enum.
func (n NotificationKind) IsValid() bool {
	for _, candidate := range validNotificationKinds {
		if candidate == n {
			return true
		}
	}
	return false
}
