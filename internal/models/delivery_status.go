package models

import (
	"encoding/json"
	"fmt"
)

// DeliveryStatus is a recipient's progress through Sent → Delivered → Read.
// The numeric order is the transition order; a status never decreases.
type DeliveryStatus uint8

const (
	StatusUnknown DeliveryStatus = iota
	StatusSent
	StatusDelivered
	StatusRead
)

var deliveryStatusNames = [...]string{"unknown", "sent", "delivered", "read"}

func (s DeliveryStatus) String() string {
	if int(s) < len(deliveryStatusNames) {
		return deliveryStatusNames[s]
	}
	return fmt.Sprintf("DeliveryStatus(%d)", uint8(s))
}

// Advance returns the status after observing next, and whether it changed.
// Lower or equal statuses leave s untouched.
func (s DeliveryStatus) Advance(next DeliveryStatus) (DeliveryStatus, bool) {
	if next > s && next <= StatusRead {
		return next, true
	}
	return s, false
}

// ParseDeliveryStatus is the inverse of String.
func ParseDeliveryStatus(name string) (DeliveryStatus, error) {
	for i, n := range deliveryStatusNames {
		if i > 0 && n == name {
			return DeliveryStatus(i), nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown delivery status %q", name)
}

func (s DeliveryStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *DeliveryStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseDeliveryStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
