package chatsync

import (
	"strconv"
	"strings"
)

// DeliveryStatus is the ranked lifecycle of a message. Edits are tracked on
// the message itself and never take part in ranking.
type DeliveryStatus int

const (
	StatusUnknown     DeliveryStatus = -1
	StatusPending     DeliveryStatus = 0
	StatusServerAck   DeliveryStatus = 1
	StatusDeliveryAck DeliveryStatus = 2
	StatusRead        DeliveryStatus = 3
)

func (s DeliveryStatus) Rank() int {
	if s < StatusPending || s > StatusRead {
		return int(StatusUnknown)
	}
	return int(s)
}

func (s DeliveryStatus) Valid() bool {
	return s.Rank() >= 0
}

func (s DeliveryStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusServerAck:
		return "SERVER_ACK"
	case StatusDeliveryAck:
		return "DELIVERY_ACK"
	case StatusRead:
		return "READ"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus maps a gateway status token to a DeliveryStatus. Unrecognized
// tokens map to StatusUnknown.
func ParseStatus(token string) DeliveryStatus {
	token = strings.TrimSpace(token)
	if n, err := strconv.Atoi(token); err == nil {
		s := DeliveryStatus(n)
		if s.Valid() {
			return s
		}
		return StatusUnknown
	}
	switch strings.ToUpper(token) {
	case "PENDING", "QUEUED":
		return StatusPending
	case "SERVER_ACK", "SENT":
		return StatusServerAck
	case "DELIVERY_ACK", "DELIVERED":
		return StatusDeliveryAck
	case "READ", "PLAYED":
		return StatusRead
	default:
		return StatusUnknown
	}
}

// ApplyStatus returns m with incoming applied. Non-intentional updates only
// move the rank forward; intentional ones (mark read / mark unread) may move
// it either way. StatusUnknown never wins.
func ApplyStatus(m Message, incoming DeliveryStatus, intentional bool) Message {
	if !incoming.Valid() {
		return m
	}
	if intentional || incoming.Rank() >= m.Status.Rank() {
		m.Status = incoming
	}
	return m
}

// MarkEdited flags m as edited and replaces its text when one is given.
func MarkEdited(m Message, text string) Message {
	m.Edited = true
	if strings.TrimSpace(text) != "" {
		m.Content.Text = text
	}
	return m
}

func (s DeliveryStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *DeliveryStatus) UnmarshalText(text []byte) error {
	*s = ParseStatus(string(text))
	return nil
}
