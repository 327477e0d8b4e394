package rsvps

import (
	"encoding/json"
	"strings"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/records"
)

// CollectionName is the document that holds every RSVP.
const CollectionName = "rsvps.json"

const (
	fieldPIN          = "pin"
	fieldPINSentAt    = "pinSentAt"
	fieldPINEmailSent = "pinEmailSent"
)

var (
	serverFields = []string{"id", "timestamp", fieldPIN, fieldPINSentAt, fieldPINEmailSent}
	secretFields = []string{fieldPIN, fieldPINSentAt}
)

// RSVP is the typed view of a stored RSVP. Fields it does not model are
// kept on the raw record.
type RSVP struct {
	ID        records.ID `json:"id"`
	Timestamp int64      `json:"timestamp"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Phone     string     `json:"phone,omitempty"`
	Attending *bool      `json:"attending"`
	Guests    *int       `json:"guests,omitempty"`
}

type pinState struct {
	PIN          string `json:"pin"`
	PINSentAt    int64  `json:"pinSentAt"`
	PINEmailSent bool   `json:"pinEmailSent"`
}

type deliveryState struct {
	PINEmailSent bool `json:"pinEmailSent"`
}

func (r RSVP) validate() (string, bool) {
	switch {
	case strings.TrimSpace(r.Name) == "":
		return "name is required", false
	case strings.TrimSpace(r.Email) == "":
		return "email is required", false
	case r.Attending == nil:
		return "attending is required", false
	case r.Guests != nil && *r.Guests < 0:
		return "guests must not be negative", false
	}
	return "", true
}

// Public strips PIN material from a stored record.
func Public(raw json.RawMessage) json.RawMessage {
	stripped, err := records.Merge(raw, struct{}{}, secretFields...)
	if err != nil {
		return raw
	}
	return stripped
}

// PublicAll strips PIN material from every record.
func PublicAll(items []json.RawMessage) []json.RawMessage {
	public := make([]json.RawMessage, 0, len(items))
	for _, raw := range items {
		public = append(public, Public(raw))
	}
	return public
}

func indexByEmail(items []json.RawMessage, email string) int {
	needle := records.NormalizeEmail(email)
	for index, raw := range items {
		if records.NormalizeEmail(records.FieldString(raw, "email")) == needle {
			return index
		}
	}
	return -1
}
