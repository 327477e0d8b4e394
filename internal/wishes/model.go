package wishes

import (
	"encoding/json"
	"strings"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/records"
)

// CollectionName is the document that holds every wish.
const CollectionName = "wishes.json"

// Moderation is the review state of a wish.
type Moderation int

const (
	// Grandfathered wishes predate moderation and are publicly visible.
	Grandfathered Moderation = iota
	// Pending wishes await review and are hidden from the public list.
	Pending
	// Approved wishes are publicly visible.
	Approved
)

func (m Moderation) String() string {
	switch m {
	case Pending:
		return "pending"
	case Approved:
		return "approved"
	default:
		return "grandfathered"
	}
}

// Public reports whether wishes in this state appear on the public list.
func (m Moderation) Public() bool {
	return m != Pending
}

// Wish is the typed view of a stored wish.
type Wish struct {
	ID        records.ID `json:"id"`
	Timestamp int64      `json:"timestamp"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Message   string     `json:"message,omitempty"`
	AudioURL  string     `json:"audioUrl,omitempty"`
	Approved  *bool      `json:"approved,omitempty"`
}

// Moderation maps the stored approved flag onto a review state. An absent
// flag marks a wish stored before moderation existed.
func (w Wish) Moderation() Moderation {
	switch {
	case w.Approved == nil:
		return Grandfathered
	case *w.Approved:
		return Approved
	default:
		return Pending
	}
}

func (w Wish) validate() (string, bool) {
	switch {
	case strings.TrimSpace(w.Name) == "":
		return "name is required", false
	case strings.TrimSpace(w.Email) == "":
		return "email is required", false
	case strings.TrimSpace(w.Message) == "" && strings.TrimSpace(w.AudioURL) == "":
		return "message or audio is required", false
	}
	return "", true
}

type moderationFields struct {
	Approved *bool `json:"approved"`
}

type approvalState struct {
	Approved bool `json:"approved"`
}

type newWishFields struct {
	records.Base
	Approved bool `json:"approved"`
}

// ModerationOf reads the review state of a raw wish. Records whose flag
// cannot be read are treated as pending.
func ModerationOf(raw json.RawMessage) Moderation {
	fields, err := records.Decode[moderationFields](raw)
	if err != nil {
		return Pending
	}
	return Wish{Approved: fields.Approved}.Moderation()
}
