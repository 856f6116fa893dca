package campaign

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// tempIDPrefix marks ids generated for records that were not persisted yet
const tempIDPrefix = "tmp-"

// RecipientSet is the frozen recipient list of one run. It holds its own copy of
// every record, so later changes to the selection do not leak into the run.
type RecipientSet struct {
	items []Recipient
}

// BuildRecipientSet deduplicates the selection by id, keeping the first
// occurrence. Records without id get a temporary one. An empty selection or a
// record without a display name is a validation error.
func BuildRecipientSet(selection []Recipient) (*RecipientSet, error) {
	if len(selection) == 0 {
		return nil, &ValidationError{Field: "recipients", Message: "select at least one recipient"}
	}

	seen := make(map[string]struct{}, len(selection))
	items := make([]Recipient, 0, len(selection))

	for i, r := range selection {
		r.DisplayName = strings.TrimSpace(r.DisplayName)
		if r.DisplayName == "" {
			return nil, &ValidationError{
				Field:   fmt.Sprintf("recipients[%d].display_name", i),
				Message: "display name is required",
			}
		}

		r.ID = strings.TrimSpace(r.ID)
		if r.ID == "" {
			r.ID = tempIDPrefix + uuid.New().String()
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}

		r.Email = strings.TrimSpace(r.Email)
		r.Phone = strings.TrimSpace(r.Phone)
		if r.Tags != nil {
			tags := make([]string, len(r.Tags))
			copy(tags, r.Tags)
			r.Tags = tags
		}
		items = append(items, r)
	}

	return &RecipientSet{items: items}, nil
}

// Len returns the number of recipients
func (s *RecipientSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// At returns a copy of the i-th recipient
func (s *RecipientSet) At(i int) Recipient {
	r := s.items[i]
	if r.Tags != nil {
		r.Tags = append([]string(nil), r.Tags...)
	}
	return r
}

// Sample returns the first recipient, used for previews
func (s *RecipientSet) Sample() (Recipient, bool) {
	if s.Len() == 0 {
		return Recipient{}, false
	}
	return s.At(0), true
}

// CountAddressable returns how many recipients have an address on the channel
func (s *RecipientSet) CountAddressable(ch Channel) int {
	n := 0
	for _, r := range s.items {
		if r.Address(ch) != "" {
			n++
		}
	}
	return n
}
