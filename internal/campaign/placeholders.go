package campaign

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// positional marker: {{1}}, {{ 2 }}
var markerPattern = regexp.MustCompile(`\{\{\s*([1-9][0-9]*)\s*\}\}`)

// DerivePlaceholders returns the distinct placeholder indices of the template in
// ascending order. Email templates also contribute markers found in the subject.
func DerivePlaceholders(tmpl *Template) []int {
	if tmpl == nil {
		return []int{}
	}
	texts := []string{tmpl.BodyText()}
	if tmpl.Channel == ChannelEmail && tmpl.Subject != "" {
		texts = append(texts, tmpl.Subject)
	}

	seen := make(map[int]struct{})
	indices := []int{}
	for _, text := range texts {
		for _, m := range markerPattern.FindAllStringSubmatch(text, -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			indices = append(indices, n)
		}
	}
	sort.Ints(indices)
	return indices
}

// Suggestion is a proposed binding with the value it yields for the sample recipient
type Suggestion struct {
	Binding Binding `json:"binding"`
	Preview string  `json:"preview"`
}

// AutoFillBindings proposes a binding per placeholder by position: the first is
// the first name, the second the community name, the rest free text for the
// operator to fill. The result is a suggestion and may be overridden freely.
func AutoFillBindings(placeholders []int, sample *Recipient, communityName string) []Suggestion {
	out := make([]Suggestion, 0, len(placeholders))
	for i, idx := range placeholders {
		var src Source
		switch i {
		case 0:
			src = FirstName{}
		case 1:
			src = CommunityName{}
		default:
			src = FreeText{}
		}
		b := Binding{Index: idx, Source: src}
		preview := ""
		if sample != nil {
			preview = resolveOne(b.Source, *sample, communityName)
		}
		out = append(out, Suggestion{Binding: b, Preview: preview})
	}
	return out
}

// SplitName splits a display name into first name and the remaining tokens
func SplitName(displayName string) (first, last string) {
	fields := strings.Fields(displayName)
	if len(fields) == 0 {
		return "", ""
	}
	return fields[0], strings.Join(fields[1:], " ")
}

func resolveOne(src Source, r Recipient, communityName string) string {
	switch s := src.(type) {
	case FirstName:
		first, _ := SplitName(r.DisplayName)
		return first
	case LastName:
		_, last := SplitName(r.DisplayName)
		return last
	case CommunityName:
		return communityName
	case FreeText:
		return s.Text
	default:
		return ""
	}
}

// ResolveForRecipient returns one value per binding ordered by placeholder index
func ResolveForRecipient(bindings []Binding, r Recipient, communityName string) []string {
	sorted := sortedBindings(bindings)
	values := make([]string, len(sorted))
	for i, b := range sorted {
		values[i] = resolveOne(b.Source, r, communityName)
	}
	return values
}

// ResolveValues returns the resolved values keyed by placeholder index
func ResolveValues(bindings []Binding, r Recipient, communityName string) map[int]string {
	values := make(map[int]string, len(bindings))
	for _, b := range bindings {
		values[b.Index] = resolveOne(b.Source, r, communityName)
	}
	return values
}

func sortedBindings(bindings []Binding) []Binding {
	sorted := make([]Binding, len(bindings))
	copy(sorted, bindings)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	return sorted
}

// RenderPreview substitutes every marker with its value, or "[Variable n]" when
// the value is empty or absent, so gaps stay visible.
func RenderPreview(text string, values map[int]string) string {
	return markerPattern.ReplaceAllStringFunc(text, func(match string) string {
		n, err := strconv.Atoi(markerPattern.FindStringSubmatch(match)[1])
		if err != nil {
			return match
		}
		if v := values[n]; v != "" {
			return v
		}
		return fmt.Sprintf("[Variable %d]", n)
	})
}

// Render substitutes markers with their values and leaves unknown markers as empty text
func Render(text string, values map[int]string) string {
	return markerPattern.ReplaceAllStringFunc(text, func(match string) string {
		n, err := strconv.Atoi(markerPattern.FindStringSubmatch(match)[1])
		if err != nil {
			return match
		}
		return values[n]
	})
}

// Preview is a template rendered for one recipient
type Preview struct {
	RecipientName string `json:"recipient_name"`
	Subject       string `json:"subject,omitempty"`
	Header        string `json:"header,omitempty"`
	Body          string `json:"body"`
	Footer        string `json:"footer,omitempty"`
}

// RenderTemplatePreview resolves the bindings for the sample recipient and
// renders every text part of the template.
func RenderTemplatePreview(tmpl *Template, bindings []Binding, sample Recipient, communityName string) Preview {
	values := ResolveValues(bindings, sample, communityName)
	p := Preview{
		RecipientName: sample.DisplayName,
		Body:          RenderPreview(tmpl.BodyText(), values),
	}
	if tmpl.Channel == ChannelEmail {
		p.Subject = RenderPreview(tmpl.Subject, values)
	}
	for _, c := range tmpl.Components {
		switch c.Role {
		case RoleHeader:
			if c.Text != "" {
				p.Header = c.Text
			}
		case RoleFooter:
			p.Footer = c.Text
		}
	}
	return p
}

// MissingBindings returns the placeholders left without a filled binding
func MissingBindings(placeholders []int, bindings []Binding) []int {
	byIndex := make(map[int]Binding, len(bindings))
	for _, b := range bindings {
		byIndex[b.Index] = b
	}
	var missing []int
	for _, idx := range placeholders {
		b, ok := byIndex[idx]
		if !ok || !b.Filled() {
			missing = append(missing, idx)
		}
	}
	return missing
}
