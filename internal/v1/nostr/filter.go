package nostr

// Filter selects events on a relay subscription. Only the fields this node
// actually queries with are modeled.
type Filter struct {
	Kinds   []int    `json:"kinds,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Tags    []string `json:"#t,omitempty"`
	Since   int64    `json:"since,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// Matches reports whether the event satisfies the filter. Relays do the real
// filtering; this is used to drop unsolicited frames client-side.
func (f *Filter) Matches(e *Event) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if e.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	if len(f.Authors) > 0 {
		ok := false
		for _, a := range f.Authors {
			if e.Pubkey == a {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	if len(f.Tags) > 0 {
		ok := false
		for _, t := range f.Tags {
			if e.HasTag("t", t) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	if f.Since > 0 && e.CreatedAt < f.Since {
		return false
	}
	return true
}
