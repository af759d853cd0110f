package nmea

// Filter decides which sentence types an endpoint accepts. A nil set means
// the corresponding rule is not configured; an empty, non-nil accept set
// accepts nothing.
type Filter struct {
	accept map[string]struct{}
	deny   map[string]struct{}
}

// NewFilter builds a filter. A nil slice leaves that rule unset.
func NewFilter(accept, deny []string) Filter {
	return Filter{
		accept: toSet(accept),
		deny:   toSet(deny),
	}
}

func toSet(codes []string) map[string]struct{} {
	if codes == nil {
		return nil
	}
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return set
}

// Allows reports whether a sentence of type t passes: t must be in the accept
// set when one is configured and must not be in the deny set.
func (f Filter) Allows(t string) bool {
	return Allows(t, f.accept, f.deny)
}

// AllowsMessage applies the filter to m's sentence type.
func (f Filter) AllowsMessage(m Message) bool {
	return f.Allows(m.Type())
}

// Allows is the stateless filter rule.
func Allows(t string, accept, deny map[string]struct{}) bool {
	if accept != nil {
		if _, ok := accept[t]; !ok {
			return false
		}
	}
	if deny != nil {
		if _, ok := deny[t]; ok {
			return false
		}
	}
	return true
}
