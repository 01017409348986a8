package access

import (
	"fmt"
	"strings"
)

// MaskValue redacts v according to mask. Partial masking keeps the first and
// last two characters, or the first two and the domain of an email address;
// short values are masked completely. Full masking returns nil.
func MaskValue(v any, mask MaskType) any {
	switch mask {
	case MaskFull:
		return nil
	case MaskPartial:
		if v == nil {
			return nil
		}
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		return maskPartial(s)
	}
	return v
}

func maskPartial(s string) string {
	if at := strings.LastIndex(s, "@"); at > 0 && at < len(s)-1 {
		local := []rune(s[:at])
		keep := 2
		if len(local) <= keep {
			keep = 1
		}
		return string(local[:keep]) + strings.Repeat("*", len(local)-keep) + s[at:]
	}
	r := []rune(s)
	if len(r) <= 4 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:2]) + strings.Repeat("*", len(r)-4) + string(r[len(r)-2:])
}

// ApplyPresentation returns a copy of record with each listed field masked or
// removed. Fields without an entry are copied unchanged.
func ApplyPresentation(record map[string]any, fields map[string]Presentation) map[string]any {
	out := make(map[string]any, len(record))
	for k, v := range record {
		p, ok := fields[k]
		switch {
		case !ok:
			out[k] = v
		case !p.Visible:
		default:
			out[k] = MaskValue(v, p.Mask)
		}
	}
	return out
}

// Presentations extracts field presentations from a batch result.
func (b BatchResult) Presentations() map[string]Presentation {
	out := make(map[string]Presentation, len(b.Fields))
	for f, r := range b.Fields {
		if r.Allowed() {
			out[f] = r.Presentation
		} else {
			out[f] = Presentation{Mask: MaskNone}
		}
	}
	return out
}
