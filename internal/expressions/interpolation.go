package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/promptflow/internal/variables"
)

// Interpolate replaces {{name}} placeholders in text with values from vars.
// Strings are inserted verbatim; other values are inserted as compact JSON.
// Placeholders without a binding render empty and are reported in missing,
// in order of first appearance.
func Interpolate(text string, vars map[string]any) (out string, missing []string) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	seen := map[string]bool{}
	re := variables.PlaceholderPattern()
	out = re.ReplaceAllStringFunc(text, func(token string) string {
		name := re.FindStringSubmatch(token)[1]
		v, ok := vars[name]
		if !ok {
			if !seen[name] {
				seen[name] = true
				missing = append(missing, name)
			}
			return ""
		}
		return FormatValue(v)
	})
	return out, missing
}

// FormatValue renders a bound value as text.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
