package convert

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mlops-tools/tracklift/internal/metric"
)

// Params converts a run's configuration mapping into destination params.
// Nested objects and arrays are JSON-encoded to strings so they render
// consistently in the destination UI; scalars keep their plain form.
func Params(config map[string]any) map[string]string {
	params := make(map[string]string, len(config))
	for key, value := range config {
		params[key] = formatParamValue(value)
	}
	return params
}

func formatParamValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return metric.FormatValue(v)
	case json.Number:
		return v.String()
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	default:
		return fmt.Sprint(v)
	}
}
