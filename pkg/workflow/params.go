package workflow

// Param readers tolerant of both codecs: JSON numbers arrive as float64,
// YAML numbers as int.

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func boolParam(params map[string]any, key string) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return false
}

func int64Param(params map[string]any, key string) int64 {
	switch v := params[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func uint64Param(params map[string]any, key string) uint64 {
	if v := int64Param(params, key); v > 0 {
		return uint64(v)
	}
	return 0
}
