package backend

// defaultRequestParams mirrors the generation settings the oobabooga
// API expects. User overrides are merged on top, but only for keys
// that exist here with a compatible value type; anything else keeps
// the default.
func defaultRequestParams() map[string]any {
	return map[string]any{
		"max_new_tokens":       250,
		"do_sample":            true,
		"temperature":          1.3,
		"top_p":                0.1,
		"typical_p":            1,
		"repetition_penalty":   1.18,
		"top_k":                40,
		"min_length":           0,
		"no_repeat_ngram_size": 0,
		"num_beams":            1,
		"penalty_alpha":        0,
		"length_penalty":       1,
		"early_stopping":       false,
		"seed":                 -1,
		"add_bos_token":        true,
		"truncation_length":    730,
		"ban_eos_token":        false,
		"skip_special_tokens":  true,
		"stopping_strings":     []string{},
	}
}

// mergeParams layers overrides onto the defaults. Unknown keys and
// type-mismatched values are dropped silently so a bad override file
// cannot send the backend an invalid request.
func mergeParams(defaults, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		def, ok := merged[k]
		if !ok || !compatibleParam(def, v) {
			continue
		}
		merged[k] = v
	}
	return merged
}

// compatibleParam reports whether an override value can stand in for
// the default. Numeric kinds are interchangeable since JSON decoding
// turns every number into float64.
func compatibleParam(def, override any) bool {
	switch def.(type) {
	case bool:
		_, ok := override.(bool)
		return ok
	case string:
		_, ok := override.(string)
		return ok
	case int, float64:
		return isNumber(override)
	case []string:
		return isStringSlice(override)
	default:
		return false
	}
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int64, float64:
		return true
	}
	return false
}

func isStringSlice(v any) bool {
	switch vv := v.(type) {
	case []string:
		return true
	case []any:
		for _, item := range vv {
			if _, ok := item.(string); !ok {
				return false
			}
		}
		return true
	}
	return false
}
