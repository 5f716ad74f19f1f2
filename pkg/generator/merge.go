package generator

// DeepMerge returns base overlaid with override. Nested mappings merge key by
// key, every other value in override replaces the one in base. Neither input
// is modified.
func DeepMerge(base, override map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		out[k] = copyValue(v)
	}
	for k, v := range override {
		overrideMap, overrideIsMap := asMap(v)
		baseMap, baseIsMap := asMap(out[k])
		if overrideIsMap && baseIsMap {
			out[k] = DeepMerge(baseMap, overrideMap)
			continue
		}
		out[k] = copyValue(v)
	}
	return out
}

// asMap normalizes the mapping types produced by the YAML and TOML decoders.
func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out, true
	}
	return nil, false
}

func copyValue(v interface{}) interface{} {
	if m, ok := asMap(v); ok {
		return DeepMerge(nil, m)
	}
	if list, ok := v.([]interface{}); ok {
		out := make([]interface{}, len(list))
		for i, item := range list {
			out[i] = copyValue(item)
		}
		return out
	}
	return v
}
