package modifier

import "strings"

// normalizePath 去掉规则键开头的 "$." 或 "$"
func normalizePath(path string) string {
	if strings.HasPrefix(path, "$.") {
		return path[2:]
	} else if strings.HasPrefix(path, "$") {
		return path[1:]
	}
	return path
}

// mergeAtPath 将值合并到以点号分隔的路径上，返回新的对象。
// target 不是对象时从空对象开始，原始数据不会被修改。
func mergeAtPath(target interface{}, value interface{}, path string) map[string]interface{} {
	targetMap, ok := target.(map[string]interface{})
	if !ok {
		targetMap = make(map[string]interface{})
	} else {
		targetMap = copyMap(targetMap)
	}

	parts := strings.Split(path, ".")
	current := targetMap

	for i, part := range parts {
		if i == len(parts)-1 {
			current[part] = value
			break
		}
		// 中间部分，确保路径存在且为对象
		nextMap, ok := current[part].(map[string]interface{})
		if !ok {
			nextMap = make(map[string]interface{})
			current[part] = nextMap
		}
		current = nextMap
	}

	return targetMap
}

// copyMap 深拷贝 map
func copyMap(m map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		result[k] = copyValue(v)
	}
	return result
}

// copySlice 深拷贝 slice
func copySlice(s []interface{}) []interface{} {
	result := make([]interface{}, len(s))
	for i, v := range s {
		result[i] = copyValue(v)
	}
	return result
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyMap(t)
	case []interface{}:
		return copySlice(t)
	default:
		return v
	}
}
