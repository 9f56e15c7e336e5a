package providers

// CleanSchemaForProvider adapts a tool's JSON schema to the dialect a given
// provider's API accepts. For Anthropic it recursively drops the keywords in
// anthropicDroppedKeywords (draft metadata such as "$schema"/"$id"/"title",
// "default"/"examples", and "additionalProperties") that tool authors
// sometimes leave in when a schema is generated from a Go struct; "$ref" is
// passed through. Unknown providers pass through untouched.
func CleanSchemaForProvider(provider string, schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	switch provider {
	case "anthropic":
		return cleanSchemaAnthropic(schema)
	default:
		return schema
	}
}

// anthropicDroppedKeywords are schema keys Anthropic's tool-use API ignores
// or rejects at the top level and in nested object/array schemas.
var anthropicDroppedKeywords = map[string]bool{
	"$schema":              true,
	"$id":                  true,
	"title":                true,
	"default":              true,
	"examples":             true,
	"additionalProperties": true,
}

func cleanSchemaAnthropic(schema map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		if anthropicDroppedKeywords[k] {
			continue
		}
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = cleanSchemaAnthropic(val)
		case []interface{}:
			out[k] = cleanSchemaList(val)
		default:
			out[k] = v
		}
	}
	return out
}

func cleanSchemaList(items []interface{}) []interface{} {
	out := make([]interface{}, len(items))
	for i, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			out[i] = cleanSchemaAnthropic(m)
		} else {
			out[i] = item
		}
	}
	return out
}
