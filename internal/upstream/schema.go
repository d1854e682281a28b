package upstream

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// schema keywords the strict upstreams reject outright.
var strippedKeywords = []string{
	"$schema",
	"additionalProperties",
	"minLength",
	"maxLength",
	"exclusiveMinimum",
	"exclusiveMaximum",
	"default",
}

// format values the Gemini-style upstream accepts; everything else is
// dropped rather than rejected server-side.
var allowedFormats = map[string]bool{
	"date-time": true,
	"date":      true,
	"time":      true,
	"enum":      true,
}

// nested keys whose values are themselves schemas.
var schemaContainers = []string{"properties", "items", "anyOf", "allOf", "oneOf", "$defs", "definitions"}

// CleanJSONSchema strips JSON-Schema keywords the strict upstreams reject,
// recursively. The input is returned unchanged when it is not an object.
func CleanJSONSchema(schema []byte) []byte {
	if !gjson.ValidBytes(schema) || !gjson.ParseBytes(schema).IsObject() {
		return schema
	}
	return cleanSchemaObject(schema)
}

func cleanSchemaObject(schema []byte) []byte {
	out := schema
	for _, kw := range strippedKeywords {
		if gjson.GetBytes(out, escapeKey(kw)).Exists() {
			out, _ = sjson.DeleteBytes(out, escapeKey(kw))
		}
	}
	if f := gjson.GetBytes(out, "format"); f.Exists() && !allowedFormats[f.String()] {
		out, _ = sjson.DeleteBytes(out, "format")
	}

	for _, container := range schemaContainers {
		node := gjson.GetBytes(out, escapeKey(container))
		if !node.Exists() {
			continue
		}
		switch {
		case node.IsObject() && (container == "properties" || container == "$defs" || container == "definitions"):
			node.ForEach(func(key, value gjson.Result) bool {
				if value.IsObject() {
					cleaned := cleanSchemaObject([]byte(value.Raw))
					out, _ = sjson.SetRawBytes(out, escapeKey(container)+"."+escapeKey(key.String()), cleaned)
				}
				return true
			})
		case node.IsObject():
			cleaned := cleanSchemaObject([]byte(node.Raw))
			out, _ = sjson.SetRawBytes(out, escapeKey(container), cleaned)
		case node.IsArray():
			for i, item := range node.Array() {
				if item.IsObject() {
					cleaned := cleanSchemaObject([]byte(item.Raw))
					out, _ = sjson.SetRawBytes(out, escapeKey(container)+"."+strconv.Itoa(i), cleaned)
				}
			}
		}
	}
	return out
}

// escapeKey escapes gjson path metacharacters in literal keys.
func escapeKey(key string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return r.Replace(key)
}
