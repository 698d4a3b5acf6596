package util

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/oliveagle/jsonpath"
)

var tokenRe = regexp.MustCompile("{(.*?)}")

// ResolveParams substitutes {$.path} tokens inside string values of params
// against the given data document. The data document carries the workflow
// input under "input" and each dependency's result under
// "steps.<stepId>.result". Unresolvable tokens resolve to the empty string.
func ResolveParams(data map[string]any, params map[string]any) map[string]any {
	output := make(map[string]any)
	resolveParams(data, params, output)
	return output
}

func resolveParams(data map[string]any, params map[string]any, output map[string]any) {
	for k, v := range params {
		switch tv := v.(type) {
		case map[string]any:
			out := make(map[string]any)
			output[k] = out
			resolveParams(data, tv, out)
		case string:
			output[k] = resolveString(data, tv)
		case []any:
			output[k] = resolveList(data, tv)
		default:
			output[k] = v
		}
	}
}

func resolveList(data map[string]any, list []any) []any {
	var output []any
	for _, v := range list {
		switch tv := v.(type) {
		case map[string]any:
			out := make(map[string]any)
			output = append(output, out)
			resolveParams(data, tv, out)
		case string:
			output = append(output, resolveString(data, tv))
		case []any:
			output = append(output, resolveList(data, tv))
		default:
			output = append(output, v)
		}
	}
	return output
}

func resolveString(data map[string]any, s string) string {
	tokens := tokenRe.FindAllString(s, -1)
	if len(tokens) == 0 {
		return s
	}
	newStr := s
	for _, token := range tokens {
		tmatch := strings.TrimSuffix(strings.TrimPrefix(token, "{"), "}")
		if !strings.HasPrefix(tmatch, "$") {
			continue
		}
		value, err := jsonpath.JsonPathLookup(data, tmatch)
		if err != nil {
			value = ""
		}
		newStr = strings.ReplaceAll(newStr, token, fmt.Sprintf("%v", value))
	}
	return newStr
}
