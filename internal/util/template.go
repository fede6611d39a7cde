package util

import "regexp"

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// RenderTemplate substitutes {{name}} placeholders from vars. Unset names
// render as empty string rather than leaking the placeholder.
func RenderTemplate(body string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(body, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		return vars[name]
	})
}

// RenderTemplateWithDefaults is RenderTemplate with a fallback map consulted
// when the primary map has no value for a placeholder.
func RenderTemplateWithDefaults(body string, vars, defaults map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(body, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok && v != "" {
			return v
		}
		return defaults[name]
	})
}
