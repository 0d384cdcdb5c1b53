package ircmsg

import "strings"

// Tags is an IRCv3 message-tags mapping: tag name to optional value.
// A tag present without a value maps to an empty string with Lookup
// reporting it present; callers that need to distinguish "present, empty"
// from "absent" use Lookup.
type Tags map[string]string

// Lookup returns the tag value and whether the tag was present at all.
func (t Tags) Lookup(name string) (string, bool) {
	v, ok := t[name]
	return v, ok
}

var tagEscapes = strings.NewReplacer(
	`\:`, `;`,
	`\s`, ` `,
	`\\`, `\`,
	`\r`, "\r",
	`\n`, "\n",
)

var tagUnescapes = strings.NewReplacer(
	`\`, `\\`,
	`;`, `\:`,
	` `, `\s`,
	"\r", `\r`,
	"\n", `\n`,
)

func parseTags(s string) (Tags, error) {
	if s == "" {
		return nil, ErrBadTags
	}
	tags := make(Tags)
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		key := part
		val := ""
		if eq := strings.IndexByte(part, '='); eq >= 0 {
			key = part[:eq]
			val = unescapeTagValue(part[eq+1:])
		}
		if key == "" {
			return nil, ErrBadTags
		}
		tags[key] = val
	}
	return tags, nil
}

func unescapeTagValue(s string) string {
	return tagEscapes.Replace(s)
}

func escapeTagValue(s string) string {
	return tagUnescapes.Replace(s)
}

func (t Tags) encode() string {
	if len(t) == 0 {
		return ""
	}
	parts := make([]string, 0, len(t))
	for k, v := range t {
		if v == "" {
			parts = append(parts, k)
			continue
		}
		parts = append(parts, k+"="+escapeTagValue(v))
	}
	return strings.Join(parts, ",")
}
