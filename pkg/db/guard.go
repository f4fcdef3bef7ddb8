package db

import (
	"regexp"
	"strings"
)

// sessionCommand matches, at the start of any statement of a normalized
// batch, a command that moves the session off its namespace. DO is refused
// outright because its body can EXECUTE any of them.
var sessionCommand = regexp.MustCompile(`(^|;)\s*(` +
	`set\s+(session\s+|local\s+)?(role|search_path|session\s+authorization)\b` +
	`|reset\s+(role|search_path|session\s+authorization|all)\b` +
	`|discard\b` +
	`|do\b` +
	`)`)

// setConfigCall captures the first argument of set_config when it is a
// string literal. A call without a literal name is refused.
var setConfigCall = regexp.MustCompile(`\bset_config\s*\(\s*('([a-z0-9_]*)')?`)

var sessionSettings = map[string]bool{
	"role":                  true,
	"search_path":           true,
	"session_authorization": true,
}

// escapesSession reports whether sql could change the session role or
// search_path. Comments are dropped, quoted identifiers unquoted, and string
// literals flattened so that neither hides a statement boundary.
func escapesSession(sql string) bool {
	norm := normalizeSQL(sql)
	if sessionCommand.MatchString(norm) {
		return true
	}
	for _, m := range setConfigCall.FindAllStringSubmatch(norm, -1) {
		if m[1] == "" || sessionSettings[m[2]] {
			return true
		}
	}
	return false
}

// normalizeSQL lowercases sql and rewrites it into a form the patterns above
// can match token by token:
//   - line and (nested) block comments become a single space;
//   - "quoted identifiers" lose their quotes;
//   - 'literals', E'literals' and $tag$ bodies become '<word>' where every
//     character outside [a-z0-9_] is replaced by '_'.
func normalizeSQL(sql string) string {
	s := strings.ToLower(sql)
	var out strings.Builder
	out.Grow(len(s))
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '-' && i+1 < len(s) && s[i+1] == '-':
			for i < len(s) && s[i] != '\n' {
				i++
			}
			out.WriteByte(' ')
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			depth := 0
			for i < len(s) {
				if strings.HasPrefix(s[i:], "/*") {
					depth++
					i += 2
				} else if strings.HasPrefix(s[i:], "*/") {
					depth--
					i += 2
					if depth == 0 {
						break
					}
				} else {
					i++
				}
			}
			out.WriteByte(' ')
		case c == '"':
			body, n := quoted(s[i:], '"', false)
			out.WriteString(flatten(body))
			i += n
		case c == '\'':
			escapes := i > 0 && s[i-1] == 'e' && (i == 1 || !identChar(s[i-2]))
			body, n := quoted(s[i:], '\'', escapes)
			out.WriteString("'" + flatten(body) + "'")
			i += n
		case c == '$' && (i == 0 || !identChar(s[i-1])):
			if tag, ok := dollarTag(s[i:]); ok {
				rest := s[i+len(tag):]
				end := strings.Index(rest, tag)
				if end < 0 {
					end = len(rest)
					i = len(s)
				} else {
					i += len(tag) + end + len(tag)
				}
				out.WriteString("'" + flatten(rest[:end]) + "'")
				continue
			}
			out.WriteByte(c)
			i++
		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.String()
}

// quoted reads a quote-delimited token starting at s[0] and returns its body
// and the number of bytes consumed. A doubled quote is an escaped quote; with
// backslash escapes a backslash protects the next byte.
func quoted(s string, q byte, backslash bool) (string, int) {
	var body strings.Builder
	i := 1
	for i < len(s) {
		switch {
		case backslash && s[i] == '\\' && i+1 < len(s):
			body.WriteByte(s[i+1])
			i += 2
		case s[i] == q && i+1 < len(s) && s[i+1] == q:
			body.WriteByte(q)
			i += 2
		case s[i] == q:
			return body.String(), i + 1
		default:
			body.WriteByte(s[i])
			i++
		}
	}
	return body.String(), i
}

// dollarTag returns the opening $tag$ of a dollar-quoted string. $1 style
// parameters are not tags.
func dollarTag(s string) (string, bool) {
	for i := 1; i < len(s); i++ {
		switch c := s[i]; {
		case c == '$':
			return s[:i+1], true
		case c >= '0' && c <= '9':
			if i == 1 {
				return "", false
			}
		case c == '_' || (c >= 'a' && c <= 'z') || c >= 0x80:
		default:
			return "", false
		}
	}
	return "", false
}

func identChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c >= 0x80
}

func flatten(s string) string {
	b := []byte(s)
	for i, c := range b {
		if !(c == '_' || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')) {
			b[i] = '_'
		}
	}
	return string(b)
}
