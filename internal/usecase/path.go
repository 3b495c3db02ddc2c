package usecase

import (
	"path"
	"strings"
)

// Path is an endpoint location: an optional remote address plus a path
// template that may still contain unresolved {KEY} placeholders. Remote
// paths always use POSIX separators, matching the SFTP wire protocol
// regardless of the host OS running the engine.
type Path struct {
	address string
	tmpl    string
}

// ParsePath splits "[address:]path" into its components. A leading path
// segment containing '/' before the first ':' is never treated as an
// address (it is local path text that happens to contain a colon).
func ParsePath(raw string) Path {
	colon := strings.IndexByte(raw, ':')
	if colon < 0 {
		return Path{tmpl: raw}
	}
	if slash := strings.IndexByte(raw, '/'); slash >= 0 && slash < colon {
		return Path{tmpl: raw}
	}
	return Path{address: raw[:colon], tmpl: raw[colon+1:]}
}

// Address returns the remote host identifier, or "" for a local path.
func (p Path) Address() string {
	return p.address
}

// IsRemote reports whether the path names a remote endpoint.
func (p Path) IsRemote() bool {
	return p.address != ""
}

// Local returns a copy with the address stripped. Calling Local on an
// already-local path returns an equal value.
func (p Path) Local() Path {
	return Path{tmpl: p.tmpl}
}

// IsAbsolute reports whether the local path component is absolute. The
// address, if any, does not participate in this check.
func (p Path) IsAbsolute() bool {
	return path.IsAbs(p.tmpl)
}

// Template returns the raw, unresolved local path text.
func (p Path) Template() string {
	return p.tmpl
}

// StrFormat resolves {KEY} placeholders using the forgiving rule: a key
// present in kv is substituted, a key absent from kv is left verbatim, and
// keys in kv that do not appear in the template are ignored.
func (p Path) StrFormat(kv map[string]string) Path {
	return Path{address: p.address, tmpl: forgivingFormat(p.tmpl, kv)}
}

// String renders the path in "[address:]path" form.
func (p Path) String() string {
	if p.address == "" {
		return p.tmpl
	}
	return p.address + ":" + p.tmpl
}

// StrWithTrailingSlash renders the path with exactly one trailing slash,
// used when composing transfer-tool source/destination arguments.
func (p Path) StrWithTrailingSlash() string {
	s := p.tmpl
	if !strings.HasSuffix(s, "/") {
		s += "/"
	}
	if p.address == "" {
		return s
	}
	return p.address + ":" + s
}

// Equal reports whether two paths have the same address and template text.
func (p Path) Equal(other Path) bool {
	return p.address == other.address && p.tmpl == other.tmpl
}

// Join appends elements to the local path component using POSIX joining.
func (p Path) Join(elem ...string) Path {
	parts := append([]string{p.tmpl}, elem...)
	return Path{address: p.address, tmpl: path.Join(parts...)}
}

// Base returns the last path component of the local template.
func (p Path) Base() string {
	return path.Base(p.tmpl)
}

// forgivingFormat performs a one-pass scan over {IDENT} tokens, substituting
// known keys and leaving unknown ones untouched. It intentionally avoids a
// strict format library (fmt.Sprintf/text-template) so that an unresolved
// placeholder is not an error.
func forgivingFormat(s string, kv map[string]string) string {
	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		if s[i] != '{' {
			b.WriteByte(s[i])
			i++
			continue
		}
		end := strings.IndexByte(s[i+1:], '}')
		if end < 0 {
			b.WriteString(s[i:])
			break
		}
		end += i + 1
		key := s[i+1 : end]
		if !isIdentifier(key) {
			b.WriteByte(s[i])
			i++
			continue
		}
		if val, ok := kv[key]; ok {
			b.WriteString(val)
		} else {
			b.WriteString(s[i : end+1])
		}
		i = end + 1
	}
	return b.String()
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
		default:
			return false
		}
	}
	return true
}

const (
	// PlaceholderTomlFolder resolves to the directory containing the config file.
	PlaceholderTomlFolder = "TOML_FOLDER"
	// PlaceholderToday resolves to the ISO date (UTC) of the current run.
	PlaceholderToday = "TODAY"
	// PlaceholderLatest resolves to the ISO date of the most recent history entry.
	PlaceholderLatest = "LATEST"
)
