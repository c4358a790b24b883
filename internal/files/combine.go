package files

import "strings"

// Combine joins addend onto base. An absolute addend, one starting with a slash, a backslash or a drive
// letter like "C:", replaces base entirely. The separator is a backslash if the inputs only use backslashes,
// and a slash otherwise.
func Combine(base, addend string) string {
	if addend == "" {
		return base
	}
	if base == "" || IsAbs(addend) {
		return addend
	}
	if strings.HasSuffix(base, "/") || strings.HasSuffix(base, `\`) {
		return base + addend
	}
	return base + separator(base, addend) + addend
}

// IsAbs reports whether p is absolute on either Unix or Windows.
func IsAbs(p string) bool {
	if p == "" {
		return false
	}
	if p[0] == '/' || p[0] == '\\' {
		return true
	}
	return len(p) >= 2 && p[1] == ':' && isLetter(p[0])
}

func separator(base, addend string) string {
	both := base + addend
	if strings.Contains(both, `\`) && !strings.Contains(both, "/") {
		return `\`
	}
	if isDrivePath(base) && !strings.Contains(both, "/") {
		return `\`
	}
	return "/"
}

func isDrivePath(p string) bool {
	return len(p) >= 2 && p[1] == ':' && isLetter(p[0])
}

func isLetter(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}
