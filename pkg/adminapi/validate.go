package adminapi

import "regexp"

// hostnamePattern matches an ASCII DNS-like hostname: dot-separated labels,
// each starting and ending with an alphanumeric, up to 63 bytes.
var hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*$`)

// projectNamePattern matches a printable project name, 1-63 bytes, starting
// with an alphanumeric and otherwise alphanumeric/underscore/hyphen.
var projectNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,62}$`)

func validHostname(h string) bool {
	return len(h) > 0 && len(h) <= 253 && hostnamePattern.MatchString(h)
}

func validProjectName(n string) bool {
	return projectNamePattern.MatchString(n)
}
