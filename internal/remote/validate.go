package remote

import (
	"fmt"
	"regexp"
	"strings"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9_-]{0,61}[A-Za-z0-9])?$`)

// ValidateName checks a workload or resource name: letters, digits, '-' and
// '_', at most 63 characters, alphanumeric at both ends.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid name %q", name)
	}
	return nil
}

// ValidateDescriptor rejects a malformed deployment descriptor before any
// remote call is made.
func ValidateDescriptor(desc Descriptor) error {
	fail := func(format string, args ...any) error {
		return Errorf(KindValidation, "validate", desc.Name, format, args...)
	}
	if err := ValidateName(desc.Name); err != nil {
		return NewError(KindValidation, "validate", desc.Name, err)
	}
	if desc.Instances < 0 {
		return fail("instances must not be negative, got %d", desc.Instances)
	}
	if desc.MemoryMB < 0 {
		return fail("memory must not be negative, got %dMB", desc.MemoryMB)
	}
	for k := range desc.Env {
		if k == "" || strings.ContainsAny(k, "= \t\n") {
			return fail("invalid environment variable name %q", k)
		}
	}
	for _, r := range desc.Resources {
		if err := ValidateName(r); err != nil {
			return NewError(KindValidation, "validate", desc.Name, err)
		}
	}
	for _, p := range desc.Ports {
		if p <= 0 || p > 65535 {
			return fail("port %d out of range", p)
		}
	}
	return nil
}

// EnvPrefix returns the environment variable prefix under which a bound
// resource's credentials are exposed to a workload, e.g. "MYSQL_TEST_SERVICE_".
func EnvPrefix(resource string) string {
	var b strings.Builder
	for i, r := range resource {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case r >= 'A' && r <= 'Z':
			// camelCase boundary
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	b.WriteByte('_')
	return b.String()
}
