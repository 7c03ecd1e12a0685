package config

import (
	"strings"
	"unicode"

	"magg/internal/api"

	"github.com/go-playground/validator/v10"
)

// validate carries the field-shape rules for ServerConfig. Cross-field
// rules (exactly one transport, prefix vs separator) need context the tag
// language cannot express and live in ValidateServer.
var validate = newValidator()

// serverConfigRules mirrors ServerConfig for tag-based validation. The
// catalog struct itself keeps clean JSON tags; this shadow struct keeps
// the validator tags out of the wire format.
type serverConfigRules struct {
	Name   string `validate:"required,identifier"`
	Source string `validate:"omitempty,uri"`
	Cwd    string `validate:"omitempty"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	// identifier: letters, digits and dashes/underscores, starting with a
	// letter or underscore. This is the rule MCP clients accept in tool names.
	_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return isIdentifier(fl.Field().String())
	})
	return v
}

// isIdentifier reports whether s is a legal name segment.
func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case unicode.IsLetter(r) || r == '_':
		case r == '-' || unicode.IsDigit(r):
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// ValidateServer checks a single server entry against the active
// separator policy. Returns a ValidationError describing the first
// violation found.
func ValidateServer(srv *ServerConfig, separator string) error {
	rules := serverConfigRules{Name: srv.Name, Source: srv.Source, Cwd: srv.Cwd}
	if err := validate.Struct(rules); err != nil {
		return api.Validationf("server %q: %v", srv.Name, err)
	}

	hasCommand := srv.Command != ""
	hasURI := srv.URI != ""
	if hasCommand == hasURI {
		return api.Validationf("server %q: exactly one of command or uri must be set", srv.Name)
	}
	if hasURI && !strings.HasPrefix(srv.URI, "http://") && !strings.HasPrefix(srv.URI, "https://") {
		return api.Validationf("server %q: uri must be an http(s) endpoint, got %q", srv.Name, srv.URI)
	}

	if srv.Prefix != nil && *srv.Prefix != "" {
		prefix := *srv.Prefix
		if !isIdentifier(prefix) {
			return api.Validationf("server %q: prefix %q is not a valid identifier", srv.Name, prefix)
		}
		if strings.Contains(prefix, separator) {
			return api.Validationf("server %q: prefix %q must not contain the separator %q", srv.Name, prefix, separator)
		}
	}
	if srv.Prefix == nil && strings.Contains(srv.Name, separator) {
		// The name doubles as the prefix; a separator inside it would make
		// aggregated names ambiguous.
		return api.Validationf("server %q: name contains the separator %q and no explicit prefix is set", srv.Name, separator)
	}
	return nil
}

// ValidateCatalog checks the whole catalog. Validation is total: the
// catalog either passes as a whole or the first error rejects it.
//
// Two enabled servers may share a prefix; whether their capability names
// actually collide is only known at mount time, and the mount engine then
// fails the later entry rather than the whole catalog.
func ValidateCatalog(c *Catalog, separator string) error {
	for _, name := range c.Names() {
		srv := c.Servers[name]
		if srv.Name != name {
			return api.Validationf("server %q: key does not match name %q", name, srv.Name)
		}
		if err := ValidateServer(srv, separator); err != nil {
			return err
		}
	}
	return nil
}
