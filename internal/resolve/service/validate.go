package service

import (
	"regexp"
	"strings"

	id "github.com/benffsc/atlas/pkg/domain"

	"github.com/benffsc/atlas/internal/identifier/normalize"
)

// placeholderNames are display names upstream forms ship when the field was
// never filled in. Creating entities for them pollutes matching forever.
var placeholderNames = map[string]bool{
	"test":      true,
	"testing":   true,
	"unknown":   true,
	"n/a":       true,
	"na":        true,
	"none":      true,
	"no name":   true,
	"noname":    true,
	"anonymous": true,
	"tbd":       true,
	"asdf":      true,
	"x":         true,
	"xx":        true,
	"xxx":       true,
}

// orgNameRe catches organizational names submitted as people: shelters,
// clinics and rescues belong in Place records, not Person ones.
var orgNameRe = regexp.MustCompile(`(?i)\b(shelter|rescue|clinic|hospital|veterinary|society|humane|spca|foundation|inc|llc|corp)\b`)

// validate runs the junk checks before any lookup. A non-empty return is the
// rejection reason.
func (s *Service) validate(req *Request) string {
	name := strings.ToLower(strings.TrimSpace(req.DisplayName))
	if placeholderNames[name] {
		return "placeholder display name"
	}
	if req.EntityType == id.EntityPerson && orgNameRe.MatchString(req.DisplayName) {
		return "organizational name pattern on a person"
	}
	for _, ident := range req.Identifiers {
		if _, err := normalize.Value(ident.Type, ident.RawValue); err != nil {
			return "malformed " + string(ident.Type) + " identifier"
		}
	}
	if addr := req.Attributes["address"]; addr != "" {
		normalized, err := normalize.Address(addr)
		if err == nil && normalize.IsPOBoxOnly(normalized) {
			return "PO-box-only address"
		}
	}
	return ""
}
