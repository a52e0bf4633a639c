package gateway

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/mail"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/propgw/internal/config"
)

// Locations of a failing field.
const (
	LocationQuery  = "query"
	LocationBody   = "body"
	LocationParams = "params"
)

// FieldError describes one rejected input.
type FieldError struct {
	Field    string `json:"field"`
	Message  string `json:"message"`
	Value    any    `json:"value,omitempty"`
	Location string `json:"location"`
}

// Validator checks a request and returns every problem found.
type Validator func(rc *RequestContext) []FieldError

func validatorFor(name string) (Validator, error) {
	switch name {
	case "":
		return nil, nil
	case config.ValidatorProperties:
		return validateProperties, nil
	case config.ValidatorUsers:
		return validateUsers, nil
	case config.ValidatorAuth:
		return validateAuth, nil
	default:
		return nil, fmt.Errorf("unknown validator %q", name)
	}
}

var (
	propertyTypes = []string{"apartment", "house", "condo", "townhouse", "studio", "loft"}
	amenities     = []string{"parking", "pool", "gym", "laundry", "balcony", "garden", "pet-friendly", "furnished"}
	userRoles     = []string{"user", "landlord", "admin", "super_admin"}
	userStatuses  = []string{"active", "inactive", "suspended"}

	// userPathActions are collection endpoints that share the id position.
	userPathActions = []string{"me", "profile", "search", "list", "stats"}

	usZipPattern  = regexp.MustCompile(`^\d{5}(-\d{4})?$`)
	sortPattern   = regexp.MustCompile(`^[a-zA-Z_]+(:(asc|desc))?$`)
	mfaPattern    = regexp.MustCompile(`^\d{6}$`)
	passwordChars = regexp.MustCompile(`^[A-Za-z\d@$!%*?&]+$`)
)

// fieldChecker accumulates errors for one location.
type fieldChecker struct {
	location string
	errs     []FieldError
}

func (c *fieldChecker) fail(field, message string, value any) {
	c.errs = append(c.errs, FieldError{Field: field, Message: message, Value: value, Location: c.location})
}

func (c *fieldChecker) intRange(field, v string, lo, hi int, message string) {
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		c.fail(field, message, v)
	}
}

// floatRange returns the parsed value when it is valid.
func (c *fieldChecker) floatRange(field, v string, lo, hi float64, message string) (float64, bool) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < lo || f > hi {
		c.fail(field, message, v)
		return 0, false
	}
	return f, true
}

func (c *fieldChecker) length(field, v string, lo, hi int, message string) {
	n := utf8.RuneCountInString(v)
	if n < lo || (hi > 0 && n > hi) {
		c.fail(field, message, v)
	}
}

func (c *fieldChecker) oneOf(field, v string, allowed []string, message string) {
	if !slices.Contains(allowed, v) {
		c.fail(field, message, v)
	}
}

func validateProperties(rc *RequestContext) []FieldError {
	q := rc.Query
	c := &fieldChecker{location: LocationQuery}
	has := func(name string) (string, bool) {
		if _, ok := q[name]; !ok {
			return "", false
		}
		return q.Get(name), true
	}

	if v, ok := has("page"); ok {
		c.intRange("page", v, 1, 1000, "Page must be an integer between 1 and 1000")
	}
	if v, ok := has("limit"); ok {
		c.intRange("limit", v, 1, 100, "Limit must be an integer between 1 and 100")
	}

	minPrice, minOK := 0.0, false
	if v, ok := has("minPrice"); ok {
		minPrice, minOK = c.floatRange("minPrice", v, 0, maxFloat, "Min price must be a positive number")
	}
	if v, ok := has("maxPrice"); ok {
		maxPrice, maxOK := c.floatRange("maxPrice", v, 0, maxFloat, "Max price must be a positive number")
		if minOK && maxOK && maxPrice < minPrice {
			c.fail("maxPrice", "Max price must be greater than or equal to min price", v)
		}
	}

	if v, ok := has("city"); ok {
		c.length("city", strings.TrimSpace(v), 1, 100, "City must be between 1 and 100 characters")
	}
	if v, ok := has("state"); ok {
		c.length("state", strings.TrimSpace(v), 2, 2, "State must be exactly 2 characters")
	}
	if v, ok := has("zipCode"); ok && !usZipPattern.MatchString(strings.TrimSpace(v)) {
		c.fail("zipCode", "Invalid ZIP code format", v)
	}
	if v, ok := has("propertyType"); ok {
		c.oneOf("propertyType", v, propertyTypes,
			"Property type must be one of: "+strings.Join(propertyTypes, ", "))
	}
	if v, ok := has("bedrooms"); ok {
		c.intRange("bedrooms", v, 0, 10, "Bedrooms must be between 0 and 10")
	}
	if v, ok := has("bathrooms"); ok {
		c.floatRange("bathrooms", v, 0, 10, "Bathrooms must be between 0 and 10")
	}
	if v, ok := has("amenities"); ok {
		var invalid []string
		for _, a := range strings.Split(v, ",") {
			a = strings.ToLower(strings.TrimSpace(a))
			if !slices.Contains(amenities, a) {
				invalid = append(invalid, a)
			}
		}
		if len(invalid) > 0 {
			c.fail("amenities", "Invalid amenities: "+strings.Join(invalid, ", "), v)
		}
	}

	var from time.Time
	if v, ok := has("availableFrom"); ok {
		t, err := parseISODate(v)
		if err != nil {
			c.fail("availableFrom", "Available from date must be in ISO 8601 format", v)
		}
		from = t
	}
	if v, ok := has("availableTo"); ok {
		to, err := parseISODate(v)
		switch {
		case err != nil:
			c.fail("availableTo", "Available to date must be in ISO 8601 format", v)
		case !from.IsZero() && to.Before(from):
			c.fail("availableTo", "Available to date must be after available from date", v)
		}
	}

	if v, ok := has("search"); ok {
		c.length("search", v, 1, 200, "Search term must be between 1 and 200 characters")
	}
	// A bare field is accepted; the transform stage appends the direction.
	if v, ok := has("sort"); ok && !sortPattern.MatchString(v) {
		c.fail("sort", "Sort format must be field:direction (e.g., price:asc)", v)
	}

	return c.errs
}

const maxFloat = 1e308

func parseISODate(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", v)
}

func validateUsers(rc *RequestContext) []FieldError {
	var errs []FieldError

	if id := userPathID(rc); id != "" {
		if _, err := uuid.Parse(id); err != nil {
			errs = append(errs, FieldError{
				Field: "id", Message: "Invalid user ID format", Value: id, Location: LocationParams,
			})
		}
	}

	body, bodyErr := jsonBody(rc)
	if bodyErr != nil {
		return append(errs, *bodyErr)
	}
	c := &fieldChecker{location: LocationBody}
	checkName(c, body, "firstName", "First name must be between 1 and 50 characters")
	checkName(c, body, "lastName", "Last name must be between 1 and 50 characters")
	if v, ok := stringField(c, body, "role"); ok {
		c.oneOf("role", v, userRoles, "Invalid role")
	}
	if v, ok := stringField(c, body, "status"); ok {
		c.oneOf("status", v, userStatuses, "Invalid status")
	}
	if v, ok := stringField(c, body, "avatarUrl"); ok {
		u, err := url.ParseRequestURI(v)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			c.fail("avatarUrl", "Avatar URL must be a valid URL", v)
		}
	}
	if v, ok := body["preferences"]; ok {
		if _, isObj := v.(map[string]any); !isObj {
			c.fail("preferences", "Preferences must be an object", v)
		}
	}

	return append(errs, c.errs...)
}

// userPathID returns the first path segment after the route prefix unless
// it names a collection action.
func userPathID(rc *RequestContext) string {
	if rc.Route == nil {
		return ""
	}
	rest := strings.TrimPrefix(rc.Request.URL.Path, rc.Route.Prefix)
	rest = strings.TrimPrefix(rest, "/")
	seg, _, _ := strings.Cut(rest, "/")
	if seg == "" || slices.Contains(userPathActions, seg) {
		return ""
	}
	return seg
}

func validateAuth(rc *RequestContext) []FieldError {
	body, bodyErr := jsonBody(rc)
	if bodyErr != nil {
		return []FieldError{*bodyErr}
	}

	c := &fieldChecker{location: LocationBody}
	if v, ok := stringField(c, body, "email"); ok && !validEmail(v) {
		c.fail("email", "Invalid email format", v)
	}
	if requiresStrongPassword(rc.Request.URL.Path) {
		if v, ok := stringField(c, body, "password"); ok {
			checkPassword(c, v)
		}
	}
	checkName(c, body, "firstName", "First name must be between 1 and 50 characters")
	checkName(c, body, "lastName", "Last name must be between 1 and 50 characters")
	if v, ok := stringField(c, body, "token"); ok {
		c.length("token", v, 10, 0, "Invalid token format")
	}
	if v, ok := stringField(c, body, "mfaCode"); ok && !mfaPattern.MatchString(v) {
		c.fail("mfaCode", "MFA code must be 6 digits", v)
	}
	return c.errs
}

func requiresStrongPassword(path string) bool {
	return strings.HasSuffix(path, "/register") || strings.HasSuffix(path, "/reset-password")
}

func checkPassword(c *fieldChecker, v string) {
	if len(v) < 8 {
		c.fail("password", "Password must be at least 8 characters long", nil)
		return
	}
	var lower, upper, digit, special bool
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		case strings.ContainsRune("@$!%*?&", r):
			special = true
		}
	}
	if !lower || !upper || !digit || !special || !passwordChars.MatchString(v) {
		c.fail("password", "Password must contain at least one uppercase letter, one lowercase letter, "+
			"one number, and one special character", nil)
	}
}

func validEmail(v string) bool {
	addr, err := mail.ParseAddress(v)
	return err == nil && addr.Address == v && strings.Contains(v[strings.LastIndex(v, "@"):], ".")
}

func checkName(c *fieldChecker, body map[string]any, field, message string) {
	if v, ok := stringField(c, body, field); ok {
		c.length(field, strings.TrimSpace(v), 1, 50, message)
	}
}

// stringField returns a present string field. A present non-string value is
// reported.
func stringField(c *fieldChecker, body map[string]any, field string) (string, bool) {
	raw, ok := body[field]
	if !ok || raw == nil {
		return "", false
	}
	s, isString := raw.(string)
	if !isString {
		c.fail(field, field+" must be a string", raw)
		return "", false
	}
	return s, true
}

// jsonBody decodes a JSON object body. Requests without a JSON body yield
// an empty map.
func jsonBody(rc *RequestContext) (map[string]any, *FieldError) {
	if len(rc.Body) == 0 {
		return map[string]any{}, nil
	}
	mediaType, _, _ := mime.ParseMediaType(rc.Request.Header.Get("Content-Type"))
	if mediaType != "application/json" && !strings.HasSuffix(mediaType, "+json") {
		return map[string]any{}, nil
	}

	var body map[string]any
	if err := json.Unmarshal(rc.Body, &body); err != nil || body == nil {
		return nil, &FieldError{Field: "body", Message: "Request body must be a JSON object", Location: LocationBody}
	}
	return body, nil
}
