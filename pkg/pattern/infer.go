package pattern

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Type tags assigned by InferType.
const (
	TypeAny     = "any"
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeEmail   = "email"
	TypeURL     = "url"
	TypeDate    = "date"
	TypePhone   = "phone"
	TypeObject  = "object"
	TypeArray   = "array"
)

// typePriority orders tags from most to least specific. The dominant type
// of an attribute is the first tag in this list that has been observed.
var typePriority = []string{
	TypeEmail,
	TypeURL,
	TypeDate,
	TypePhone,
	TypeNumber,
	TypeInteger,
	TypeBoolean,
	TypeString,
	TypeObject,
	TypeArray,
	TypeAny,
}

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	urlPattern   = regexp.MustCompile(`^https?://`)
	datePattern  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
	phonePattern = regexp.MustCompile(`^[\+]?[\d\s\-\(\)]{10,}$`)
)

// stringRule maps a predicate over a string value to a type tag.
type stringRule struct {
	tag   string
	match func(string) bool
}

// stringRules are evaluated top-down; the first match wins.
var stringRules = []stringRule{
	{TypeEmail, emailPattern.MatchString},
	{TypeURL, urlPattern.MatchString},
	{TypeDate, datePattern.MatchString},
	{TypePhone, phonePattern.MatchString},
}

// InferType returns the type tag for a raw attribute value.
//
// Numbers are split by integrality, so a float64 decoded from JSON that
// holds a whole number is an integer. Strings run through the ordered
// format rules (email, url, date, phone) and fall back to string.
func InferType(value any) string {
	switch v := value.(type) {
	case nil:
		return TypeAny
	case string:
		return inferString(v)
	case bool:
		return TypeBoolean
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return TypeInteger
		}
		return TypeNumber
	case time.Time:
		return TypeDate
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return TypeInteger
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if !math.IsInf(f, 0) && !math.IsNaN(f) && f == math.Trunc(f) {
			return TypeInteger
		}
		return TypeNumber
	case reflect.Bool:
		return TypeBoolean
	case reflect.String:
		return inferString(rv.String())
	case reflect.Slice, reflect.Array:
		return TypeArray
	case reflect.Map, reflect.Struct:
		return TypeObject
	case reflect.Pointer:
		if rv.IsNil() {
			return TypeAny
		}
		return InferType(rv.Elem().Interface())
	}
	return TypeString
}

func inferString(s string) string {
	for _, rule := range stringRules {
		if rule.match(s) {
			return rule.tag
		}
	}
	return TypeString
}

// MatchesFormat reports whether s satisfies the format rule for tag.
// Tags without a format rule always match.
func MatchesFormat(tag, s string) bool {
	for _, rule := range stringRules {
		if rule.tag == tag {
			return rule.match(s)
		}
	}
	return true
}

// DominantType picks the highest-priority tag among types.
func DominantType(types []string) string {
	if len(types) == 1 {
		return types[0]
	}
	for _, tag := range typePriority {
		for _, t := range types {
			if t == tag {
				return tag
			}
		}
	}
	if len(types) > 0 {
		return types[0]
	}
	return TypeAny
}

// sortByPriority orders a type set most-specific first.
func sortByPriority(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for _, tag := range typePriority {
		if _, ok := set[tag]; ok {
			out = append(out, tag)
		}
	}
	return out
}

// Fingerprint returns a compact identity for a value so distinct-value sets
// hold fixed-size keys instead of arbitrary payloads. Values that encode to
// the same JSON share a fingerprint.
func Fingerprint(value any) string {
	data, err := json.Marshal(value)
	if err != nil {
		data = []byte(fmt.Sprintf("%T:%#v", value, value))
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:16])
}
