package users

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/polisai/polis-flow/pkg/domain"
)

// object is one decoded JSON object. Keys are looked up exactly; encoding/json
// would otherwise match struct tags case-insensitively.
type object map[string]json.RawMessage

// Transform parses the raw API body and projects results[0] into a TransformedUser.
// Any structural problem is reported as domain.ErrMalformedPayload; JSON null counts
// as an absent field.
func Transform(body []byte) (domain.TransformedUser, error) {
	var doc object
	if err := json.Unmarshal(body, &doc); err != nil {
		return domain.TransformedUser{}, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}

	raw, ok := doc.field("results")
	if !ok {
		return domain.TransformedUser{}, fmt.Errorf("%w: results is missing", domain.ErrMalformedPayload)
	}
	var results []json.RawMessage
	if err := json.Unmarshal(raw, &results); err != nil {
		return domain.TransformedUser{}, fmt.Errorf("%w: results is not a list: %v", domain.ErrMalformedPayload, err)
	}
	if len(results) == 0 {
		return domain.TransformedUser{}, fmt.Errorf("%w: results is empty", domain.ErrMalformedPayload)
	}

	return project(results[0])
}

func project(raw json.RawMessage) (domain.TransformedUser, error) {
	user, err := decodeObject(raw, "results[0]")
	if err != nil {
		return domain.TransformedUser{}, err
	}

	name, err := user.object("name", "results[0].name")
	if err != nil {
		return domain.TransformedUser{}, err
	}
	location, err := user.object("location", "results[0].location")
	if err != nil {
		return domain.TransformedUser{}, err
	}
	dob, err := user.object("dob", "results[0].dob")
	if err != nil {
		return domain.TransformedUser{}, err
	}

	var out domain.TransformedUser
	for _, f := range []struct {
		obj  object
		key  string
		path string
		dst  *string
	}{
		{name, "first", "results[0].name.first", &out.FirstName},
		{name, "last", "results[0].name.last", &out.LastName},
		{user, "gender", "results[0].gender", &out.Gender},
		{location, "country", "results[0].location.country", &out.Country},
		{user, "email", "results[0].email", &out.Email},
	} {
		if *f.dst, err = f.obj.str(f.key, f.path); err != nil {
			return domain.TransformedUser{}, err
		}
	}

	if out.Age, err = dob.age("age", "results[0].dob.age"); err != nil {
		return domain.TransformedUser{}, err
	}
	return out, nil
}

func decodeObject(raw json.RawMessage, path string) (object, error) {
	var obj object
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %s is not an object: %v", domain.ErrMalformedPayload, path, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: %s is missing", domain.ErrMalformedPayload, path)
	}
	return obj, nil
}

// field returns the raw value stored under exactly key, treating null as absent.
func (o object) field(key string) (json.RawMessage, bool) {
	raw, ok := o[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, false
	}
	return raw, true
}

func (o object) object(key, path string) (object, error) {
	raw, ok := o.field(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s is missing", domain.ErrMalformedPayload, path)
	}
	return decodeObject(raw, path)
}

func (o object) str(key, path string) (string, error) {
	raw, ok := o.field(key)
	if !ok {
		return "", fmt.Errorf("%w: %s is missing", domain.ErrMalformedPayload, path)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %s is not a string", domain.ErrMalformedPayload, path)
	}
	return s, nil
}

// age reads a JSON number; quoted numbers are rejected.
func (o object) age(key, path string) (int, error) {
	raw, ok := o.field(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s is missing", domain.ErrMalformedPayload, path)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", domain.ErrMalformedPayload, path, err)
	}
	n, isNumber := value.(json.Number)
	if !isNumber {
		return 0, fmt.Errorf("%w: %s is not a number: %s", domain.ErrMalformedPayload, path, raw)
	}
	age, ok := integral(n)
	if !ok {
		return 0, fmt.Errorf("%w: %s is not an integer: %q", domain.ErrMalformedPayload, path, n.String())
	}
	return age, nil
}

// integral accepts 41 as well as 41.0, rejecting fractions and out-of-range values.
func integral(n json.Number) (int, bool) {
	if i, err := n.Int64(); err == nil {
		if i > math.MaxInt32 || i < math.MinInt32 {
			return 0, false
		}
		return int(i), true
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, false
	}
	return int(f), true
}
