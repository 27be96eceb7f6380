package iothub

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/goccy/go-json"
)

var (
	// ErrPropertyNotFound means the property or its $version is absent
	ErrPropertyNotFound = errors.New("property not found")
	// ErrMalformedDocument means the twin document is not a JSON object
	ErrMalformedDocument = errors.New("malformed twin document")
	// ErrInvalidValue means the property is present but has the wrong type.
	// The version is still returned so the update can be rejected.
	ErrInvalidValue = errors.New("invalid property value")
)

// Acknowledgement descriptions used in writable property responses
const (
	AckSuccess = "success"
	AckInvalid = "invalid value"
)

// Property is one member of an ordered JSON object
type Property struct {
	Name  string
	Value any
}

// Object is a JSON object that keeps member order.
// float64 members are written with at most two decimals.
type Object []Property

func (o Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(p.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')

		value, err := marshalValue(p.Value)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", p.Name, err)
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalValue(v any) ([]byte, error) {
	switch x := v.(type) {
	case float64:
		return formatDouble(x)
	case float32:
		return formatDouble(float64(x))
	}
	return json.Marshal(v)
}

func formatDouble(v float64) ([]byte, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("unsupported number %v", v)
	}
	return []byte(strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)), nil
}

// BuildReportedProperties renders a reported properties patch
func BuildReportedProperties(props ...Property) ([]byte, error) {
	return json.Marshal(Object(props))
}

// BuildPropertyAck renders the response to a writable property update:
// {"name":{"value":v,"ac":code,"av":version,"ad":description}}
func BuildPropertyAck(name string, value any, code Status, version int32, description string) ([]byte, error) {
	return json.Marshal(Object{{
		Name: name,
		Value: Object{
			{Name: "value", Value: value},
			{Name: "ac", Value: int(code)},
			{Name: "av", Value: version},
			{Name: "ad", Value: description},
		},
	}})
}

// ParseDesiredProperty finds a desired property and the desired $version.
// A twin GET response nests desired properties under "desired"; a desired
// patch carries them at the top level. Both the property and $version must
// be present.
func ParseDesiredProperty(doc []byte, isTwinGet bool, name string) (json.RawMessage, int32, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(doc, &root); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	desired := root
	if isTwinGet {
		raw, ok := root["desired"]
		if !ok {
			return nil, 0, fmt.Errorf("%w: desired section missing", ErrPropertyNotFound)
		}
		if err := json.Unmarshal(raw, &desired); err != nil {
			return nil, 0, fmt.Errorf("%w: desired is not an object: %v", ErrMalformedDocument, err)
		}
	}

	value, ok := desired[name]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrPropertyNotFound, name)
	}
	rawVersion, ok := desired["$version"]
	if !ok {
		return nil, 0, fmt.Errorf("%w: $version", ErrPropertyNotFound)
	}
	var version int32
	if err := json.Unmarshal(rawVersion, &version); err != nil {
		return nil, 0, fmt.Errorf("%w: invalid $version: %v", ErrMalformedDocument, err)
	}
	return value, version, nil
}

// ParseDesiredFloat is ParseDesiredProperty for a numeric property
func ParseDesiredFloat(doc []byte, isTwinGet bool, name string) (float64, int32, error) {
	raw, version, err := ParseDesiredProperty(doc, isTwinGet, name)
	if err != nil {
		return 0, 0, err
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, version, fmt.Errorf("%w: %s is not a number: %v", ErrInvalidValue, name, err)
	}
	return v, version, nil
}

// ParseDesiredInt is ParseDesiredProperty for an integer property
func ParseDesiredInt(doc []byte, isTwinGet bool, name string) (int32, int32, error) {
	raw, version, err := ParseDesiredProperty(doc, isTwinGet, name)
	if err != nil {
		return 0, 0, err
	}
	var v int32
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, version, fmt.Errorf("%w: %s is not an integer: %v", ErrInvalidValue, name, err)
	}
	return v, version, nil
}
