package isapi

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// TextKey holds an element's character data when the element also carries
// attributes or children.
const TextKey = "#text"

// Map is a decoded XML document. Elements become keys, attributes are folded
// into the element's own map under their local name, and repeated siblings
// become []any. Leaf elements without attributes decode to their trimmed text.
type Map map[string]any

// DecodeXML decodes a well-formed XML document into a Map keyed by the root
// element's local name. Namespaces are dropped from element and attribute names.
func DecodeXML(data []byte) (Map, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	type frame struct {
		name   string
		fields map[string]any
		text   strings.Builder
	}

	var stack []*frame
	var doc Map
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if doc != nil {
				return nil, fmt.Errorf("%w: element %q after root element", ErrDecode, t.Name.Local)
			}
			f := &frame{name: t.Name.Local, fields: make(map[string]any)}
			for _, attr := range t.Attr {
				// namespace declarations carry no data
				if attr.Name.Space == "xmlns" || (attr.Name.Space == "" && attr.Name.Local == "xmlns") {
					continue
				}
				addField(f.fields, attr.Name.Local, attr.Value)
			}
			stack = append(stack, f)

		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			} else if len(bytes.TrimSpace(t)) > 0 {
				return nil, fmt.Errorf("%w: text outside the root element", ErrDecode)
			}

		case xml.EndElement:
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			var value any
			text := strings.TrimSpace(f.text.String())
			if len(f.fields) == 0 {
				value = text
			} else {
				if text != "" {
					f.fields[TextKey] = text
				}
				value = f.fields
			}

			if len(stack) == 0 {
				// the rest must be whitespace, comments or processing instructions
				doc = Map{f.name: value}
				continue
			}
			addField(stack[len(stack)-1].fields, f.name, value)
		}
	}

	if doc == nil {
		return nil, fmt.Errorf("%w: no root element", ErrDecode)
	}
	return doc, nil
}

func addField(fields map[string]any, name string, value any) {
	existing, ok := fields[name]
	if !ok {
		fields[name] = value
		return
	}

	if list, isList := existing.([]any); isList {
		fields[name] = append(list, value)
		return
	}
	fields[name] = []any{existing, value}
}

// Root returns the name of the document's root element
func (m Map) Root() string {
	for name := range m {
		return name
	}
	return ""
}

// Value resolves a dotted path such as "EventNotificationAlert.eventType".
// A numeric segment indexes into a repeated element; any other segment applied
// to a repeated element reads its first occurrence.
func (m Map) Value(path string) (any, bool) {
	var current any = map[string]any(m)

	for _, segment := range strings.Split(path, ".") {
		if list, ok := current.([]any); ok {
			if idx, err := strconv.Atoi(segment); err == nil {
				if idx < 0 || idx >= len(list) {
					return nil, false
				}
				current = list[idx]
				continue
			}
			if len(list) == 0 {
				return nil, false
			}
			current = list[0]
		}

		fields, ok := asFields(current)
		if !ok {
			return nil, false
		}
		current, ok = fields[segment]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// Has reports whether the path resolves
func (m Map) Has(path string) bool {
	_, ok := m.Value(path)
	return ok
}

// String returns the text at path, reading TextKey when the element carries
// attributes. Missing paths yield "".
func (m Map) String(path string) string {
	value, ok := m.Value(path)
	if !ok {
		return ""
	}
	return textOf(value)
}

// List returns the elements at path as a slice whether the element occurred
// once or many times.
func (m Map) List(path string) []any {
	value, ok := m.Value(path)
	if !ok {
		return nil
	}
	return asList(value)
}

// Sub returns the subtree at path as a Map
func (m Map) Sub(path string) (Map, bool) {
	value, ok := m.Value(path)
	if !ok {
		return nil, false
	}
	fields, ok := asFields(value)
	if !ok {
		return nil, false
	}
	return Map(fields), true
}

func asFields(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Map:
		return t, true
	default:
		return nil, false
	}
}

func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case string:
		// an empty list element decodes to ""
		if t == "" {
			return nil
		}
		return []any{t}
	default:
		return []any{t}
	}
}

func textOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		if len(t) == 0 {
			return ""
		}
		return textOf(t[0])
	default:
		if fields, ok := asFields(t); ok {
			if text, ok := fields[TextKey].(string); ok {
				return text
			}
		}
		return ""
	}
}

// decodeInto maps a decoded subtree onto a struct tagged with mapstructure
// keys. Scalar targets read TextKey when the element carries attributes, and
// numeric or boolean targets parse the element text.
func decodeInto(input any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       textNodeHook,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}

func textNodeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	switch to.Kind() {
	case reflect.Map, reflect.Struct:
		// an empty element decodes to ""
		if s, ok := data.(string); ok && s == "" {
			return map[string]any{}, nil
		}
		return data, nil
	case reflect.Slice, reflect.Interface, reflect.Pointer:
		return data, nil
	}

	if fields, ok := asFields(data); ok {
		if text, ok := fields[TextKey]; ok {
			return text, nil
		}
		return "", nil
	}
	if list, ok := data.([]any); ok && len(list) > 0 {
		return textOf(list[0]), nil
	}
	return data, nil
}
