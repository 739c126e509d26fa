// Package serialization decodes CLIXML, the XML object-serialization format
// PowerShell uses for PSRP message bodies.
//
// The message decoder depends only on the Deserializer interface, so a
// different CLIXML implementation can be plugged in. CLIXML is the default.
//
// # Supported Types
//
//   - Primitives: String, Char, Boolean, signed and unsigned integers,
//     Single, Double, Decimal, DateTime, TimeSpan, GUID, URI, Version, XML
//   - Byte arrays (base64)
//   - Collections: LST, IE, STK, QUE and DCT
//   - Complex: Obj with type names, adapted (Props) and extended (MS)
//     members, ToString and an optional primitive value
//   - Special: SecureString (kept encrypted), ScriptBlock, Ref/TNRef
//
// # CLIXML Structure
//
// CLIXML documents have the following root structure:
//
//	<Objs Version="1.1.0.1" xmlns="http://schemas.microsoft.com/powershell/2004/04">
//	  <!-- Serialized objects here -->
//	</Objs>
//
// PSRP message bodies carry the objects without the root; Wrap adds it.
//
// # Reference
//
// MS-PSRP Section 2.2.5: https://docs.microsoft.com/en-us/openspecs/windows_protocols/ms-psrp/
package serialization

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// CLIXML namespace and version.
const (
	CLIXMLNamespace = "http://schemas.microsoft.com/powershell/2004/04"
	CLIXMLVersion   = "1.1.0.1"
)

// DefaultMaxRecursionDepth is the default limit for CLIXML nesting depth.
const DefaultMaxRecursionDepth = 100

var (
	// ErrInvalidCLIXML is returned for malformed CLIXML.
	ErrInvalidCLIXML = errors.New("invalid CLIXML")
	// ErrMaxRecursionDepth is returned when recursion depth limit is exceeded.
	ErrMaxRecursionDepth = errors.New("maximum recursion depth exceeded")
)

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

const localDateTime = "2006-01-02T15:04:05.999999999"

// Deserializer turns a CLIXML document into Go values.
// Implementations must wrap every failure in ErrInvalidCLIXML.
type Deserializer interface {
	Deserialize(data []byte) ([]interface{}, error)
}

// PSObject represents a PowerShell object with type information and properties.
type PSObject struct {
	TypeNames []string               `json:"TypeNames,omitempty" yaml:"TypeNames,omitempty" msgpack:"TypeNames,omitempty"`
	ToString  string                 `json:"ToString,omitempty" yaml:"ToString,omitempty" msgpack:"ToString,omitempty"`
	Value     interface{}            `json:"Value,omitempty" yaml:"Value,omitempty" msgpack:"Value,omitempty"`
	Props     map[string]interface{} `json:"Props,omitempty" yaml:"Props,omitempty" msgpack:"Props,omitempty"`
	Members   map[string]interface{} `json:"Members,omitempty" yaml:"Members,omitempty" msgpack:"Members,omitempty"`
}

// Property returns the named adapted or extended property.
func (o *PSObject) Property(name string) (interface{}, bool) {
	if v, ok := o.Props[name]; ok {
		return v, true
	}
	v, ok := o.Members[name]
	return v, ok
}

// SecureString holds the still-encrypted bytes of an <SS> element.
type SecureString struct {
	Encrypted []byte
}

// ScriptBlock holds the text of an <SB> element.
type ScriptBlock struct {
	Text string
}

// Wrap encloses a PSRP message body in the CLIXML root element.
func Wrap(body []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(body) + 96)
	buf.WriteString(`<Objs Version="`)
	buf.WriteString(CLIXMLVersion)
	buf.WriteString(`" xmlns="`)
	buf.WriteString(CLIXMLNamespace)
	buf.WriteString(`">`)
	buf.Write(body)
	buf.WriteString(`</Objs>`)
	return buf.Bytes()
}

// CLIXML is the default Deserializer.
type CLIXML struct {
	// MaxDepth bounds nesting of collections and objects.
	// Zero means DefaultMaxRecursionDepth.
	MaxDepth int
}

// NewDeserializer returns a CLIXML deserializer with the default depth limit.
func NewDeserializer() *CLIXML {
	return &CLIXML{MaxDepth: DefaultMaxRecursionDepth}
}

// Deserialize converts CLIXML bytes to Go values. The document is either an
// <Objs> root holding any number of objects or a single bare object.
func (c *CLIXML) Deserialize(data []byte) ([]interface{}, error) {
	maxDepth := c.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxRecursionDepth
	}
	r := &reader{
		dec:      xml.NewDecoder(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM))),
		objRefs:  make(map[string]interface{}),
		tnRefs:   make(map[string][]string),
		maxDepth: maxDepth,
	}

	results, err := r.document()
	if err != nil {
		if errors.Is(err, ErrInvalidCLIXML) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidCLIXML, err)
	}
	return results, nil
}

// reader holds the state of one Deserialize call.
type reader struct {
	dec      *xml.Decoder
	objRefs  map[string]interface{}
	tnRefs   map[string][]string
	depth    int
	maxDepth int
}

func (r *reader) document() ([]interface{}, error) {
	var root xml.StartElement
	for {
		tok, err := r.dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: no root element: %v", ErrInvalidCLIXML, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			root = t
		case xml.CharData:
			if len(bytes.TrimSpace(t)) > 0 {
				return nil, fmt.Errorf("%w: text before root element", ErrInvalidCLIXML)
			}
			continue
		default:
			continue
		}
		break
	}

	if root.Name.Local != "Objs" {
		val, err := r.element(root)
		if err != nil {
			return nil, err
		}
		return []interface{}{val}, r.trailer()
	}

	results := []interface{}{}
	for {
		tok, err := r.dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: read token: %v", ErrInvalidCLIXML, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			val, err := r.element(t)
			if err != nil {
				return nil, err
			}
			results = append(results, val)

		case xml.CharData:
			if len(bytes.TrimSpace(t)) > 0 {
				return nil, fmt.Errorf("%w: unexpected text %q", ErrInvalidCLIXML, truncate(string(bytes.TrimSpace(t)), 40))
			}

		case xml.EndElement:
			return results, r.trailer()
		}
	}
}

// trailer checks nothing but whitespace, comments or processing instructions
// follows the root element.
func (r *reader) trailer() error {
	for {
		tok, err := r.dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return fmt.Errorf("%w: multiple root elements", ErrInvalidCLIXML)
		case xml.CharData:
			if len(bytes.TrimSpace(t)) > 0 {
				return fmt.Errorf("%w: text after root element", ErrInvalidCLIXML)
			}
		}
	}
}

func (r *reader) text(se xml.StartElement) (string, error) {
	var s string
	if err := r.dec.DecodeElement(&s, &se); err != nil {
		return "", fmt.Errorf("decode %s: %w", se.Name.Local, err)
	}
	return s, nil
}

func (r *reader) element(se xml.StartElement) (interface{}, error) {
	if r.depth >= r.maxDepth {
		return nil, fmt.Errorf("%w: depth %d", ErrMaxRecursionDepth, r.maxDepth)
	}

	switch se.Name.Local {
	case "Nil":
		if err := r.dec.Skip(); err != nil {
			return nil, fmt.Errorf("skip nil: %w", err)
		}
		return nil, nil

	case "Obj":
		r.depth++
		defer func() { r.depth-- }()
		return r.object(se)

	case "LST", "IE", "STK", "QUE":
		r.depth++
		defer func() { r.depth-- }()
		return r.list(se.Name.Local)

	case "DCT":
		r.depth++
		defer func() { r.depth-- }()
		return r.dict()

	case "Ref":
		return r.ref(se)
	}

	s, err := r.text(se)
	if err != nil {
		return nil, err
	}
	return primitive(se.Name.Local, s)
}

// primitive converts the text of a scalar element.
// Unknown tags keep their raw text.
func primitive(tag, s string) (interface{}, error) {
	switch tag {
	case "S", "XD", "URI":
		return unescape(s), nil
	case "C":
		v, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("decode char: %w", err)
		}
		return string(rune(v)), nil
	case "B":
		return strconv.ParseBool(s)
	case "By":
		v, err := strconv.ParseUint(s, 10, 8)
		return uint8(v), err
	case "SB":
		return &ScriptBlock{Text: unescape(s)}, nil
	case "SBy":
		v, err := strconv.ParseInt(s, 10, 8)
		return int8(v), err
	case "I16":
		v, err := strconv.ParseInt(s, 10, 16)
		return int16(v), err
	case "U16":
		v, err := strconv.ParseUint(s, 10, 16)
		return uint16(v), err
	case "I32":
		v, err := strconv.ParseInt(s, 10, 32)
		return int32(v), err
	case "U32":
		v, err := strconv.ParseUint(s, 10, 32)
		return uint32(v), err
	case "I64":
		return strconv.ParseInt(s, 10, 64)
	case "U64":
		return strconv.ParseUint(s, 10, 64)
	case "Sg":
		v, err := strconv.ParseFloat(s, 32)
		return float32(v), err
	case "Db":
		return strconv.ParseFloat(s, 64)
	case "D", "TS", "Version":
		// Decimal, TimeSpan (xs:duration) and Version keep their text form.
		return s, nil
	case "DT":
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
		// DateTimeKind.Unspecified values carry no offset.
		return time.Parse(localDateTime, s)
	case "G":
		return uuid.Parse(s)
	case "BA":
		return base64.StdEncoding.DecodeString(s)
	case "SS":
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 in SecureString: %w", err)
		}
		return &SecureString{Encrypted: data}, nil
	default:
		return s, nil
	}
}

func (r *reader) list(end string) ([]interface{}, error) {
	result := []interface{}{}

	for {
		tok, err := r.dec.Token()
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			val, err := r.element(t)
			if err != nil {
				return nil, err
			}
			result = append(result, val)

		case xml.EndElement:
			if t.Name.Local == end {
				return result, nil
			}
		}
	}
}

func (r *reader) dict() (map[string]interface{}, error) {
	result := make(map[string]interface{})

	for {
		tok, err := r.dec.Token()
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "En" {
				if err := r.dec.Skip(); err != nil {
					return nil, err
				}
				continue
			}
			key, value, err := r.dictEntry()
			if err != nil {
				return nil, err
			}
			result[key] = value

		case xml.EndElement:
			if t.Name.Local == "DCT" {
				return result, nil
			}
		}
	}
}

func (r *reader) dictEntry() (string, interface{}, error) {
	var key string
	var value interface{}

	for {
		tok, err := r.dec.Token()
		if err != nil {
			return "", nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			val, err := r.element(t)
			if err != nil {
				return "", nil, err
			}
			switch attr(t, "N") {
			case "Key":
				key = fmt.Sprint(val)
			case "Value":
				value = val
			}

		case xml.EndElement:
			if t.Name.Local == "En" {
				return key, value, nil
			}
		}
	}
}

func (r *reader) object(se xml.StartElement) (interface{}, error) {
	obj := &PSObject{}
	refID := attr(se, "RefId")
	var collection interface{}

	for {
		tok, err := r.dec.Token()
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "TN":
				names, err := r.typeNames()
				if err != nil {
					return nil, err
				}
				obj.TypeNames = names
				if id := attr(t, "RefId"); id != "" {
					r.tnRefs[id] = names
				}

			case "TNRef":
				obj.TypeNames = r.tnRefs[attr(t, "RefId")]
				if err := r.dec.Skip(); err != nil {
					return nil, err
				}

			case "ToString":
				s, err := r.text(t)
				if err != nil {
					return nil, err
				}
				obj.ToString = unescape(s)

			case "Props":
				if obj.Props, err = r.members("Props"); err != nil {
					return nil, err
				}

			case "MS":
				if obj.Members, err = r.members("MS"); err != nil {
					return nil, err
				}

			case "DCT":
				dict, err := r.dict()
				if err != nil {
					return nil, err
				}
				collection = dict

			case "LST", "IE", "STK", "QUE":
				list, err := r.list(t.Name.Local)
				if err != nil {
					return nil, err
				}
				collection = list

			default:
				// Primitive value of an adapted object, e.g. an enum's I32.
				val, err := r.element(t)
				if err != nil {
					return nil, err
				}
				obj.Value = val
			}

		case xml.EndElement:
			if t.Name.Local != "Obj" {
				continue
			}
			// Collections are returned bare unless the object also carries
			// members, in which case the collection becomes its Value.
			var result interface{} = obj
			if collection != nil {
				if len(obj.Props) == 0 && len(obj.Members) == 0 {
					result = collection
				} else {
					obj.Value = collection
				}
			}
			if refID != "" {
				r.objRefs[refID] = result
			}
			return result, nil
		}
	}
}

func (r *reader) typeNames() ([]string, error) {
	var names []string

	for {
		tok, err := r.dec.Token()
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "T" {
				if err := r.dec.Skip(); err != nil {
					return nil, err
				}
				continue
			}
			s, err := r.text(t)
			if err != nil {
				return nil, err
			}
			names = append(names, s)

		case xml.EndElement:
			if t.Name.Local == "TN" {
				return names, nil
			}
		}
	}
}

func (r *reader) members(end string) (map[string]interface{}, error) {
	props := make(map[string]interface{})

	for {
		tok, err := r.dec.Token()
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			val, err := r.element(t)
			if err != nil {
				return nil, err
			}
			if name := attr(t, "N"); name != "" {
				props[unescape(name)] = val
			}

		case xml.EndElement:
			if t.Name.Local == end {
				return props, nil
			}
		}
	}
}

func (r *reader) ref(se xml.StartElement) (interface{}, error) {
	if err := r.dec.Skip(); err != nil {
		return nil, err
	}
	id := attr(se, "RefId")
	if id == "" {
		return nil, fmt.Errorf("%w: ref element missing RefId attribute", ErrInvalidCLIXML)
	}
	obj, ok := r.objRefs[id]
	if !ok {
		return nil, fmt.Errorf("%w: reference to unknown object: RefId=%s", ErrInvalidCLIXML, id)
	}
	return obj, nil
}

func attr(se xml.StartElement, name string) string {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// truncate shortens a string for error messages.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
