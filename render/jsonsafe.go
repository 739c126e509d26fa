package render

import (
	"math"
	"strconv"

	"github.com/smnsjas/go-psrpwatch/serialization"
	"github.com/smnsjas/go-psrpwatch/watch"
)

// jsonPacket returns p with every non-finite float in message bodies
// replaced by its text form ("NaN", "+Inf", "-Inf"), which encoding/json
// cannot represent as a number. p itself is left untouched.
func jsonPacket(p *watch.Packet) *watch.Packet {
	if !packetHasNonFinite(p) {
		return p
	}

	q := *p
	q.Messages = make([]watch.MessageInfo, len(p.Messages))
	seen := make(map[*serialization.PSObject]*serialization.PSObject)
	for i, m := range p.Messages {
		if m.Body != nil {
			m.Body = jsonList(m.Body, seen)
		}
		q.Messages[i] = m
	}
	return &q
}

func packetHasNonFinite(p *watch.Packet) bool {
	seen := make(map[*serialization.PSObject]bool)
	for _, m := range p.Messages {
		for _, v := range m.Body {
			if hasNonFinite(v, seen) {
				return true
			}
		}
	}
	return false
}

func hasNonFinite(v interface{}, seen map[*serialization.PSObject]bool) bool {
	switch x := v.(type) {
	case float64:
		return math.IsNaN(x) || math.IsInf(x, 0)
	case float32:
		return hasNonFinite(float64(x), seen)
	case []interface{}:
		for _, e := range x {
			if hasNonFinite(e, seen) {
				return true
			}
		}
	case map[string]interface{}:
		for _, e := range x {
			if hasNonFinite(e, seen) {
				return true
			}
		}
	case *serialization.PSObject:
		if x == nil || seen[x] {
			return false
		}
		seen[x] = true
		return hasNonFinite(x.Value, seen) ||
			hasNonFinite(x.Props, seen) ||
			hasNonFinite(x.Members, seen)
	}
	return false
}

func jsonValue(v interface{}, seen map[*serialization.PSObject]*serialization.PSObject) interface{} {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return strconv.FormatFloat(x, 'g', -1, 64)
		}
	case float32:
		if f := float64(x); math.IsNaN(f) || math.IsInf(f, 0) {
			return strconv.FormatFloat(f, 'g', -1, 32)
		}
	case []interface{}:
		return jsonList(x, seen)
	case map[string]interface{}:
		return jsonMap(x, seen)
	case *serialization.PSObject:
		if x == nil {
			return x
		}
		// Shared references stay shared.
		if c, ok := seen[x]; ok {
			return c
		}
		c := &serialization.PSObject{TypeNames: x.TypeNames, ToString: x.ToString}
		seen[x] = c
		c.Value = jsonValue(x.Value, seen)
		c.Props = jsonMap(x.Props, seen)
		c.Members = jsonMap(x.Members, seen)
		return c
	}
	return v
}

func jsonList(l []interface{}, seen map[*serialization.PSObject]*serialization.PSObject) []interface{} {
	if l == nil {
		return nil
	}
	out := make([]interface{}, len(l))
	for i, e := range l {
		out[i] = jsonValue(e, seen)
	}
	return out
}

func jsonMap(m map[string]interface{}, seen map[*serialization.PSObject]*serialization.PSObject) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, e := range m {
		out[k] = jsonValue(e, seen)
	}
	return out
}
