// Package dpi implements the deep packet inspection allow-list classifier:
// deciding whether a payload matches one of a small set of known industrial
// and IoT protocol signatures (spec.md §4.2).
package dpi

// Tag identifies a recognized protocol signature.
type Tag string

const (
	Modbus Tag = "modbus"
	DNP3   Tag = "dnp3"
	MQTT   Tag = "mqtt"
	SNMP   Tag = "snmp"
	Any    Tag = "any"
)

// recognizers maps each tag other than Any to its byte-signature match
// function, per spec.md §4.2's table.
var recognizers = map[Tag]func([]byte) bool{
	Modbus: matchModbus,
	DNP3:   matchDNP3,
	MQTT:   matchMQTT,
	SNMP:   matchSNMP,
}

func matchModbus(b []byte) bool {
	return len(b) >= 8 && b[2] == 0x00 && b[3] == 0x00
}

func matchDNP3(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x05 && b[1] == 0x64
}

func matchMQTT(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	nibble := b[0] >> 4
	return nibble >= 1 && nibble <= 14
}

func matchSNMP(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x30
}

// Classifier decides whether a payload is accepted against a configured
// allow-list. The zero value (a nil Allow list) accepts everything,
// equivalent to {Any}, per spec.md §4.2.
type Classifier struct {
	Allow []Tag
}

// Accepts reports whether payload matches at least one tag in the
// allow-list. An empty or missing allow-list accepts everything. Any
// short-circuits to accept without examining the payload's content (beyond
// requiring it be non-empty).
func (c Classifier) Accepts(payload []byte) bool {
	if len(c.Allow) == 0 {
		return true
	}
	for _, tag := range c.Allow {
		if tag == Any {
			return len(payload) > 0
		}
	}
	for _, tag := range c.Allow {
		if fn, ok := recognizers[tag]; ok && fn(payload) {
			return true
		}
	}
	return false
}
