// Package updown implements the RFC 6492 provisioning ("up-down")
// protocol: the CMS-signed XML exchange a child CA uses to learn its
// entitlements from a parent and have its resource class keys
// certified. The responder side is stateless per message; the
// requester side keeps the per-parent request state machine.
package updown

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/cuemby/rpkid/pkg/resources"
)

// Namespace is the RFC 6492 message namespace.
const Namespace = "http://www.apnic.net/specs/rescerts/up-down/"

// protocolVersion is fixed at 1 by RFC 6492.
const protocolVersion = "1"

// ContentType is the HTTP media type up-down exchanges use.
const ContentType = "application/rpki-updown"

// Message types.
const (
	TypeList          = "list"
	TypeListResponse  = "list_response"
	TypeIssue         = "issue"
	TypeIssueResponse = "issue_response"
	TypeRevoke        = "revoke"
	TypeRevokeResponse = "revoke_response"
	TypeErrorResponse = "error_response"
)

// Message is the RFC 6492 envelope.
type Message struct {
	XMLName   xml.Name    `xml:"message"`
	Version   string      `xml:"version,attr"`
	Sender    string      `xml:"sender,attr"`
	Recipient string      `xml:"recipient,attr"`
	Type      string      `xml:"type,attr"`
	Classes   []ClassXML  `xml:"class"`
	Request   *RequestXML `xml:"request"`
	Key       *KeyXML     `xml:"key"`
	Status    string      `xml:"status,omitempty"`
	Description string    `xml:"description,omitempty"`
}

// ClassXML describes one resource class in a list/issue response.
type ClassXML struct {
	Name         string           `xml:"class_name,attr"`
	CertURL      string           `xml:"cert_url,attr"`
	ResourceASN  string           `xml:"resource_set_as,attr"`
	ResourceIPv4 string           `xml:"resource_set_ipv4,attr"`
	ResourceIPv6 string           `xml:"resource_set_ipv6,attr"`
	Certificates []CertificateXML `xml:"certificate"`
	Issuer       string           `xml:"issuer"`
}

// CertificateXML is one issued certificate inside a class element.
type CertificateXML struct {
	CertURL string `xml:"cert_url,attr"`
	Data    string `xml:",chardata"`
}

// RequestXML carries a PKCS#10 request in an issue query.
type RequestXML struct {
	ClassName string `xml:"class_name,attr"`
	Data      string `xml:",chardata"`
}

// KeyXML identifies a key in a revoke exchange.
type KeyXML struct {
	ClassName string `xml:"class_name,attr"`
	SKI       string `xml:"ski,attr"`
}

// NewMessage builds an envelope with the fixed protocol version.
func NewMessage(sender, recipient, msgType string) Message {
	return Message{Version: protocolVersion, Sender: sender, Recipient: recipient, Type: msgType}
}

// ErrorResponse builds an error_response envelope. Codes follow
// RFC 6492 §3.9.
func ErrorResponse(sender, recipient, code, description string) Message {
	m := NewMessage(sender, recipient, TypeErrorResponse)
	m.Status = code
	m.Description = description
	return m
}

// Encode renders a message with the namespace attached.
func Encode(m Message) ([]byte, error) {
	type nsMessage struct {
		Message
		Namespace string `xml:"xmlns,attr"`
	}
	body, err := xml.MarshalIndent(nsMessage{Message: m, Namespace: Namespace}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode up-down message: %w", err)
	}
	return append([]byte(xml.Header), append(body, '\n')...), nil
}

// Decode parses a message and checks the protocol version.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := xml.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode up-down message: %w", err)
	}
	if m.Version != protocolVersion {
		return Message{}, fmt.Errorf("unsupported up-down protocol version %q", m.Version)
	}
	return m, nil
}

// EncodeSet renders a resource set's three family strings for class
// attributes: comma-separated min-max ranges.
func EncodeSet(set resources.Set) (asn, ipv4, ipv6 string) {
	var as4, v4, v6 []string
	for _, r := range set.ASNs {
		if r.Min == r.Max {
			as4 = append(as4, strconv.FormatUint(uint64(r.Min), 10))
		} else {
			as4 = append(as4, fmt.Sprintf("%d-%d", r.Min, r.Max))
		}
	}
	for _, r := range set.IPv4 {
		v4 = append(v4, fmt.Sprintf("%s-%s", r.Min, r.Max))
	}
	for _, r := range set.IPv6 {
		v6 = append(v6, fmt.Sprintf("%s-%s", r.Min, r.Max))
	}
	return strings.Join(as4, ","), strings.Join(v4, ","), strings.Join(v6, ",")
}

// ParseSet rebuilds a resource set from the three class attribute
// strings.
func ParseSet(asn, ipv4, ipv6 string) (resources.Set, error) {
	var set resources.Set
	for _, part := range splitList(asn) {
		min, max, err := parseASRange(part)
		if err != nil {
			return resources.Set{}, err
		}
		set.AddASRange(min, max)
	}
	for _, part := range splitList(ipv4) {
		r, err := parseAddrRange(part)
		if err != nil {
			return resources.Set{}, err
		}
		set.IPv4 = append(set.IPv4, r)
	}
	for _, part := range splitList(ipv6) {
		r, err := parseAddrRange(part)
		if err != nil {
			return resources.Set{}, err
		}
		set.IPv6 = append(set.IPv6, r)
	}
	set.Canonicalize()
	return set, nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseASRange(s string) (uint32, uint32, error) {
	min, max, found := strings.Cut(s, "-")
	lo, err := strconv.ParseUint(min, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parse AS range %q: %w", s, err)
	}
	hi := lo
	if found {
		hi, err = strconv.ParseUint(max, 10, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("parse AS range %q: %w", s, err)
		}
	}
	return uint32(lo), uint32(hi), nil
}

func parseAddrRange(s string) (resources.AddrRange, error) {
	if lo, hi, found := strings.Cut(s, "-"); found {
		min, err := netip.ParseAddr(lo)
		if err != nil {
			return resources.AddrRange{}, fmt.Errorf("parse range %q: %w", s, err)
		}
		max, err := netip.ParseAddr(hi)
		if err != nil {
			return resources.AddrRange{}, fmt.Errorf("parse range %q: %w", s, err)
		}
		return resources.AddrRange{Min: min, Max: max}, nil
	}
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return resources.AddrRange{}, fmt.Errorf("parse prefix %q: %w", s, err)
	}
	return resources.PrefixRange(prefix), nil
}

func encodeB64(data []byte) string { return base64.StdEncoding.EncodeToString(data) }

func decodeB64(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
	return base64.StdEncoding.DecodeString(clean)
}
