// Package publication implements the RFC 8181 publication protocol:
// the CMS-signed XML messages a CA sends to its repository and the
// server side that validates and applies them as atomic publication
// deltas. Handlers here are thin: decode, authenticate, translate to
// a pubserver command, encode the reply.
package publication

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
)

// Namespace is the RFC 8181 message namespace.
const Namespace = "http://www.hactrn.net/uris/rpki/publication-spec/"

// protocol version, fixed at 4 by RFC 8181.
const protocolVersion = "4"

// ContentType is the HTTP media type publication exchanges use.
const ContentType = "application/rpki-publication"

const (
	msgTypeQuery = "query"
	msgTypeReply = "reply"
)

// Msg is the single message envelope both directions share: which
// child elements are populated determines whether it is a list query,
// a publish query, a list reply, a success reply, or an error report.
type Msg struct {
	XMLName  xml.Name       `xml:"msg"`
	Version  string         `xml:"version,attr"`
	Type     string         `xml:"type,attr"`
	Publish  []PublishXML   `xml:"publish"`
	Withdraw []WithdrawXML  `xml:"withdraw"`
	List     []ListXML      `xml:"list"`
	Success  *struct{}      `xml:"success"`
	Errors   []ReportErrXML `xml:"report_error"`
}

// PublishXML carries an object; Hash is present when replacing.
type PublishXML struct {
	URI  string `xml:"uri,attr"`
	Hash string `xml:"hash,attr,omitempty"`
	Data string `xml:",chardata"`
}

// WithdrawXML removes the object at URI with the given hash.
type WithdrawXML struct {
	URI  string `xml:"uri,attr"`
	Hash string `xml:"hash,attr"`
}

// ListXML is empty in a query; in a reply each element names one
// published object.
type ListXML struct {
	URI  string `xml:"uri,attr,omitempty"`
	Hash string `xml:"hash,attr,omitempty"`
}

// ReportErrXML is one error element of an error reply.
type ReportErrXML struct {
	Code string `xml:"error_code,attr"`
	Text string `xml:"error_text,omitempty"`
}

func newQuery() Msg  { return Msg{Version: protocolVersion, Type: msgTypeQuery} }
func newReply() Msg  { return Msg{Version: protocolVersion, Type: msgTypeReply} }

// NewListQuery builds the list query a CA sends to reconcile after a
// crash.
func NewListQuery() Msg {
	q := newQuery()
	q.List = []ListXML{{}}
	return q
}

// IsListQuery reports whether a query message is a list query.
func (m Msg) IsListQuery() bool {
	return len(m.List) > 0 && len(m.Publish) == 0 && len(m.Withdraw) == 0
}

// ErrorReply builds a reply carrying one report_error element.
func ErrorReply(code, text string) Msg {
	r := newReply()
	r.Errors = []ReportErrXML{{Code: code, Text: text}}
	return r
}

// SuccessReply builds the success reply to a publish query.
func SuccessReply() Msg {
	r := newReply()
	r.Success = &struct{}{}
	return r
}

// ListReply builds the reply to a list query from a uri -> hash map.
func ListReply(objects map[string]string) Msg {
	r := newReply()
	for uri, hash := range objects {
		r.List = append(r.List, ListXML{URI: uri, Hash: hash})
	}
	return r
}

// Encode renders a message with the RFC 8181 namespace attached.
func Encode(m Msg) ([]byte, error) {
	type nsMsg struct {
		Msg
		Namespace string `xml:"xmlns,attr"`
	}
	body, err := xml.MarshalIndent(nsMsg{Msg: m, Namespace: Namespace}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode publication message: %w", err)
	}
	return append([]byte(xml.Header), append(body, '\n')...), nil
}

// Decode parses a message and checks the protocol version.
func Decode(data []byte) (Msg, error) {
	var m Msg
	if err := xml.Unmarshal(data, &m); err != nil {
		return Msg{}, fmt.Errorf("decode publication message: %w", err)
	}
	if m.Version != protocolVersion {
		return Msg{}, fmt.Errorf("unsupported publication protocol version %q", m.Version)
	}
	return m, nil
}

// DecodeObjectData decodes a publish element's base64 payload.
func DecodeObjectData(p PublishXML) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(trimSpace(p.Data))
	if err != nil {
		return nil, fmt.Errorf("decode object at %s: %w", p.URI, err)
	}
	return data, nil
}

func trimSpace(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
