// Package rrdp produces the RPKI Repository Delta Protocol (RFC 8182)
// file tree and the matching rsync mirror from publication server
// events: snapshot and delta XML documents written atomically, a
// notification file updated last so relying parties never observe a
// half-written serial, and bounded delta retention.
package rrdp

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"sort"
)

// XMLNamespace is the RRDP namespace every document carries.
const XMLNamespace = "http://www.ripe.net/rpki/rrdp"

// rrdpVersion is the protocol version, fixed at 1 by RFC 8182.
const rrdpVersion = 1

// PublishElement is one object published (or replaced) in a delta.
// Hash is set when the element replaces an existing object.
type PublishElement struct {
	URI  string
	Hash string
	Data []byte
}

// WithdrawElement removes the object at URI; Hash names the removed
// content.
type WithdrawElement struct {
	URI  string
	Hash string
}

// DeltaContent is the publish/withdraw payload of one delta document.
type DeltaContent struct {
	Publish  []PublishElement
	Withdraw []WithdrawElement
}

type xmlPublish struct {
	URI  string `xml:"uri,attr"`
	Hash string `xml:"hash,attr,omitempty"`
	Data string `xml:",chardata"`
}

type xmlWithdraw struct {
	URI  string `xml:"uri,attr"`
	Hash string `xml:"hash,attr"`
}

type xmlSnapshot struct {
	XMLName   xml.Name     `xml:"snapshot"`
	Namespace string       `xml:"xmlns,attr"`
	Version   int          `xml:"version,attr"`
	SessionID string       `xml:"session_id,attr"`
	Serial    uint64       `xml:"serial,attr"`
	Publish   []xmlPublish `xml:"publish"`
}

type xmlDelta struct {
	XMLName   xml.Name      `xml:"delta"`
	Namespace string        `xml:"xmlns,attr"`
	Version   int           `xml:"version,attr"`
	SessionID string        `xml:"session_id,attr"`
	Serial    uint64        `xml:"serial,attr"`
	Publish   []xmlPublish  `xml:"publish"`
	Withdraw  []xmlWithdraw `xml:"withdraw"`
}

type xmlRef struct {
	URI  string `xml:"uri,attr"`
	Hash string `xml:"hash,attr"`
}

type xmlDeltaRef struct {
	Serial uint64 `xml:"serial,attr"`
	URI    string `xml:"uri,attr"`
	Hash   string `xml:"hash,attr"`
}

type xmlNotification struct {
	XMLName   xml.Name      `xml:"notification"`
	Namespace string        `xml:"xmlns,attr"`
	Version   int           `xml:"version,attr"`
	SessionID string        `xml:"session_id,attr"`
	Serial    uint64        `xml:"serial,attr"`
	Snapshot  xmlRef        `xml:"snapshot"`
	Deltas    []xmlDeltaRef `xml:"delta"`
}

// encodeSnapshot renders a snapshot document over the full object
// set, URIs sorted for reproducible output.
func encodeSnapshot(sessionID string, serial uint64, objects map[string][]byte) ([]byte, error) {
	uris := make([]string, 0, len(objects))
	for uri := range objects {
		uris = append(uris, uri)
	}
	sort.Strings(uris)

	doc := xmlSnapshot{Namespace: XMLNamespace, Version: rrdpVersion, SessionID: sessionID, Serial: serial}
	for _, uri := range uris {
		doc.Publish = append(doc.Publish, xmlPublish{
			URI:  uri,
			Data: base64.StdEncoding.EncodeToString(objects[uri]),
		})
	}
	return marshalDocument(doc)
}

func encodeDelta(sessionID string, serial uint64, content DeltaContent) ([]byte, error) {
	doc := xmlDelta{Namespace: XMLNamespace, Version: rrdpVersion, SessionID: sessionID, Serial: serial}
	for _, el := range content.Publish {
		doc.Publish = append(doc.Publish, xmlPublish{
			URI:  el.URI,
			Hash: el.Hash,
			Data: base64.StdEncoding.EncodeToString(el.Data),
		})
	}
	for _, el := range content.Withdraw {
		doc.Withdraw = append(doc.Withdraw, xmlWithdraw{URI: el.URI, Hash: el.Hash})
	}
	return marshalDocument(doc)
}

func encodeNotification(n xmlNotification) ([]byte, error) {
	n.Namespace = XMLNamespace
	n.Version = rrdpVersion
	return marshalDocument(n)
}

func parseNotification(data []byte) (*xmlNotification, error) {
	var n xmlNotification
	if err := xml.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("parse notification: %w", err)
	}
	return &n, nil
}

func marshalDocument(doc any) ([]byte, error) {
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal rrdp document: %w", err)
	}
	return append([]byte(xml.Header), append(body, '\n')...), nil
}

// HashHex is the content hash RRDP references carry: lowercase hex
// SHA-256.
func HashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
