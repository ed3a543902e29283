// Package admin is the daemon's command/query boundary: a JSON
// command API whose commands mirror the CA and repository aggregate
// commands one-to-one, and a query API returning aggregate snapshots.
// Transport concerns stay thin: bearer-token auth, JSON decode,
// dispatch, JSON encode.
package admin

import (
	"encoding/base64"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/rpkid/pkg/ca"
	"github.com/cuemby/rpkid/pkg/resources"
)

// CommandRequest is the wire shape of every admin command: a type tag
// naming the aggregate command plus the union of its possible fields.
type CommandRequest struct {
	Type string `json:"type"`

	// Shared fields.
	Class     string   `json:"class,omitempty"`
	Resources []string `json:"resources,omitempty"`

	// Parent / child wiring.
	ParentHandle  string `json:"parent_handle,omitempty"`
	ContactURI    string `json:"contact_uri,omitempty"`
	MyChildHandle string `json:"my_child_handle,omitempty"`
	ChildHandle   string `json:"child_handle,omitempty"`
	IDCert        string `json:"id_cert,omitempty"`    // base64 DER
	Cert          string `json:"cert,omitempty"`       // base64 DER
	PublicKey     string `json:"public_key,omitempty"` // base64 PKIX DER
	KI            string `json:"ki,omitempty"`

	// ROA fields.
	ASN       uint32 `json:"asn,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	MaxLength int    `json:"max_length,omitempty"`

	// Publisher fields.
	PublisherHandle string `json:"publisher_handle,omitempty"`
	BaseURI         string `json:"base_uri,omitempty"`
}

// CommandResponse reports a committed command: the aggregate's new
// version and the types of the events written.
type CommandResponse struct {
	Version uint64   `json:"version"`
	Events  []string `json:"events"`
}

// ErrorResponse is a structured failure: a stable kind tag and a
// human message.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// parseResources parses the admin wire form of a resource set:
// prefixes ("10.0.0.0/8", "2001:db8::/32") and AS numbers or ranges
// ("AS64496", "AS64496-AS64511").
func parseResources(items []string) (resources.Set, error) {
	var set resources.Set
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.HasPrefix(item, "AS") || strings.HasPrefix(item, "as") {
			lo, hi, err := parseASItem(item)
			if err != nil {
				return resources.Set{}, err
			}
			set.AddASRange(lo, hi)
			continue
		}
		prefix, err := netip.ParsePrefix(item)
		if err != nil {
			return resources.Set{}, fmt.Errorf("parse resource %q: %w", item, err)
		}
		set.AddPrefix(prefix)
	}
	set.Canonicalize()
	return set, nil
}

func parseASItem(item string) (uint32, uint32, error) {
	strip := func(s string) string {
		s = strings.TrimSpace(s)
		s = strings.TrimPrefix(s, "AS")
		return strings.TrimPrefix(s, "as")
	}
	loStr, hiStr, isRange := strings.Cut(item, "-")
	lo, err := strconv.ParseUint(strip(loStr), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parse AS resource %q: %w", item, err)
	}
	hi := lo
	if isRange {
		hi, err = strconv.ParseUint(strip(hiStr), 10, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("parse AS resource %q: %w", item, err)
		}
	}
	return uint32(lo), uint32(hi), nil
}

func decodeB64Field(name, value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return data, nil
}

// CASummary is the query-side snapshot of one CA.
type CASummary struct {
	Handle         string                  `json:"handle"`
	TrustAnchor    bool                    `json:"trust_anchor"`
	Parents        []string                `json:"parents"`
	Children       []string                `json:"children"`
	Classes        map[string]ClassSummary `json:"resource_classes"`
	PendingIntents int                     `json:"pending_publications"`
}

// ClassSummary summarizes one resource class and its keys.
type ClassSummary struct {
	Resources      string       `json:"resources"`
	CurrentKey     *KeySummary  `json:"current_key,omitempty"`
	PendingKey     *KeySummary  `json:"pending_key,omitempty"`
	OldKey         *KeySummary  `json:"old_key,omitempty"`
	ROAs           []ROASummary `json:"roas"`
}

// KeySummary summarizes one resource class key.
type KeySummary struct {
	KI             string    `json:"ki"`
	State          string    `json:"state"`
	Certified      bool      `json:"certified"`
	ManifestNumber uint64    `json:"manifest_number"`
	CRLNumber      uint64    `json:"crl_number"`
	NextUpdate     time.Time `json:"next_update"`
}

// ROASummary is one route origin authorization.
type ROASummary struct {
	ASN       uint32 `json:"asn"`
	Prefix    string `json:"prefix"`
	MaxLength int    `json:"max_length"`
}

// RepoSummary is the query-side snapshot of the publication server.
type RepoSummary struct {
	SessionID  string                      `json:"session_id"`
	Serial     uint64                      `json:"serial"`
	Publishers map[string]PublisherSummary `json:"publishers"`
}

// PublisherSummary is one publisher's registration and content size.
type PublisherSummary struct {
	BaseURI string `json:"base_uri"`
	Objects int    `json:"objects"`
}

func summarizeCA(state *ca.State) CASummary {
	summary := CASummary{
		Handle:         state.Handle,
		TrustAnchor:    state.IsTrustAnchor,
		Classes:        make(map[string]ClassSummary),
		PendingIntents: len(state.PendingIntents),
	}
	for name := range state.Parents {
		summary.Parents = append(summary.Parents, name)
	}
	for name := range state.Children {
		summary.Children = append(summary.Children, name)
	}
	for name, class := range state.ResourceClasses {
		cs := ClassSummary{Resources: class.Entitlements.String()}
		cs.CurrentKey = summarizeKey(class.Current)
		cs.PendingKey = summarizeKey(class.Pending)
		cs.OldKey = summarizeKey(class.Old)
		for _, roa := range class.ROAs {
			cs.ROAs = append(cs.ROAs, ROASummary{ASN: roa.ASN, Prefix: roa.Prefix, MaxLength: roa.MaxLength})
		}
		summary.Classes[name] = cs
	}
	return summary
}

func summarizeKey(key *ca.Key) *KeySummary {
	if key == nil {
		return nil
	}
	return &KeySummary{
		KI:             key.KI.String(),
		State:          string(key.State),
		Certified:      key.Cert != nil,
		ManifestNumber: key.ManifestNumber,
		CRLNumber:      key.CRLNumber,
		NextUpdate:     key.NextUpdate,
	}
}
