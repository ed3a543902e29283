package updown

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/rpkid/pkg/metrics"
	"github.com/cuemby/rpkid/pkg/resources"
	"github.com/cuemby/rpkid/pkg/rpki"
)

// DefaultRequestTimeout bounds one up-down round-trip.
const DefaultRequestTimeout = 30 * time.Second

// RequestState is the requester's per-parent state machine position.
type RequestState string

const (
	StateIdle           RequestState = "idle"
	StateAwaitingList   RequestState = "awaiting_list"
	StateAwaitingIssue  RequestState = "awaiting_issue"
	StateAwaitingRevoke RequestState = "awaiting_revoke"
)

// Entitlement is one resource class a parent offers, as learned from
// a list_response.
type Entitlement struct {
	ClassName string
	Resources resources.Set
	// Issued are the certificates the parent has already issued to
	// this child in the class, keyed by nothing in particular: the
	// caller matches them to keys by public key.
	Issued [][]byte
	Issuer []byte
}

// Requester is the child side of one parent relationship. Exchanges
// are serialized: the state machine allows one in-flight request per
// parent, mirroring the single outstanding-exchange rule the
// provisioning protocol assumes.
type Requester struct {
	serviceURI   string
	childHandle  string // sender attribute, as registered at the parent
	parentHandle string
	idCert       *x509.Certificate
	idKey        rpki.Signer
	parentIDCert *x509.Certificate
	httpClient   *http.Client
	now          func() time.Time

	mu    sync.Mutex
	state RequestState
}

// NewRequester builds the requester for one parent relationship.
func NewRequester(serviceURI, childHandle, parentHandle string, idCert *x509.Certificate, idKey rpki.Signer, parentIDCert *x509.Certificate, now func() time.Time) *Requester {
	if now == nil {
		now = time.Now
	}
	return &Requester{
		serviceURI: serviceURI, childHandle: childHandle, parentHandle: parentHandle,
		idCert: idCert, idKey: idKey, parentIDCert: parentIDCert,
		httpClient: &http.Client{Timeout: DefaultRequestTimeout},
		now:        now,
		state:      StateIdle,
	}
}

// State returns the current state machine position.
func (r *Requester) State() RequestState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// List performs a list exchange and returns the parent's offered
// resource classes.
func (r *Requester) List(ctx context.Context) ([]Entitlement, error) {
	response, err := r.exchange(ctx, StateAwaitingList, NewMessage(r.childHandle, r.parentHandle, TypeList))
	if err != nil {
		return nil, err
	}
	if response.Type != TypeListResponse {
		return nil, fmt.Errorf("expected list_response, got %s (%s: %s)", response.Type, response.Status, response.Description)
	}
	out := make([]Entitlement, 0, len(response.Classes))
	for _, class := range response.Classes {
		ent, err := entitlementFromClass(class)
		if err != nil {
			return nil, err
		}
		out = append(out, ent)
	}
	return out, nil
}

// RequestCertificate performs an issue exchange for one resource
// class, submitting a PKCS#10 request for the key behind keySigner,
// and returns the issued certificate.
func (r *Requester) RequestCertificate(ctx context.Context, className string, keySigner rpki.Signer) ([]byte, error) {
	csrDER, err := NewCSR(keySigner, r.childHandle)
	if err != nil {
		return nil, err
	}
	query := NewMessage(r.childHandle, r.parentHandle, TypeIssue)
	query.Request = &RequestXML{ClassName: className, Data: encodeB64(csrDER)}

	response, err := r.exchange(ctx, StateAwaitingIssue, query)
	if err != nil {
		return nil, err
	}
	if response.Type != TypeIssueResponse {
		return nil, fmt.Errorf("expected issue_response, got %s (%s: %s)", response.Type, response.Status, response.Description)
	}
	want := keySigner.Public()
	for _, class := range response.Classes {
		if class.Name != className {
			continue
		}
		for _, certXML := range class.Certificates {
			der, err := decodeB64(certXML.Data)
			if err != nil {
				return nil, err
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, fmt.Errorf("parse issued certificate: %w", err)
			}
			if pub, ok := cert.PublicKey.(interface{ Equal(crypto.PublicKey) bool }); ok && pub.Equal(want) {
				return der, nil
			}
		}
	}
	return nil, fmt.Errorf("issue_response carries no certificate for the requested key")
}

// Revoke performs a revoke exchange for one key of a class.
func (r *Requester) Revoke(ctx context.Context, className string, ki resources.KI) error {
	query := NewMessage(r.childHandle, r.parentHandle, TypeRevoke)
	query.Key = &KeyXML{ClassName: className, SKI: ki.String()}

	response, err := r.exchange(ctx, StateAwaitingRevoke, query)
	if err != nil {
		return err
	}
	if response.Type != TypeRevokeResponse {
		return fmt.Errorf("expected revoke_response, got %s (%s: %s)", response.Type, response.Status, response.Description)
	}
	return nil
}

func (r *Requester) exchange(ctx context.Context, awaiting RequestState, query Message) (Message, error) {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return Message{}, fmt.Errorf("up-down exchange with %s already in flight (%s)", r.parentHandle, r.state)
	}
	r.state = awaiting
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.state = StateIdle
		r.mu.Unlock()
	}()

	payload, err := Encode(query)
	if err != nil {
		return Message{}, err
	}
	signed, err := rpki.CMSWrapWithSigner(rpki.OIDProtocolXML, payload, r.idCert, r.idKey, r.now())
	if err != nil {
		return Message{}, fmt.Errorf("sign query: %w", err)
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OutboundRequestDuration, "parent")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.serviceURI, bytes.NewReader(signed.DER))
	if err != nil {
		return Message{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Message{}, fmt.Errorf("up-down round-trip: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageBytes))
	if err != nil {
		return Message{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Message{}, fmt.Errorf("parent returned %s: %s", resp.Status, string(body))
	}

	responsePayload, signerCert, err := rpki.CMSUnwrap(body, nil)
	if err != nil {
		return Message{}, fmt.Errorf("unwrap response: %w", err)
	}
	if r.parentIDCert != nil && !bytes.Equal(signerCert.Raw, r.parentIDCert.Raw) {
		return Message{}, fmt.Errorf("response signer does not match parent identity")
	}
	return Decode(responsePayload)
}

func entitlementFromClass(class ClassXML) (Entitlement, error) {
	set, err := ParseSet(class.ResourceASN, class.ResourceIPv4, class.ResourceIPv6)
	if err != nil {
		return Entitlement{}, fmt.Errorf("class %s: %w", class.Name, err)
	}
	ent := Entitlement{ClassName: class.Name, Resources: set}
	for _, certXML := range class.Certificates {
		der, err := decodeB64(certXML.Data)
		if err != nil {
			return Entitlement{}, fmt.Errorf("class %s certificate: %w", class.Name, err)
		}
		ent.Issued = append(ent.Issued, der)
	}
	if class.Issuer != "" {
		issuer, err := decodeB64(class.Issuer)
		if err != nil {
			return Entitlement{}, fmt.Errorf("class %s issuer: %w", class.Name, err)
		}
		ent.Issuer = issuer
	}
	return ent, nil
}

// NewCSR builds a PKCS#10 request for a key held behind the store
// boundary.
func NewCSR(keySigner rpki.Signer, commonName string) ([]byte, error) {
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: commonName},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}, csrSigner{keySigner})
	if err != nil {
		return nil, fmt.Errorf("create pkcs#10: %w", err)
	}
	return der, nil
}

// csrSigner adapts rpki.Signer to crypto.Signer for CSR creation.
type csrSigner struct{ s rpki.Signer }

func (c csrSigner) Public() crypto.PublicKey { return c.s.Public() }

func (c csrSigner) Sign(_ io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	return c.s.Sign(digest)
}
