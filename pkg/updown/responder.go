package updown

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/rpkid/pkg/aggregate"
	"github.com/cuemby/rpkid/pkg/ca"
	"github.com/cuemby/rpkid/pkg/keystore"
	"github.com/cuemby/rpkid/pkg/log"
	"github.com/cuemby/rpkid/pkg/metrics"
	"github.com/cuemby/rpkid/pkg/resources"
	"github.com/cuemby/rpkid/pkg/rpki"
)

const maxMessageBytes = 4 << 20

// RFC 6492 §3.9 error codes used by the responder.
const (
	codeAlreadyProcessing = "1101"
	codeNoSuchClass       = "1201"
	codeBadRequest        = "1202"
	codeNoSuchResource    = "1301"
	codeInternal          = "2001"
)

// Responder is the parent-side RFC 6492 endpoint. It is stateless per
// message: each request is authenticated against the stored child
// identity certificate, translated to a CA aggregate command, and
// answered with a signed response.
type Responder struct {
	cas    *aggregate.Processor[*ca.State]
	keys   *keystore.Store
	now    func() time.Time
	logger zerolog.Logger
}

// NewResponder wires the up-down endpoint to the CA aggregate
// processor. keys signs responses with each parent CA's identity key.
func NewResponder(cas *aggregate.Processor[*ca.State], keys *keystore.Store, now func() time.Time) *Responder {
	if now == nil {
		now = time.Now
	}
	return &Responder{cas: cas, keys: keys, now: now, logger: log.WithComponent("updown")}
}

// ServeHTTP handles POST /rfc6492/{parent-handle}.
func (s *Responder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parentHandle := strings.Trim(strings.TrimPrefix(r.URL.Path, "/rfc6492"), "/")
	if parentHandle == "" {
		http.Error(w, "missing parent handle", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	response, msgType, err := s.handle(r.Context(), parentHandle, body)
	if err != nil {
		s.logger.Error().Err(err).Str("parent", parentHandle).Msg("up-down request rejected")
		metrics.UpDownRequestsTotal.WithLabelValues(msgType, "error").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	metrics.UpDownRequestsTotal.WithLabelValues(msgType, "ok").Inc()
	w.Header().Set("Content-Type", ContentType)
	w.Write(response)
}

func (s *Responder) handle(ctx context.Context, parentHandle string, body []byte) ([]byte, string, error) {
	state, _, err := s.cas.Load(parentHandle)
	if err != nil {
		return nil, "", fmt.Errorf("load ca %s: %w", parentHandle, err)
	}
	if !state.Initialized {
		return nil, "", fmt.Errorf("unknown ca %q", parentHandle)
	}

	// The replay guard (signing time within one hour of local clock)
	// is enforced inside CMSUnwrap.
	payload, signerCert, err := rpki.CMSUnwrap(body, nil)
	if err != nil {
		return nil, "", fmt.Errorf("unwrap request: %w", err)
	}

	query, err := Decode(payload)
	if err != nil {
		return nil, "", err
	}

	// The sender attribute must resolve to a registered child, and
	// the CMS signer must be that child's identity certificate.
	child := state.Children[query.Sender]
	if child == nil {
		return nil, query.Type, fmt.Errorf("sender %q is not a child of %q", query.Sender, parentHandle)
	}
	if !bytes.Equal(signerCert.Raw, child.IDCert) {
		return nil, query.Type, fmt.Errorf("request signer does not match child %q identity", query.Sender)
	}

	var response Message
	switch query.Type {
	case TypeList:
		response = s.listResponse(state, query)
	case TypeIssue:
		response = s.issueResponse(ctx, state, parentHandle, query)
	case TypeRevoke:
		response = s.revokeResponse(ctx, parentHandle, query)
	default:
		response = ErrorResponse(parentHandle, query.Sender, codeBadRequest, fmt.Sprintf("unsupported message type %q", query.Type))
	}

	signed, err := s.signResponse(state, response)
	if err != nil {
		return nil, query.Type, err
	}
	return signed, query.Type, nil
}

// listResponse offers the child every resource class it may request
// certificates in, bounded by its authorized resources.
func (s *Responder) listResponse(state *ca.State, query Message) Message {
	child := state.Children[query.Sender]
	response := NewMessage(state.Handle, query.Sender, TypeListResponse)
	for name, class := range state.ResourceClasses {
		if class.Current == nil || class.Current.Cert == nil {
			continue
		}
		response.Classes = append(response.Classes, s.classElement(state, child, name, class))
	}
	return response
}

func (s *Responder) classElement(state *ca.State, child *ca.ChildInfo, name string, class *ca.ResourceClass) ClassXML {
	asn, v4, v6 := EncodeSet(child.AuthorizedResources)
	el := ClassXML{
		Name:         name,
		CertURL:      class.Current.SIARepository + class.Current.KI.String() + ".cer",
		ResourceASN:  asn,
		ResourceIPv4: v4,
		ResourceIPv6: v6,
		Issuer:       encodeB64(class.Current.Cert),
	}
	for _, issued := range child.IssuedCerts {
		if issued.Class != name || issued.Revoked {
			continue
		}
		el.Certificates = append(el.Certificates, CertificateXML{
			CertURL: class.Current.SIARepository + issued.KI.String() + ".cer",
			Data:    encodeB64(issued.Cert),
		})
	}
	return el
}

func (s *Responder) issueResponse(ctx context.Context, state *ca.State, parentHandle string, query Message) Message {
	if query.Request == nil {
		return ErrorResponse(parentHandle, query.Sender, codeBadRequest, "issue without request element")
	}
	csrDER, err := decodeB64(query.Request.Data)
	if err != nil {
		return ErrorResponse(parentHandle, query.Sender, codeBadRequest, err.Error())
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return ErrorResponse(parentHandle, query.Sender, codeBadRequest, fmt.Sprintf("parse pkcs#10: %v", err))
	}
	if err := csr.CheckSignature(); err != nil {
		return ErrorResponse(parentHandle, query.Sender, codeBadRequest, fmt.Sprintf("pkcs#10 signature: %v", err))
	}
	pub, ok := csr.PublicKey.(*rsa.PublicKey)
	if !ok {
		return ErrorResponse(parentHandle, query.Sender, codeBadRequest, "pkcs#10 public key is not RSA")
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ErrorResponse(parentHandle, query.Sender, codeInternal, err.Error())
	}

	child := state.Children[query.Sender]
	className := query.Request.ClassName
	if _, ok := state.ResourceClasses[className]; !ok {
		return ErrorResponse(parentHandle, query.Sender, codeNoSuchClass, fmt.Sprintf("no resource class %q", className))
	}

	events, _, err := s.cas.Process(ctx, parentHandle, ca.Issue{
		ChildHandle:       query.Sender,
		Class:             className,
		ChildPublicKeyDER: pubDER,
		Resources:         child.AuthorizedResources,
	}, s.now())
	if err != nil {
		return ErrorResponse(parentHandle, query.Sender, codeNoSuchResource, err.Error())
	}

	found := false
	for _, ev := range events {
		if _, ok := ev.(ca.CertIssued); ok {
			found = true
			break
		}
	}
	if !found {
		return ErrorResponse(parentHandle, query.Sender, codeInternal, "issuance produced no certificate")
	}

	// Reload so the class element reflects the newly issued cert.
	state, _, err = s.cas.Load(parentHandle)
	if err != nil {
		return ErrorResponse(parentHandle, query.Sender, codeInternal, err.Error())
	}
	response := NewMessage(parentHandle, query.Sender, TypeIssueResponse)
	response.Classes = []ClassXML{s.classElement(state, state.Children[query.Sender], className, state.ResourceClasses[className])}
	return response
}

func (s *Responder) revokeResponse(ctx context.Context, parentHandle string, query Message) Message {
	if query.Key == nil {
		return ErrorResponse(parentHandle, query.Sender, codeBadRequest, "revoke without key element")
	}
	ki, err := resources.ParseKI(query.Key.SKI)
	if err != nil {
		return ErrorResponse(parentHandle, query.Sender, codeBadRequest, err.Error())
	}
	_, _, err = s.cas.Process(ctx, parentHandle, ca.RevokeChildCert{
		ChildHandle: query.Sender, Class: query.Key.ClassName, KI: ki,
	}, s.now())
	if err != nil {
		return ErrorResponse(parentHandle, query.Sender, codeBadRequest, err.Error())
	}
	response := NewMessage(parentHandle, query.Sender, TypeRevokeResponse)
	response.Key = query.Key
	return response
}

func (s *Responder) signResponse(state *ca.State, response Message) ([]byte, error) {
	payload, err := Encode(response)
	if err != nil {
		return nil, err
	}
	idCert, err := x509.ParseCertificate(state.IDCert)
	if err != nil {
		return nil, fmt.Errorf("parse ca identity certificate: %w", err)
	}
	idSigner, err := s.keys.Signer(state.IDKey)
	if err != nil {
		return nil, fmt.Errorf("load ca identity key: %w", err)
	}
	signed, err := rpki.CMSWrapWithSigner(rpki.OIDProtocolXML, payload, idCert, idSigner, s.now())
	if err != nil {
		return nil, fmt.Errorf("sign response: %w", err)
	}
	return signed.DER, nil
}
