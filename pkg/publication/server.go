package publication

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/rpkid/pkg/aggregate"
	"github.com/cuemby/rpkid/pkg/log"
	"github.com/cuemby/rpkid/pkg/metrics"
	"github.com/cuemby/rpkid/pkg/pubserver"
	"github.com/cuemby/rpkid/pkg/rpki"
	"github.com/cuemby/rpkid/pkg/rrdp"
)

// maxMessageBytes bounds a publication request body; a full manifest
// cycle for a large CA stays well under this.
const maxMessageBytes = 64 << 20

// Server is the repository-side RFC 8181 endpoint. It authenticates
// each query against the publisher's stored identity certificate,
// applies the delta through the repository aggregate, and signs its
// replies with the repository's own identity key.
type Server struct {
	repo       *aggregate.Processor[*pubserver.State]
	repoHandle string
	idCert     *x509.Certificate
	idKey      rpki.Signer
	now        func() time.Time
	logger     zerolog.Logger
	exporter   *rrdp.Exporter
}

// NewServer wires a publication endpoint to the repository aggregate
// processor. idCert/idKey are the repository's identity pair used to
// sign replies.
func NewServer(repo *aggregate.Processor[*pubserver.State], repoHandle string, idCert *x509.Certificate, idKey rpki.Signer, now func() time.Time) *Server {
	if now == nil {
		now = time.Now
	}
	return &Server{
		repo: repo, repoHandle: repoHandle, idCert: idCert, idKey: idKey,
		now: now, logger: log.WithComponent("publication"),
	}
}

// WithExporter attaches the RRDP/rsync exporter invoked after every
// committed delta.
func (s *Server) WithExporter(e *rrdp.Exporter) *Server {
	s.exporter = e
	return s
}

// ServeHTTP handles POST /rfc8181/{publisher}. The publisher handle in
// the path selects whose identity certificate the CMS signer must
// match; the signed XML inside determines list vs publish.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	publisher := strings.Trim(strings.TrimPrefix(r.URL.Path, "/rfc8181"), "/")
	if publisher == "" {
		http.Error(w, "missing publisher handle", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	reply, err := s.handle(r.Context(), publisher, body)
	if err != nil {
		s.logger.Error().Err(err).Str("publisher", publisher).Msg("publication request rejected")
		metrics.PublicationRequestsTotal.WithLabelValues("error").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	metrics.PublicationRequestsTotal.WithLabelValues("ok").Inc()
	w.Header().Set("Content-Type", ContentType)
	w.Write(reply)
}

func (s *Server) handle(ctx context.Context, publisher string, body []byte) ([]byte, error) {
	state, _, err := s.repo.Load(s.repoHandle)
	if err != nil {
		return nil, fmt.Errorf("load repository: %w", err)
	}
	pub := state.Publishers[publisher]
	if pub == nil {
		return nil, fmt.Errorf("unknown publisher %q", publisher)
	}

	payload, signerCert, err := rpki.CMSUnwrap(body, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap query: %w", err)
	}
	if !bytes.Equal(signerCert.Raw, pub.IDCert) {
		return nil, fmt.Errorf("query signer does not match publisher %q identity", publisher)
	}

	query, err := Decode(payload)
	if err != nil {
		return nil, err
	}

	var reply Msg
	switch {
	case query.IsListQuery():
		reply = ListReply(state.ObjectList(publisher))
	default:
		reply = s.applyDelta(ctx, publisher, query)
	}

	return s.signReply(reply)
}

func (s *Server) applyDelta(ctx context.Context, publisher string, query Msg) Msg {
	cmd := pubserver.PublicationDelta{Publisher: publisher}
	for _, p := range query.Publish {
		data, err := DecodeObjectData(p)
		if err != nil {
			return ErrorReply("other_error", err.Error())
		}
		if p.Hash == "" {
			cmd.Publish = append(cmd.Publish, pubserver.PublishElement{URI: p.URI, Data: data})
		} else {
			cmd.Update = append(cmd.Update, pubserver.UpdateElement{URI: p.URI, Hash: p.Hash, Data: data})
		}
	}
	for _, wd := range query.Withdraw {
		cmd.Withdraw = append(cmd.Withdraw, pubserver.WithdrawElement{URI: wd.URI, Hash: wd.Hash})
	}

	metrics.PublicationDeltaObjects.Observe(float64(len(cmd.Publish) + len(cmd.Update) + len(cmd.Withdraw)))

	committed, _, err := s.repo.Process(ctx, s.repoHandle, cmd, s.now())
	if err != nil {
		var de *aggregate.DomainError
		if errors.As(err, &de) && de.Code != "" {
			return ErrorReply(de.Code, de.Msg)
		}
		return ErrorReply("other_error", err.Error())
	}

	if s.exporter != nil {
		state, _, err := s.repo.Load(s.repoHandle)
		if err == nil {
			for _, ev := range committed {
				if delta, ok := ev.(pubserver.DeltaApplied); ok {
					if exportErr := s.exporter.OnDelta(state, delta); exportErr != nil {
						s.logger.Error().Err(exportErr).Msg("rrdp export failed; retried on next publication")
					}
				}
			}
		}
	}
	return SuccessReply()
}

func (s *Server) signReply(reply Msg) ([]byte, error) {
	payload, err := Encode(reply)
	if err != nil {
		return nil, err
	}
	signed, err := rpki.CMSWrapWithSigner(rpki.OIDProtocolXML, payload, s.idCert, s.idKey, s.now())
	if err != nil {
		return nil, fmt.Errorf("sign reply: %w", err)
	}
	return signed.DER, nil
}
