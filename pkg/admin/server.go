package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/rpkid/pkg/aggregate"
	"github.com/cuemby/rpkid/pkg/ca"
	"github.com/cuemby/rpkid/pkg/health"
	"github.com/cuemby/rpkid/pkg/log"
	"github.com/cuemby/rpkid/pkg/metrics"
	"github.com/cuemby/rpkid/pkg/pubserver"
	"github.com/cuemby/rpkid/pkg/resources"
)

// Server is the admin API: token-authenticated JSON commands and
// queries over the CA and repository aggregates, plus health and
// metrics endpoints.
type Server struct {
	cas      *aggregate.Processor[*ca.State]
	repo     *aggregate.Processor[*pubserver.State]
	repoHandle string
	token    string
	registry *health.Registry
	now      func() time.Time
	logger   zerolog.Logger
}

// New builds the admin server. An empty token disables auth (local
// development only).
func New(cas *aggregate.Processor[*ca.State], repo *aggregate.Processor[*pubserver.State], repoHandle, token string, registry *health.Registry, now func() time.Time) *Server {
	if now == nil {
		now = time.Now
	}
	return &Server{
		cas: cas, repo: repo, repoHandle: repoHandle, token: token,
		registry: registry, now: now, logger: log.WithComponent("admin"),
	}
}

// Handler returns the full admin mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/v1/cas", s.auth(s.handleCAList))
	mux.HandleFunc("/api/v1/cas/", s.auth(s.handleCA))
	mux.HandleFunc("/api/v1/pubd", s.auth(s.handleRepo))
	return mux
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				writeError(w, http.StatusUnauthorized, ErrorResponse{Kind: "auth", Message: "invalid or missing bearer token"})
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	results := s.registry.CheckAll(r.Context())
	status := http.StatusOK
	if !s.registry.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, results)
}

func (s *Server) handleCAList(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		handles, err := s.cas.Handles()
		if err != nil {
			writeError(w, http.StatusInternalServerError, ErrorResponse{Kind: "internal", Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, handles)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCA serves /api/v1/cas/{handle}: GET returns the summary, POST
// submits a command.
func (s *Server) handleCA(w http.ResponseWriter, r *http.Request) {
	handle := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/cas"), "/")
	if handle == "" || strings.Contains(handle, "/") {
		http.Error(w, "missing ca handle", http.StatusNotFound)
		return
	}
	if err := resources.Handle(handle).Validate(); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Kind: "input", Message: err.Error()})
		return
	}

	switch r.Method {
	case http.MethodGet:
		state, version, err := s.cas.Load(handle)
		if err != nil {
			writeError(w, http.StatusInternalServerError, ErrorResponse{Kind: "internal", Message: err.Error()})
			return
		}
		if version == 0 {
			writeError(w, http.StatusNotFound, ErrorResponse{Kind: "input", Message: fmt.Sprintf("unknown ca %q", handle)})
			return
		}
		writeJSON(w, http.StatusOK, summarizeCA(state))
	case http.MethodPost:
		var req CommandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, ErrorResponse{Kind: "input", Message: err.Error()})
			return
		}
		cmd, err := s.buildCACommand(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrorResponse{Kind: "input", Message: err.Error()})
			return
		}
		s.process(w, r.Context(), func(ctx context.Context) ([]aggregate.Event, uint64, error) {
			return s.cas.Process(ctx, handle, cmd, s.now())
		})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRepo(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		state, _, err := s.repo.Load(s.repoHandle)
		if err != nil {
			writeError(w, http.StatusInternalServerError, ErrorResponse{Kind: "internal", Message: err.Error()})
			return
		}
		summary := RepoSummary{
			SessionID:  state.SessionID,
			Serial:     state.Serial,
			Publishers: make(map[string]PublisherSummary),
		}
		for name, p := range state.Publishers {
			summary.Publishers[name] = PublisherSummary{BaseURI: p.BaseURI, Objects: len(p.Objects)}
		}
		writeJSON(w, http.StatusOK, summary)
	case http.MethodPost:
		var req CommandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, ErrorResponse{Kind: "input", Message: err.Error()})
			return
		}
		cmd, err := buildRepoCommand(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrorResponse{Kind: "input", Message: err.Error()})
			return
		}
		s.process(w, r.Context(), func(ctx context.Context) ([]aggregate.Event, uint64, error) {
			return s.repo.Process(ctx, s.repoHandle, cmd, s.now())
		})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) process(w http.ResponseWriter, ctx context.Context, run func(context.Context) ([]aggregate.Event, uint64, error)) {
	events, version, err := run(ctx)
	if err != nil {
		var de *aggregate.DomainError
		if errors.As(err, &de) {
			status := http.StatusBadRequest
			if de.Kind == aggregate.ErrKindConcurrency {
				status = http.StatusConflict
			}
			writeError(w, status, ErrorResponse{Kind: string(de.Kind), Code: de.Code, Message: de.Msg})
			return
		}
		writeError(w, http.StatusInternalServerError, ErrorResponse{Kind: "internal", Message: err.Error()})
		return
	}
	resp := CommandResponse{Version: version}
	for _, ev := range events {
		resp.Events = append(resp.Events, ev.EventType())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) buildCACommand(req CommandRequest) (aggregate.Command, error) {
	switch req.Type {
	case "init":
		return ca.Init{}, nil
	case "init_ta":
		set, err := parseResources(req.Resources)
		if err != nil {
			return nil, err
		}
		return ca.InitTA{Resources: set}, nil
	case "add_parent":
		idCert, err := decodeB64Field("id_cert", req.IDCert)
		if err != nil {
			return nil, err
		}
		return ca.AddParent{
			ParentHandle: req.ParentHandle, ContactURI: req.ContactURI,
			MyChildHandle: req.MyChildHandle, ParentIDCert: idCert,
		}, nil
	case "update_entitlements":
		set, err := parseResources(req.Resources)
		if err != nil {
			return nil, err
		}
		return ca.UpdateEntitlements{ParentHandle: req.ParentHandle, Class: req.Class, Entitlements: set}, nil
	case "certificate_received":
		cert, err := decodeB64Field("cert", req.Cert)
		if err != nil {
			return nil, err
		}
		ki, err := resources.ParseKI(req.KI)
		if err != nil {
			return nil, err
		}
		return ca.CertificateReceived{ParentHandle: req.ParentHandle, Class: req.Class, KI: ki, CertDER: cert}, nil
	case "add_child":
		idCert, err := decodeB64Field("id_cert", req.IDCert)
		if err != nil {
			return nil, err
		}
		set, err := parseResources(req.Resources)
		if err != nil {
			return nil, err
		}
		return ca.AddChild{ChildHandle: req.ChildHandle, IDCert: idCert, Resources: set}, nil
	case "issue":
		pub, err := decodeB64Field("public_key", req.PublicKey)
		if err != nil {
			return nil, err
		}
		set, err := parseResources(req.Resources)
		if err != nil {
			return nil, err
		}
		return ca.Issue{ChildHandle: req.ChildHandle, Class: req.Class, ChildPublicKeyDER: pub, Resources: set}, nil
	case "revoke_child_cert":
		ki, err := resources.ParseKI(req.KI)
		if err != nil {
			return nil, err
		}
		return ca.RevokeChildCert{ChildHandle: req.ChildHandle, Class: req.Class, KI: ki}, nil
	case "add_roa":
		prefix, err := netip.ParsePrefix(req.Prefix)
		if err != nil {
			return nil, fmt.Errorf("parse prefix %q: %w", req.Prefix, err)
		}
		return ca.AddRoa{Class: req.Class, ASN: req.ASN, Prefix: prefix, MaxLength: req.MaxLength}, nil
	case "remove_roa":
		prefix, err := netip.ParsePrefix(req.Prefix)
		if err != nil {
			return nil, fmt.Errorf("parse prefix %q: %w", req.Prefix, err)
		}
		return ca.RemoveRoa{Class: req.Class, ASN: req.ASN, Prefix: prefix, MaxLength: req.MaxLength}, nil
	case "start_key_roll":
		return ca.StartKeyRoll{Class: req.Class}, nil
	case "activate_key_roll":
		return ca.ActivateKeyRoll{Class: req.Class}, nil
	case "finish_key_roll":
		return ca.FinishKeyRoll{Class: req.Class}, nil
	case "republish":
		return ca.Republish{Class: req.Class}, nil
	default:
		return nil, fmt.Errorf("unknown ca command type %q", req.Type)
	}
}

func buildRepoCommand(req CommandRequest) (aggregate.Command, error) {
	switch req.Type {
	case "init":
		return pubserver.Init{}, nil
	case "add_publisher":
		idCert, err := decodeB64Field("id_cert", req.IDCert)
		if err != nil {
			return nil, err
		}
		return pubserver.AddPublisher{Handle: req.PublisherHandle, IDCert: idCert, BaseURI: req.BaseURI}, nil
	case "remove_publisher":
		return pubserver.RemovePublisher{Handle: req.PublisherHandle}, nil
	case "reset_session":
		return pubserver.ResetSession{}, nil
	default:
		return nil, fmt.Errorf("unknown repository command type %q", req.Type)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, body ErrorResponse) {
	writeJSON(w, status, body)
}
