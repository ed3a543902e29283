package publication

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/rpkid/pkg/metrics"
	"github.com/cuemby/rpkid/pkg/rpki"
)

// DefaultRequestTimeout bounds one publication round-trip.
const DefaultRequestTimeout = 30 * time.Second

// Delta is the client-side publish/update/withdraw batch, expressed
// with raw bytes; hashes for updates and withdraws are the repository
// hashes obtained from a list reply or local bookkeeping.
type Delta struct {
	Publish  []DeltaPublish
	Update   []DeltaUpdate
	Withdraw []DeltaWithdraw
}

type DeltaPublish struct {
	URI  string
	Data []byte
}

type DeltaUpdate struct {
	URI     string
	OldHash string
	Data    []byte
}

type DeltaWithdraw struct {
	URI  string
	Hash string
}

// Empty reports whether the delta carries no elements; an empty delta
// is never sent.
func (d Delta) Empty() bool {
	return len(d.Publish)+len(d.Update)+len(d.Withdraw) == 0
}

// Client is the CA-side RFC 8181 client: it signs queries with the
// CA's identity key and verifies replies against the repository's
// identity certificate.
type Client struct {
	serviceURI string
	httpClient *http.Client
	idCert     *x509.Certificate
	idKey      rpki.Signer
	repoCert   *x509.Certificate
	now        func() time.Time
}

// NewClient builds a publication client for one CA/repository pair.
func NewClient(serviceURI string, idCert *x509.Certificate, idKey rpki.Signer, repoCert *x509.Certificate, now func() time.Time) *Client {
	if now == nil {
		now = time.Now
	}
	return &Client{
		serviceURI: serviceURI,
		httpClient: &http.Client{Timeout: DefaultRequestTimeout},
		idCert:     idCert, idKey: idKey, repoCert: repoCert,
		now: now,
	}
}

// List fetches the repository's uri -> hash map for this publisher.
func (c *Client) List(ctx context.Context) (map[string]string, error) {
	reply, err := c.exchange(ctx, NewListQuery())
	if err != nil {
		return nil, err
	}
	if len(reply.Errors) > 0 {
		return nil, fmt.Errorf("list rejected: %s: %s", reply.Errors[0].Code, reply.Errors[0].Text)
	}
	out := make(map[string]string, len(reply.List))
	for _, el := range reply.List {
		if el.URI != "" {
			out[el.URI] = el.Hash
		}
	}
	return out, nil
}

// Publish sends a publish query and fails unless the repository
// replies success.
func (c *Client) Publish(ctx context.Context, delta Delta) error {
	if delta.Empty() {
		return nil
	}
	q := newQuery()
	for _, p := range delta.Publish {
		q.Publish = append(q.Publish, PublishXML{URI: p.URI, Data: encodeData(p.Data)})
	}
	for _, u := range delta.Update {
		q.Publish = append(q.Publish, PublishXML{URI: u.URI, Hash: u.OldHash, Data: encodeData(u.Data)})
	}
	for _, wd := range delta.Withdraw {
		q.Withdraw = append(q.Withdraw, WithdrawXML{URI: wd.URI, Hash: wd.Hash})
	}

	reply, err := c.exchange(ctx, q)
	if err != nil {
		return err
	}
	if len(reply.Errors) > 0 {
		return fmt.Errorf("publish rejected: %s: %s", reply.Errors[0].Code, reply.Errors[0].Text)
	}
	if reply.Success == nil {
		return fmt.Errorf("publish reply carries neither success nor error")
	}
	return nil
}

func (c *Client) exchange(ctx context.Context, query Msg) (Msg, error) {
	payload, err := Encode(query)
	if err != nil {
		return Msg{}, err
	}
	signed, err := rpki.CMSWrapWithSigner(rpki.OIDProtocolXML, payload, c.idCert, c.idKey, c.now())
	if err != nil {
		return Msg{}, fmt.Errorf("sign query: %w", err)
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OutboundRequestDuration, "repository")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serviceURI, bytes.NewReader(signed.DER))
	if err != nil {
		return Msg{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Msg{}, fmt.Errorf("publication round-trip: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageBytes))
	if err != nil {
		return Msg{}, fmt.Errorf("read reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Msg{}, fmt.Errorf("repository returned %s: %s", resp.Status, string(body))
	}

	replyPayload, signerCert, err := rpki.CMSUnwrap(body, nil)
	if err != nil {
		return Msg{}, fmt.Errorf("unwrap reply: %w", err)
	}
	if c.repoCert != nil && !bytes.Equal(signerCert.Raw, c.repoCert.Raw) {
		return Msg{}, fmt.Errorf("reply signer does not match repository identity")
	}
	return Decode(replyPayload)
}

func encodeData(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
