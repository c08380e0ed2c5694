package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ruteri/secret-store-cluster/cryptoutils"
	"github.com/ruteri/secret-store-cluster/interfaces"
)

const (
	// MessagePath is where key servers accept cluster messages.
	MessagePath = "/cluster/v1/message"
	// SignatureHeader carries the sender's signature over MessageDigest.
	SignatureHeader = "X-Node-Signature"
	// ContentType of encoded cluster messages.
	ContentType = "application/cbor"

	maxErrorBodySize = 4096
)

// Signer signs outbound messages with the node key.
type Signer interface {
	NodeID() interfaces.NodeID
	Sign(digest [32]byte) (cryptoutils.Signature, error)
}

type HTTPTransportConfig struct {
	Timeout      time.Duration
	MaxRetries   uint64
	RetryBackoff time.Duration
	// Scheme defaults to http. Key servers are expected to sit behind a
	// TLS terminating proxy when messages cross untrusted networks.
	Scheme string
}

// HTTPTransport delivers cluster messages to peers over HTTP. Peer
// addresses are resolved from the key server set on every send.
type HTTPTransport struct {
	cfg       HTTPTransportConfig
	signer    Signer
	serverSet interfaces.KeyServerSet
	client    *http.Client
	log       *slog.Logger
}

func NewHTTPTransport(cfg HTTPTransportConfig, signer Signer, serverSet interfaces.KeyServerSet, log *slog.Logger) *HTTPTransport {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	return &HTTPTransport{
		cfg:       cfg,
		signer:    signer,
		serverSet: serverSet,
		client:    &http.Client{Timeout: cfg.Timeout},
		log:       log,
	}
}

// Send implements interfaces.Transport.
func (t *HTTPTransport) Send(to interfaces.NodeID, message *interfaces.ClusterMessage) error {
	address, found := resolveAddress(t.serverSet.Snapshot(), to)
	if !found {
		return fmt.Errorf("%w: no address for %s", interfaces.ErrNodeDisconnected, to.Short())
	}

	body, err := EncodeMessage(message)
	if err != nil {
		return err
	}
	signature, err := t.signer.Sign(MessageDigest(to, body))
	if err != nil {
		return fmt.Errorf("%w: failed to sign message: %w", interfaces.ErrInternal, err)
	}

	backoff := retry.WithMaxRetries(t.cfg.MaxRetries, retry.NewExponential(t.cfg.RetryBackoff))

	url := fmt.Sprintf("%s://%s%s", t.cfg.Scheme, address, MessagePath)
	err = retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		return t.post(ctx, url, body, signature)
	})

	var peerErr *peerError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &peerErr):
		return peerErr.err
	default:
		t.log.Debug("failed to deliver message", slog.String("peer", to.Short()), slog.String("message", message.String()), "err", err)
		return fmt.Errorf("%w: %s: %w", interfaces.ErrNodeDisconnected, to.Short(), err)
	}
}

// peerError is a rejection returned by the recipient.
type peerError struct {
	err error
}

func (e *peerError) Error() string { return e.err.Error() }

func (t *HTTPTransport) post(ctx context.Context, url string, body []byte, signature cryptoutils.Signature) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set(SignatureHeader, signature.String())

	resp, err := t.client.Do(req)
	if err != nil {
		return retry.RetryableError(err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return retry.RetryableError(fmt.Errorf("peer responded with %d: %s", resp.StatusCode, bytes.TrimSpace(respBody)))
	default:
		return &peerError{err: interfaces.ErrorFromWire(string(bytes.TrimSpace(respBody)))}
	}
}

func resolveAddress(snapshot interfaces.KeyServerSetSnapshot, node interfaces.NodeID) (interfaces.NodeAddress, bool) {
	if address, found := snapshot.CurrentSet[node]; found {
		return address, true
	}
	if address, found := snapshot.NewSet[node]; found {
		return address, true
	}
	if snapshot.Migration != nil {
		if address, found := snapshot.Migration.Set[node]; found {
			return address, true
		}
	}
	return "", false
}
