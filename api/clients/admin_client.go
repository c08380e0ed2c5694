package clients

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ruteri/secret-store-cluster/api"
	"github.com/ruteri/secret-store-cluster/cryptoutils"
	"github.com/ruteri/secret-store-cluster/interfaces"
	"github.com/ruteri/secret-store-cluster/jobs"
	"github.com/ruteri/secret-store-cluster/kms"
)

// ErrSessionFailed is returned by WaitForSession for sessions that finished
// with an error.
var ErrSessionFailed = errors.New("session failed")

// APIError is a non-2xx answer of a key server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with code %d: %s", e.StatusCode, e.Message)
}

// AdminClient talks to the admin and bootstrap API of a key server. The
// administrator key signs the server sets of share add and share remove
// requests. It may be nil for read-only use.
type AdminClient struct {
	baseURL    string
	adminKey   *ecdsa.PrivateKey
	httpClient *http.Client
}

// NewAdminClient creates a client for the key server at baseURL, for
// example "http://localhost:8080". The default timeout is 30 seconds.
func NewAdminClient(baseURL string, adminKey *ecdsa.PrivateKey, timeout ...time.Duration) *AdminClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &AdminClient{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		adminKey: adminKey,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

// SignNodeSet signs the ordered hash of a server set with the administrator key.
func (c *AdminClient) SignNodeSet(nodes interfaces.NodeSet) (cryptoutils.Signature, error) {
	if c.adminKey == nil {
		return cryptoutils.Signature{}, errors.New("no administrator key configured")
	}
	return cryptoutils.Sign(c.adminKey, jobs.OrderedNodesHash(nodes))
}

// NodeIdentity returns the id and address of the key server.
func (c *AdminClient) NodeIdentity(ctx context.Context) (api.NodeIdentityResponse, error) {
	var resp api.NodeIdentityResponse
	err := c.do(ctx, http.MethodGet, api.NodeIdentityPath, nil, &resp)
	return resp, err
}

// ServerSet returns the key server set as seen by the key server.
func (c *AdminClient) ServerSet(ctx context.Context) (api.ServerSetResponse, error) {
	var resp api.ServerSetResponse
	err := c.do(ctx, http.MethodGet, api.ServerSetPath, nil, &resp)
	return resp, err
}

// ShareAdd starts a share add session moving the key from holders to
// holders plus nodesToAdd. The key server the client talks to becomes the
// session master and must hold a share of the key. Both sets are signed.
func (c *AdminClient) ShareAdd(ctx context.Context, keyID interfaces.SessionID, holders, nodesToAdd interfaces.NodeSet) (api.SessionResponse, error) {
	oldSetSignature, err := c.SignNodeSet(holders)
	if err != nil {
		return api.SessionResponse{}, err
	}
	newSet := holders.Clone()
	for node := range nodesToAdd {
		newSet.Add(node)
	}
	newSetSignature, err := c.SignNodeSet(newSet)
	if err != nil {
		return api.SessionResponse{}, err
	}

	var resp api.SessionResponse
	err = c.do(ctx, http.MethodPost, api.ShareAddPath, api.ShareAddRequest{
		KeyID:           keyID,
		NodesToAdd:      nodesToAdd.Sorted(),
		OldSetSignature: oldSetSignature,
		NewSetSignature: newSetSignature,
	}, &resp)
	return resp, err
}

// ShareRemove starts a share remove session taking the shares of
// sharesToRemove away from holders.
func (c *AdminClient) ShareRemove(ctx context.Context, keyID interfaces.SessionID, holders, sharesToRemove interfaces.NodeSet) (api.SessionResponse, error) {
	oldSetSignature, err := c.SignNodeSet(holders)
	if err != nil {
		return api.SessionResponse{}, err
	}
	newSetSignature, err := c.SignNodeSet(holders.Difference(sharesToRemove))
	if err != nil {
		return api.SessionResponse{}, err
	}

	var resp api.SessionResponse
	err = c.do(ctx, http.MethodPost, api.ShareRemovePath, api.ShareRemoveRequest{
		KeyID:           keyID,
		SharesToRemove:  sharesToRemove.Sorted(),
		OldSetSignature: oldSetSignature,
		NewSetSignature: newSetSignature,
	}, &resp)
	return resp, err
}

// SessionStatus returns the status of an active or recently finished session.
func (c *AdminClient) SessionStatus(ctx context.Context, kind interfaces.SessionKind, keyID interfaces.SessionID) (api.SessionResponse, error) {
	var resp api.SessionResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/%s/%s", api.SessionsPath, kind, keyID), nil, &resp)
	return resp, err
}

// Sessions lists the sessions in progress on the key server.
func (c *AdminClient) Sessions(ctx context.Context) ([]api.SessionResponse, error) {
	var resp []api.SessionResponse
	err := c.do(ctx, http.MethodGet, api.SessionsPath, nil, &resp)
	return resp, err
}

// WaitForSession polls the session status every interval until the session
// finishes or ctx is done. A session that finished with an error is
// reported as ErrSessionFailed.
func (c *AdminClient) WaitForSession(ctx context.Context, kind interfaces.SessionKind, keyID interfaces.SessionID, interval time.Duration) (api.SessionResponse, error) {
	if interval <= 0 {
		interval = time.Second
	}

	var status api.SessionResponse
	err := retry.Do(ctx, retry.NewConstant(interval), func(ctx context.Context) error {
		var err error
		status, err = c.SessionStatus(ctx, kind, keyID)
		if err != nil {
			return err
		}
		if !status.Finished {
			return retry.RetryableError(fmt.Errorf("session %s is %s", keyID, status.State))
		}
		return nil
	})
	if err != nil {
		return status, err
	}
	if status.Error != "" {
		return status, fmt.Errorf("%w: %s", ErrSessionFailed, status.Error)
	}
	return status, nil
}

// BootstrapStatus reports the seed recovery progress of a key server
// started without a seed file.
func (c *AdminClient) BootstrapStatus(ctx context.Context) (api.BootstrapStatusResponse, error) {
	var resp api.BootstrapStatusResponse
	err := c.do(ctx, http.MethodGet, api.BootstrapStatusPath, nil, &resp)
	return resp, err
}

// SubmitShare submits an administrator's seed share, signed with the
// administrator's node key.
func (c *AdminClient) SubmitShare(ctx context.Context, share []byte, admin *kms.NodeKMS) (api.BootstrapStatusResponse, error) {
	signature, err := kms.SignShare(share, admin)
	if err != nil {
		return api.BootstrapStatusResponse{}, fmt.Errorf("failed to sign share: %w", err)
	}

	var resp api.BootstrapStatusResponse
	err = c.do(ctx, http.MethodPost, api.BootstrapSharePath, api.SubmitShareRequest{
		Share:     hex.EncodeToString(share),
		Signature: signature,
	}, &resp)
	return resp, err
}

func (c *AdminClient) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		reqJSON, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(reqJSON)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var errResp api.ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
