package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/imroc/req/v3"

	"github.com/mirrorbox/mirrorbox/internal/version"
)

const (
	epDeltaList    = "/v1/delta/list"
	epDeltaPoll    = "/v1/delta/longpoll"
	epDownload     = "/v1/content/download"
	epUpload       = "/v1/content/upload"
	epMkdir        = "/v1/fs/mkdir"
	epDelete       = "/v1/fs/delete"
	epMove         = "/v1/fs/move"
	epListFolder   = "/v1/fs/list"
	longPollWindow = 90 * time.Second
)

// wireError is the error body returned by the remote API.
type wireError struct {
	Code       string `json:"code"`
	Message    string `json:"error"`
	CurrentRev string `json:"current_rev,omitempty"`
}

type deltaListRequest struct {
	Cursor string `json:"cursor,omitempty"`
}

type longPollRequest struct {
	Cursor  string `json:"cursor"`
	Timeout int    `json:"timeout"`
}

type longPollResponse struct {
	Changes bool `json:"changes"`
	Backoff int  `json:"backoff,omitempty"`
}

type pathRequest struct {
	Path    string `json:"path"`
	IfMatch string `json:"if_match,omitempty"`
}

type moveRequest struct {
	Src     string `json:"src"`
	Dst     string `json:"dst"`
	IfMatch string `json:"if_match,omitempty"`
}

type listFolderResponse struct {
	Entries []*Metadata `json:"entries"`
}

// HTTPClient implements Client against the remote REST API. Download
// streaming runs on a dedicated client that leaves response bodies unread.
type HTTPClient struct {
	client *req.Client
	stream *req.Client
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(baseURL, accessToken string) *HTTPClient {
	newClient := func() *req.Client {
		return req.C().
			SetBaseURL(baseURL).
			SetCommonBearerAuthToken(accessToken).
			SetCommonHeader("User-Agent", "MirrorBox/"+version.Version).
			SetTimeout(5 * time.Minute)
	}

	return &HTTPClient{
		client: newClient(),
		stream: newClient().DisableAutoReadResponse(),
	}
}

func (h *HTTPClient) ListChanges(ctx context.Context, cursor string) (*Delta, error) {
	var delta Delta
	res, err := h.client.R().
		SetContext(ctx).
		SetHeader("X-Request-Id", uuid.NewString()).
		SetBody(&deltaListRequest{Cursor: cursor}).
		SetSuccessResult(&delta).
		Post(epDeltaList)
	if err := wrapAPIError(res, err, "list changes"); err != nil {
		return nil, err
	}
	return &delta, nil
}

func (h *HTTPClient) WaitForChanges(ctx context.Context, cursor string) error {
	var poll longPollResponse
	res, err := h.client.R().
		SetContext(ctx).
		SetBody(&longPollRequest{Cursor: cursor, Timeout: int(longPollWindow.Seconds())}).
		SetSuccessResult(&poll).
		Post(epDeltaPoll)
	if err := wrapAPIError(res, err, "longpoll"); err != nil {
		return err
	}

	// the server may ask idle clients to back off before reconnecting
	if !poll.Changes && poll.Backoff > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(poll.Backoff) * time.Second):
		}
	}
	return nil
}

func (h *HTTPClient) Download(ctx context.Context, path, rev string) (io.ReadCloser, error) {
	res, err := h.stream.R().
		SetContext(ctx).
		SetQueryParam("path", path).
		SetQueryParam("rev", rev).
		Get(epDownload)
	if err := wrapAPIError(res, err, "download"); err != nil {
		return nil, err
	}
	return res.Body, nil
}

func (h *HTTPClient) Upload(ctx context.Context, path string, r io.Reader, size int64, ifMatch string) (*Metadata, error) {
	var md Metadata
	request := h.client.R().
		SetContext(ctx).
		SetQueryParam("path", path).
		SetContentType("application/octet-stream").
		SetHeader("Content-Length", strconv.FormatInt(size, 10)).
		SetBody(r).
		SetSuccessResult(&md)
	if ifMatch != "" {
		request.SetHeader("If-Match", ifMatch)
	}

	res, err := request.Put(epUpload)
	if err := wrapAPIError(res, err, "upload"); err != nil {
		return nil, err
	}
	return &md, nil
}

func (h *HTTPClient) Mkdir(ctx context.Context, path string) (*Metadata, error) {
	var md Metadata
	res, err := h.client.R().
		SetContext(ctx).
		SetBody(&pathRequest{Path: path}).
		SetSuccessResult(&md).
		Post(epMkdir)
	if err := wrapAPIError(res, err, "mkdir"); err != nil {
		return nil, err
	}
	return &md, nil
}

func (h *HTTPClient) Delete(ctx context.Context, path, ifMatch string) error {
	res, err := h.client.R().
		SetContext(ctx).
		SetBody(&pathRequest{Path: path, IfMatch: ifMatch}).
		Post(epDelete)
	return wrapAPIError(res, err, "delete")
}

func (h *HTTPClient) Move(ctx context.Context, src, dst, ifMatch string) (*Metadata, error) {
	var md Metadata
	res, err := h.client.R().
		SetContext(ctx).
		SetBody(&moveRequest{Src: src, Dst: dst, IfMatch: ifMatch}).
		SetSuccessResult(&md).
		Post(epMove)
	if err := wrapAPIError(res, err, "move"); err != nil {
		return nil, err
	}
	return &md, nil
}

func (h *HTTPClient) ListFolder(ctx context.Context, path string) ([]*Metadata, error) {
	var listing listFolderResponse
	res, err := h.client.R().
		SetContext(ctx).
		SetQueryParam("path", path).
		SetSuccessResult(&listing).
		Get(epListFolder)
	if err := wrapAPIError(res, err, "list folder"); err != nil {
		return nil, err
	}
	return listing.Entries, nil
}

// wrapAPIError converts a req outcome into a typed APIError.
func wrapAPIError(res *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		if errors.Is(requestErr, context.Canceled) || errors.Is(requestErr, context.DeadlineExceeded) {
			return requestErr
		}
		return fmt.Errorf("%s: %w", operation, &APIError{Kind: KindNetwork, Message: requestErr.Error()})
	}

	if !res.IsErrorState() {
		return nil
	}

	var wire wireError
	_ = res.UnmarshalJson(&wire)

	apiErr := &APIError{
		Kind:    kindForStatus(res.StatusCode, wire.Code),
		Code:    wire.Code,
		Message: wire.Message,
		Rev:     wire.CurrentRev,
	}
	if apiErr.Message == "" {
		apiErr.Message = res.Status
	}
	if apiErr.Kind == KindRateLimited {
		if secs, err := strconv.Atoi(res.GetHeader("Retry-After")); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	return fmt.Errorf("%s: %w", operation, apiErr)
}

func kindForStatus(status int, code string) ErrorKind {
	if code == "E_INSUFFICIENT_QUOTA" || status == http.StatusInsufficientStorage {
		return KindInsufficientQuota
	}

	switch status {
	case http.StatusUnauthorized:
		return KindAuthExpired
	case http.StatusForbidden:
		return KindPermissionDenied
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return KindConflict
	case http.StatusTooManyRequests:
		return KindRateLimited
	}

	if status >= 500 {
		return KindServerError
	}
	return KindNetwork
}
