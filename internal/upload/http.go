package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dj-oyu/padetect-agent/internal/config"
	"github.com/dj-oyu/padetect-agent/internal/logger"
)

// UploadPath is the risk-evidence endpoint relative to the base URL.
const UploadPath = "/client/risk/upload"

const (
	DefaultConnectTimeout  = 1 * time.Second
	DefaultTransferTimeout = 30 * time.Second
	DefaultMaxRetries      = 1

	maxResponseBody = 64 << 10
)

var (
	// ErrRejected is returned when the server answered but refused the upload.
	ErrRejected = errors.New("upload rejected")
	// ErrAuth marks 401/403 responses.
	ErrAuth = errors.New("authentication failure")
)

// HTTPClient is the subset of *http.Client used by HTTPUploader.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// HTTPUploader posts evidence as application/octet-stream. Transient network
// failures are retried up to MaxRetries times; HTTP and API errors are not.
type HTTPUploader struct {
	baseURL    string
	version    string
	company    string
	identity   Identity
	client     HTTPClient
	maxRetries int
	now        func() time.Time
}

// NewHTTPUploader creates an uploader for cfg. A nil client gets one built
// from the configured connect and transfer timeouts.
func NewHTTPUploader(cfg config.UploadConfig, client HTTPClient, id Identity) *HTTPUploader {
	if client == nil {
		client = newHTTPClient(cfg.ConnectTimeout, cfg.TransferTimeout)
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = DefaultMaxRetries
	}
	return &HTTPUploader{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		version:    cfg.ClientVersion,
		company:    cfg.CompanyCode,
		identity:   id,
		client:     client,
		maxRetries: retries,
		now:        time.Now,
	}
}

func newHTTPClient(connect, transfer time.Duration) *http.Client {
	if connect <= 0 {
		connect = DefaultConnectTimeout
	}
	if transfer <= 0 {
		transfer = DefaultTransferTimeout
	}
	dialer := &net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}
	return &http.Client{
		Timeout: connect + transfer,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   connect * 5,
			ResponseHeaderTimeout: transfer,
			MaxIdleConns:          4,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// UploadFile sends the contents of path.
func (u *HTTPUploader) UploadFile(ctx context.Context, path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("Uploader", "Cannot read %s: %v", path, err)
		return false
	}
	if err := u.Upload(ctx, data); err != nil {
		logger.Error("Uploader", "Upload %s failed: %v", filepath.Base(path), err)
		return false
	}
	return true
}

// UploadBytes sends data.
func (u *HTTPUploader) UploadBytes(ctx context.Context, data []byte) bool {
	if err := u.Upload(ctx, data); err != nil {
		logger.Error("Uploader", "Upload of %d bytes failed: %v", len(data), err)
		return false
	}
	return true
}

// Upload posts data and returns the reason for failure.
func (u *HTTPUploader) Upload(ctx context.Context, data []byte) error {
	var err error
	for attempt := 0; attempt <= u.maxRetries; attempt++ {
		if attempt > 0 {
			logger.Warn("Uploader", "Retrying (%d/%d) after: %v", attempt, u.maxRetries, err)
		}
		err = u.post(ctx, data)
		if err == nil || !IsTransient(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (u *HTTPUploader) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+UploadPath, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", "application/octet-stream")
	u.setCommonHeaders(req.Header)

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			logger.Error("Uploader", "Authentication failure (HTTP %d), check credentials", resp.StatusCode)
			return fmt.Errorf("%w: HTTP %d", ErrAuth, resp.StatusCode)
		}
		return fmt.Errorf("%w: HTTP %d: %s", ErrRejected, resp.StatusCode, truncate(body))
	}

	var r apiResponse
	r.Code = -1
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("%w: bad response: %v", ErrRejected, err)
	}
	if r.Code != 0 {
		return fmt.Errorf("%w: code %d: %s", ErrRejected, r.Code, r.Msg)
	}
	return nil
}

func (u *HTTPUploader) setCommonHeaders(h http.Header) {
	h.Set("x-version", u.version)
	h.Set("x-computer-name", u.identity.ComputerName)
	h.Set("x-user-name", u.identity.UserName)
	h.Set("x-mac", u.identity.MAC)
	h.Set("x-company-code", u.company)
	h.Set("x-ca-timestamp", strconv.FormatInt(u.now().UnixMilli(), 10))
}

// IsTransient reports whether err is a network failure worth retrying:
// dial errors, timeouts, resets and unexpected EOF. Server responses and
// cancellation are not transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrRejected) || errors.Is(err, ErrAuth) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsTemporary
}

func truncate(b []byte) string {
	const n = 200
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
