package plc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/whyrusleeping/go-did"
)

// Client talks to a did:plc log server.
type Client struct {
	base *url.URL
	// reads are retried on transient failures
	reads *http.Client
	// writes are never retried
	writes  *http.Client
	logger  *slog.Logger
	builder Builder
	retries int
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption { return func(cl *Client) { cl.writes = c } }
func WithLogger(l *slog.Logger) ClientOption     { return func(c *Client) { c.logger = l } }
func WithPolicy(p Policy) ClientOption           { return func(c *Client) { c.builder.Policy = p } }
func WithRetries(n int) ClientOption             { return func(c *Client) { c.retries = n } }

func NewClient(host string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(host)
	if err != nil {
		return nil, errors.Wrap(err, "invalid plc host")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("invalid plc host scheme %q", u.Scheme)
	}
	c := Client{
		base:    u,
		writes:  &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
		retries: 4,
	}
	for _, o := range opts {
		o(&c)
	}
	rc := retryablehttp.NewClient()
	rc.HTTPClient = c.writes
	rc.RetryMax = c.retries
	rc.RetryWaitMin = 250 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = c.logger
	c.reads = rc.StandardClient()
	return &c, nil
}

// Host returns the server's base url.
func (c *Client) Host() string { return c.base.String() }

// GetDocument fetches the W3C DID document of didstr.
func (c *Client) GetDocument(ctx context.Context, didstr string) (*did.Document, error) {
	var doc did.Document
	if err := c.get(ctx, c.base.JoinPath(didstr), &doc); err != nil {
		return nil, notFound(err, didstr)
	}
	return &doc, nil
}

// GetDocumentData fetches the reduced document of did.
func (c *Client) GetDocumentData(ctx context.Context, did string) (*Document, error) {
	var doc Document
	if err := c.get(ctx, c.base.JoinPath("data", did), &doc); err != nil {
		return nil, notFound(err, did)
	}
	return &doc, nil
}

// GetOperationLog fetches the operation log of did. A DID that does not exist
// has an empty log.
func (c *Client) GetOperationLog(ctx context.Context, did string) (Log, error) {
	var res struct {
		Log Log `json:"log"`
	}
	err := c.get(ctx, c.base.JoinPath("log", did), &res)
	if err != nil {
		var e *ResponseError
		if errors.As(err, &e) && e.Status == http.StatusNotFound {
			return Log{}, nil
		}
		return nil, err
	}
	return res.Log, nil
}

// SendOperation submits op for did. A stale prev fails with
// [*PrecursorMismatchError] and a rejected operation with [*ValidationError].
// It is not retried: on an ambiguous failure resolve the tip again before
// sending anything else.
func (c *Client) SendOperation(ctx context.Context, did string, op Operation) error {
	body, err := MarshalOperationJSON(op)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath(did).String(), bytes.NewReader(body))
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.writes.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}
	defer res.Body.Close()
	if res.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	e := readError(res)
	switch res.StatusCode {
	case http.StatusConflict:
		return &PrecursorMismatchError{DID: did, Got: op.PrevCID()}
	case http.StatusBadRequest:
		return &ValidationError{Kind: op.Kind(), Reason: e.Message, Err: e}
	}
	return errors.WithStack(e)
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.JoinPath("_health").String(), nil)
	if err != nil {
		return errors.WithStack(err)
	}
	res, err := c.reads.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return errors.WithStack(readError(res))
	}
	return nil
}

// ResolveTip fetches and verifies the log of did and returns its tip.
func (c *Client) ResolveTip(ctx context.Context, did string) (*Tip, error) {
	log, err := c.GetOperationLog(ctx, did)
	if err != nil {
		return nil, err
	}
	if len(log) == 0 {
		return nil, &EmptyLogError{DID: did}
	}
	tip, err := verifyLog(log, c.builder.Policy)
	if err != nil {
		return nil, err
	}
	if tip.DID != did {
		return nil, &BrokenChainError{Index: 0, Reason: fmt.Sprintf("log derives %s, not %s", tip.DID, did)}
	}
	return tip, nil
}

// CreateDID builds a genesis operation, submits it and returns the new DID.
func (c *Client) CreateDID(ctx context.Context, signer Signer, recoveryKey, handle, service string) (string, error) {
	op, did, err := CreateGenesis(signer, recoveryKey, handle, service)
	if err != nil {
		return "", err
	}
	if err = c.SendOperation(ctx, did, op); err != nil {
		return "", err
	}
	c.logger.Debug("created did", "did", did, "handle", handle)
	return did, nil
}

// Extend signs op on top of tip and submits it. The returned tip includes op.
func (c *Client) Extend(ctx context.Context, tip *Tip, op Operation, signer Signer) (*Tip, error) {
	next, err := c.builder.Extend(tip, op, signer)
	if err != nil {
		return nil, err
	}
	if err = c.SendOperation(ctx, tip.DID, next); err != nil {
		return nil, err
	}
	return tip.Next(next)
}

func (c *Client) RotateSigningKey(ctx context.Context, tip *Tip, key string, signer Signer) (*Tip, error) {
	return c.Extend(ctx, tip, &RotateSigningKeyOp{Key: key}, signer)
}

func (c *Client) RotateRecoveryKey(ctx context.Context, tip *Tip, key string, signer Signer) (*Tip, error) {
	return c.Extend(ctx, tip, &RotateRecoveryKeyOp{Key: key}, signer)
}

func (c *Client) UpdateHandle(ctx context.Context, tip *Tip, handle string, signer Signer) (*Tip, error) {
	return c.Extend(ctx, tip, &UpdateHandleOp{Handle: handle}, signer)
}

func (c *Client) UpdateAtpPds(ctx context.Context, tip *Tip, service string, signer Signer) (*Tip, error) {
	return c.Extend(ctx, tip, &UpdateAtpPdsOp{Service: service}, signer)
}

// Apply resolves the tip of did and extends it with op. When another writer
// wins the race the tip is resolved again and op rebuilt, up to attempts
// times.
func (c *Client) Apply(ctx context.Context, did string, op Operation, signer Signer, attempts int) (*Tip, error) {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		var tip, next *Tip
		tip, err = c.ResolveTip(ctx, did)
		if err != nil {
			return nil, err
		}
		next, err = c.Extend(ctx, tip, op, signer)
		var mismatch *PrecursorMismatchError
		if errors.As(err, &mismatch) {
			c.logger.Info("log moved, rebuilding operation", "did", did, "attempt", i+1, "prev", tip.CID.String())
			continue
		}
		return next, err
	}
	return nil, err
}

func (c *Client) get(ctx context.Context, u *url.URL, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Accept", "application/json")
	res, err := c.reads.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return errors.WithStack(readError(res))
	}
	return errors.WithStack(json.NewDecoder(res.Body).Decode(dst))
}

// ResponseError is an error status returned by the server.
type ResponseError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *ResponseError) Error() string {
	if len(e.Message) == 0 {
		return fmt.Sprintf("plc server: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("plc server: %d %s: %s", e.Status, e.Code, e.Message)
}

func readError(res *http.Response) *ResponseError {
	e := ResponseError{Status: res.StatusCode}
	b, err := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	if err != nil || json.Unmarshal(b, &e) != nil {
		e.Message = string(bytes.TrimSpace(b))
	}
	return &e
}

func notFound(err error, did string) error {
	var e *ResponseError
	if errors.As(err, &e) && e.Status == http.StatusNotFound {
		return &EmptyLogError{DID: did}
	}
	return err
}
