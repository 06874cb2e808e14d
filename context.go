package main

import (
	"context"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/crypto"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/harrybrwn/xdg"
	"github.com/pkg/errors"

	"github.com/harrybrwn/plc/internal/logcache"
	"github.com/harrybrwn/plc/plc"
)

const defaultHost = "http://localhost:2582"

type Context struct {
	ctx      context.Context
	logger   *slog.Logger
	client   *plc.Client
	cache    *logcache.LogCache
	resolver *logcache.Resolver
	policy   plc.Policy

	host       string
	policyName string
	noCache    bool
	purge      bool
	retries    int
	staleTTL   time.Duration
	maxTTL     time.Duration
}

func newContext() *Context {
	return &Context{
		ctx:        context.Background(),
		logger:     slog.Default(),
		host:       getEnv("PLC_HOST", defaultHost),
		policyName: "default",
		retries:    3,
		staleTTL:   time.Minute,
		maxTTL:     24 * time.Hour,
	}
}

func (cctx *Context) init(ctx context.Context) (err error) {
	cctx.ctx = ctx
	switch strings.ToLower(cctx.policyName) {
	case "", "default":
		cctx.policy = plc.DefaultPolicy
	case "recovery":
		cctx.policy = plc.RecoveryPolicy
	default:
		return errors.Errorf("unknown policy %q", cctx.policyName)
	}
	cctx.client, err = plc.NewClient(
		cctx.host,
		plc.WithLogger(cctx.logger),
		plc.WithPolicy(cctx.policy),
	)
	if err != nil {
		return err
	}
	if cctx.noCache {
		return nil
	}
	base := xdg.Cache("plc")
	if err = os.MkdirAll(base, 0755); err != nil {
		return errors.WithStack(err)
	}
	cctx.cache, err = logcache.Open(filepath.Join(base, "logs.sqlite"), cctx.staleTTL, cctx.maxTTL)
	if err != nil {
		return err
	}
	cctx.resolver = logcache.NewResolver(cctx.client, cctx.cache, cctx.policy)
	return nil
}

func (cctx *Context) cleanup() error {
	if cctx.cache != nil {
		return cctx.cache.Close()
	}
	return nil
}

// resolveLog returns the verified log of did, from the cache when allowed.
func (cctx *Context) resolveLog(did string) (plc.Log, error) {
	if cctx.resolver == nil {
		log, err := cctx.client.GetOperationLog(cctx.ctx, did)
		if err != nil {
			return nil, err
		}
		if len(log) == 0 {
			return nil, &plc.EmptyLogError{DID: did}
		}
		doc, err := plc.VerifyLog(log, cctx.policy)
		if err != nil {
			return nil, err
		}
		if doc.DID != did {
			return nil, &plc.BrokenChainError{Index: 0, Reason: "log derives " + doc.DID}
		}
		return log, nil
	}
	if cctx.purge {
		if err := cctx.resolver.Purge(cctx.ctx, did); err != nil {
			cctx.logger.Warn("failed to purge cache", "did", did, "error", err)
		}
	}
	return cctx.resolver.ResolveLog(cctx.ctx, did)
}

// forget drops did from the cache after a write.
func (cctx *Context) forget(did string) {
	if cctx.resolver == nil {
		return
	}
	if err := cctx.resolver.Purge(cctx.ctx, did); err != nil {
		cctx.logger.Warn("failed to purge cache", "did", did, "error", err)
	}
}

func parseDID(s string) (string, error) {
	did, err := syntax.ParseDID(s)
	if err != nil {
		return "", errors.WithStack(err)
	}
	if did.Method() != "plc" {
		return "", errors.Errorf("%q is not a did:plc identifier", s)
	}
	return did.String(), nil
}

// loadKey reads a hex encoded secp256k1 private key. The value may also be a
// path to a file holding the hex key.
func loadKey(value string) (*crypto.PrivateKeyK256, error) {
	value = strings.TrimSpace(value)
	if len(value) == 0 {
		return nil, errors.New("no private key given")
	}
	if raw, err := os.ReadFile(value); err == nil {
		value = strings.TrimSpace(string(raw))
	}
	b, err := hex.DecodeString(value)
	if err != nil {
		return nil, errors.Wrap(err, "private key must be hex encoded")
	}
	key, err := crypto.ParsePrivateBytesK256(b)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return key, nil
}

// publicDIDKey accepts either a did:key or a private key and returns the
// did:key.
func publicDIDKey(value string) (string, error) {
	if strings.HasPrefix(value, "did:key:") {
		if _, err := crypto.ParsePublicDIDKey(value); err != nil {
			return "", errors.WithStack(err)
		}
		return value, nil
	}
	key, err := loadKey(value)
	if err != nil {
		return "", err
	}
	pub, err := key.PublicKey()
	if err != nil {
		return "", errors.WithStack(err)
	}
	return pub.DIDKey(), nil
}

func flagOrEnv(value, key string) string {
	if len(value) > 0 {
		return value
	}
	return os.Getenv(key)
}

func getEnv(key, deflt string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return deflt
}
