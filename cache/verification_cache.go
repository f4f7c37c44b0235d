package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"escrowbet/metrics"
	"escrowbet/models"
	"escrowbet/service"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const keyPrefix = "escrowbet:verify:"

// CachedVerifier serves definitive verification results from Redis.
// Gateway errors are never cached so a later call reaches the ledger again.
type CachedVerifier struct {
	next   service.PaymentVerifier
	rdb    *redis.Client
	ttl    time.Duration
	maxAge time.Duration
	now    func() time.Time
}

// NewCachedVerifier wraps next. ttl is clamped to maxAge, the payment freshness window.
func NewCachedVerifier(next service.PaymentVerifier, rdb *redis.Client, ttl, maxAge time.Duration) *CachedVerifier {
	if maxAge > 0 && ttl > maxAge {
		ttl = maxAge
	}
	return &CachedVerifier{
		next:   next,
		rdb:    rdb,
		ttl:    ttl,
		maxAge: maxAge,
		now:    time.Now,
	}
}

func (c *CachedVerifier) VerifyNativeTransfer(ctx context.Context, ref, fromAddr, toAddr string, expectedAmount uint64, tolerancePercent decimal.Decimal) (*models.VerificationResult, error) {
	exp := models.PaymentExpectation{
		Ref:              ref,
		From:             fromAddr,
		To:               toAddr,
		ExpectedAmount:   expectedAmount,
		TolerancePercent: tolerancePercent,
	}
	return c.verify(ctx, exp, func() (*models.VerificationResult, error) {
		return c.next.VerifyNativeTransfer(ctx, ref, fromAddr, toAddr, expectedAmount, tolerancePercent)
	})
}

func (c *CachedVerifier) VerifyAssetTransfer(ctx context.Context, ref, fromAddr, toAddr string, expectedAmount uint64, assetID string, tolerancePercent decimal.Decimal) (*models.VerificationResult, error) {
	exp := models.PaymentExpectation{
		Ref:              ref,
		From:             fromAddr,
		To:               toAddr,
		ExpectedAmount:   expectedAmount,
		AssetID:          assetID,
		TolerancePercent: tolerancePercent,
	}
	return c.verify(ctx, exp, func() (*models.VerificationResult, error) {
		return c.next.VerifyAssetTransfer(ctx, ref, fromAddr, toAddr, expectedAmount, assetID, tolerancePercent)
	})
}

func (c *CachedVerifier) verify(ctx context.Context, exp models.PaymentExpectation, load func() (*models.VerificationResult, error)) (*models.VerificationResult, error) {
	key := Key(exp)

	cached, err := c.get(ctx, key)
	if err != nil {
		log.WithFields(log.Fields{
			"ref":   exp.Ref,
			"error": err,
		}).Warn("Verification cache read failed")
	} else if cached != nil {
		metrics.RecordVerificationCacheHit()
		return cached, nil
	}

	result, err := load()
	if err != nil || result == nil {
		return result, err
	}

	ttl := c.ttlFor(result)
	if ttl <= 0 {
		return result, nil
	}
	if err := c.set(ctx, key, result, ttl); err != nil {
		log.WithFields(log.Fields{
			"ref":   exp.Ref,
			"error": err,
		}).Warn("Verification cache write failed")
	}
	return result, nil
}

// ttlFor returns how long a result may be served from cache, or zero if it must not be cached.
// A valid result expires with its transaction's freshness. An unknown reference is not cached
// because it may still confirm.
func (c *CachedVerifier) ttlFor(result *models.VerificationResult) time.Duration {
	if result.Reason.Retryable() || result.Reason == models.ReasonNotFound {
		return 0
	}
	ttl := c.ttl
	if result.Valid && c.maxAge > 0 && result.BlockTime > 0 {
		remaining := time.Unix(result.BlockTime, 0).Add(c.maxAge).Sub(c.now())
		if remaining < ttl {
			ttl = remaining
		}
	}
	return ttl
}

func (c *CachedVerifier) get(ctx context.Context, key string) (*models.VerificationResult, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var result models.VerificationResult
	if err := json.Unmarshal(b, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *CachedVerifier) set(ctx context.Context, key string, result *models.VerificationResult, ttl time.Duration) error {
	b, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, b, ttl).Err()
}

// Key identifies a cached result by payment reference and everything the caller expected of it
func Key(exp models.PaymentExpectation) string {
	h := sha256.New()
	for _, part := range []string{
		exp.From,
		exp.To,
		exp.AssetID,
		strconv.FormatUint(exp.ExpectedAmount, 10),
		exp.TolerancePercent.String(),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return keyPrefix + exp.Ref + ":" + hex.EncodeToString(h.Sum(nil)[:16])
}
