package card

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SignatureHeader carries "t=<unix seconds>,v1=<hex hmac>[,v1=...]".
const SignatureHeader = "Card-Signature"

var (
	errMissingSignature  = errors.New("missing signature header")
	errMalformedHeader   = errors.New("malformed signature header")
	errOutsideTolerance  = errors.New("timestamp outside tolerance")
	errNoMatchingSig     = errors.New("no signature matches")
	errNoSecretsProvided = errors.New("no webhook secret configured")
)

func (c *Client) VerifyWebhook(_ context.Context, rawBody []byte, headers http.Header) bool {
	if err := c.verify(rawBody, headers.Get(SignatureHeader)); err != nil {
		c.logger.Warn("Card webhook signature rejected", zap.Error(err))
		return false
	}
	return true
}

func (c *Client) verify(rawBody []byte, header string) error {
	if len(c.cfg.WebhookSecrets) == 0 {
		return errNoSecretsProvided
	}
	if header == "" {
		return errMissingSignature
	}

	var timestamp string
	var signatures [][]byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			timestamp = v
		case "v1":
			sig, err := hex.DecodeString(v)
			if err != nil {
				continue
			}
			signatures = append(signatures, sig)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return errMalformedHeader
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errMalformedHeader
	}
	skew := c.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > c.cfg.Tolerance {
		return errOutsideTolerance
	}

	for _, secret := range c.cfg.WebhookSecrets {
		expected := computeSignature(secret, timestamp, rawBody)
		for _, sig := range signatures {
			if hmac.Equal(expected, sig) {
				return nil
			}
		}
	}
	return errNoMatchingSig
}

func computeSignature(secret, timestamp string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}
