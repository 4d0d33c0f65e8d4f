package wallet

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	HeaderTransmissionID   = "Wallet-Transmission-Id"
	HeaderTransmissionTime = "Wallet-Transmission-Time"
	HeaderTransmissionSig  = "Wallet-Transmission-Sig"
	HeaderCertURL          = "Wallet-Cert-Url"
	HeaderAuthAlgo         = "Wallet-Auth-Algo"

	supportedAuthAlgo = "SHA256withRSA"
	maxCachedCerts    = 16
	maxCertBytes      = 64 << 10
)

var (
	errNoWebhookID       = errors.New("no webhook id configured")
	errMissingHeaders    = errors.New("missing transmission headers")
	errUnsupportedAlgo   = errors.New("unsupported auth algorithm")
	errOutsideTolerance  = errors.New("transmission time outside tolerance")
	errCertURLNotAllowed = errors.New("certificate url not allowed")
	errCertExpired       = errors.New("signing certificate not valid now")
	errNotRSAKey         = errors.New("signing certificate is not RSA")
)

type cachedCert struct {
	cert *x509.Certificate
}

func (c *Client) VerifyWebhook(ctx context.Context, rawBody []byte, headers http.Header) bool {
	if err := c.verify(ctx, rawBody, headers); err != nil {
		c.logger.Warn("Wallet webhook signature rejected",
			zap.String("transmission_id", headers.Get(HeaderTransmissionID)),
			zap.Error(err),
		)
		return false
	}
	return true
}

// signedMessage is the string the gateway signs: transmission id, time,
// the webhook id of this endpoint and the CRC32 of the raw body.
func signedMessage(transmissionID, transmissionTime, webhookID string, rawBody []byte) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%d", transmissionID, transmissionTime, webhookID, crc32.ChecksumIEEE(rawBody)))
}

func (c *Client) verify(ctx context.Context, rawBody []byte, h http.Header) error {
	if c.cfg.WebhookID == "" {
		return errNoWebhookID
	}
	id := h.Get(HeaderTransmissionID)
	tsRaw := h.Get(HeaderTransmissionTime)
	sigRaw := h.Get(HeaderTransmissionSig)
	certURL := h.Get(HeaderCertURL)
	algo := h.Get(HeaderAuthAlgo)
	if id == "" || tsRaw == "" || sigRaw == "" || certURL == "" || algo == "" {
		return errMissingHeaders
	}
	if algo != supportedAuthAlgo {
		return fmt.Errorf("%w: %s", errUnsupportedAlgo, algo)
	}

	ts, err := time.Parse(time.RFC3339, tsRaw)
	if err != nil {
		return fmt.Errorf("parse transmission time: %w", err)
	}
	now := c.now()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > c.cfg.Tolerance {
		return errOutsideTolerance
	}

	if !c.certURLAllowed(certURL) {
		return fmt.Errorf("%w: %s", errCertURLNotAllowed, certURL)
	}
	sig, err := base64.StdEncoding.DecodeString(sigRaw)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}

	cert, err := c.certificate(ctx, certURL)
	if err != nil {
		return err
	}
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return errCertExpired
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return errNotRSAKey
	}

	digest := sha256.Sum256(signedMessage(id, tsRaw, c.cfg.WebhookID, rawBody))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("signature mismatch: %w", err)
	}
	return nil
}

func (c *Client) certURLAllowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.User != nil || strings.Contains(u.Path, "..") {
		return false
	}
	for _, prefix := range c.cfg.CertURLPrefixes {
		if prefix != "" && strings.HasPrefix(raw, prefix) {
			return true
		}
	}
	return false
}

func (c *Client) certificate(ctx context.Context, certURL string) (*x509.Certificate, error) {
	c.certMu.RLock()
	cached, ok := c.certs[certURL]
	c.certMu.RUnlock()
	if ok {
		return cached.cert, nil
	}

	cert, err := c.fetchCertificate(ctx, certURL)
	if err != nil {
		return nil, err
	}

	c.certMu.Lock()
	if len(c.certs) >= maxCachedCerts {
		c.certs = make(map[string]*cachedCert)
	}
	c.certs[certURL] = &cachedCert{cert: cert}
	c.certMu.Unlock()
	return cert, nil
}

func (c *Client) fetchCertificate(ctx context.Context, certURL string) (*x509.Certificate, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, certURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build certificate request: %w", err)
	}
	resp, err := c.certClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch certificate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch certificate: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCertBytes))
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("certificate response is not a PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}
