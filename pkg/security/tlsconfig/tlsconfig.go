// Package tlsconfig builds mutual-TLS configurations shared by the peer
// transport and the management API.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sync"
    "time"
)

// ReloadInterval bounds how long a loaded certificate is reused before the
// files are read again.
const ReloadInterval = 10 * time.Second

// Options defines mTLS configuration inputs.
type Options struct {
    Enable             bool
    CAFile             string
    CertFile           string
    KeyFile            string
    InsecureSkipVerify bool
    ServerName         string
}

func loadPool(path string) (*x509.CertPool, error) {
    pem, err := os.ReadFile(path)
    if err != nil { return nil, err }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(pem) { return nil, fmt.Errorf("tls: no certificates in %s", path) }
    return pool, nil
}

// certCache reloads a key pair from disk at most once per ReloadInterval so
// certificates can be rotated by replacing the files.
type certCache struct {
    certFile, keyFile string

    mu     sync.RWMutex
    cached *tls.Certificate
    loaded time.Time
}

func (c *certCache) get() (*tls.Certificate, error) {
    c.mu.RLock()
    if c.cached != nil && time.Since(c.loaded) < ReloadInterval {
        cert := c.cached
        c.mu.RUnlock()
        return cert, nil
    }
    c.mu.RUnlock()
    cert, err := tls.LoadX509KeyPair(c.certFile, c.keyFile)
    if err != nil { return nil, err }
    c.mu.Lock()
    c.cached, c.loaded = &cert, time.Now()
    c.mu.Unlock()
    return &cert, nil
}

// Server returns a tls.Config for servers if enabled, otherwise nil. With a
// CA file, clients must present a certificate signed by it.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" { return nil, errors.New("tls: server cert/key required when TLS enabled") }
    cache := &certCache{certFile: o.CertFile, keyFile: o.KeyFile}
    // fail fast on unreadable files instead of at the first handshake
    if _, err := cache.get(); err != nil { return nil, err }
    cfg := &tls.Config{
        MinVersion:     tls.VersionTLS12,
        GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return cache.get() },
    }
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    return cfg, nil
}

// Client returns a tls.Config for clients if enabled, otherwise nil. The
// client certificate is optional.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: o.InsecureSkipVerify, ServerName: o.ServerName} //nolint:gosec
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    if o.CertFile != "" && o.KeyFile != "" {
        cache := &certCache{certFile: o.CertFile, keyFile: o.KeyFile}
        if _, err := cache.get(); err != nil { return nil, err }
        cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return cache.get() }
    }
    return cfg, nil
}
