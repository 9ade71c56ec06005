// Package tlsutil provides TLS certificate loading with automatic reload
// via filesystem notifications for zero-downtime certificate rotation.
package tlsutil

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of fs events a certificate rotation
// produces into one reload.
const reloadDebounce = 300 * time.Millisecond

// CertLoader loads a TLS certificate from disk and watches the cert and key
// files for changes, reloading on rotation. Rotation by rename or removal
// (how Kubernetes updates mounted secrets) is handled by re-adding the
// watch on the new file.
type CertLoader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}

	mu       sync.RWMutex
	cert     *tls.Certificate
	loadedAt time.Time
}

// New loads the initial certificate and starts watching both files.
// Returns an error if the initial load fails.
func New(certFile, keyFile string, logger *slog.Logger) (*CertLoader, error) {
	cl := &CertLoader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	if err := cl.loadCert(); err != nil {
		return nil, fmt.Errorf("initial certificate load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	for _, f := range []string{certFile, keyFile} {
		if err := watcher.Add(f); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watching %s: %w", f, err)
		}
	}

	cl.watcher = watcher
	go cl.watchLoop()

	logger.Info("TLS certificate loaded, watching for changes",
		"cert_file", certFile, "key_file", keyFile)

	return cl, nil
}

// TLSConfig returns a server TLS config that serves the currently loaded
// certificate on each handshake.
func (cl *CertLoader) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: cl.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

// GetCertificate is the tls.Config.GetCertificate callback. It is called
// on every TLS handshake.
func (cl *CertLoader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.cert, nil
}

// LoadedAt reports when the current certificate was read from disk.
func (cl *CertLoader) LoadedAt() time.Time {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.loadedAt
}

// Reload reloads the cert/key from disk. On failure the current
// certificate stays in service.
func (cl *CertLoader) Reload() error {
	if err := cl.loadCert(); err != nil {
		cl.logger.Error("TLS certificate reload failed, keeping current",
			"error", err, "cert_file", cl.certFile, "key_file", cl.keyFile)
		return err
	}
	cl.logger.Info("TLS certificate reloaded", "cert_file", cl.certFile, "key_file", cl.keyFile)
	return nil
}

// Stop terminates the file watcher.
func (cl *CertLoader) Stop() {
	close(cl.stopCh)
	if cl.watcher != nil {
		cl.watcher.Close()
	}
}

func (cl *CertLoader) loadCert() error {
	cert, err := tls.LoadX509KeyPair(cl.certFile, cl.keyFile)
	if err != nil {
		return err
	}
	cl.mu.Lock()
	cl.cert = &cert
	cl.loadedAt = time.Now()
	cl.mu.Unlock()
	return nil
}

func (cl *CertLoader) watchLoop() {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case event, ok := <-cl.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
				// The watch follows the inode; after a rotation it must be
				// re-added on the path. The new file may lag the event.
				time.Sleep(50 * time.Millisecond)
				if err := cl.watcher.Add(event.Name); err != nil {
					cl.logger.Error("re-adding TLS file watch failed",
						"file", event.Name, "error", err)
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				debounce.Reset(reloadDebounce)
			}
		case <-debounce.C:
			cl.Reload() //nolint:errcheck
		case err, ok := <-cl.watcher.Errors:
			if !ok {
				return
			}
			cl.logger.Error("TLS cert file watcher error", "error", err)
		case <-cl.stopCh:
			debounce.Stop()
			return
		}
	}
}
