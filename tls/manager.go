package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-anime-cache/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// RenewBefore is how long before expiry a certificate counts as expiring.
const RenewBefore = 30 * 24 * time.Hour

type CertificateStatus struct {
	Domain          string    `json:"domain"`
	Status          string    `json:"status"`
	Issuer          string    `json:"issuer,omitempty"`
	NotAfter        time.Time `json:"not_after,omitempty"`
	DaysUntilExpiry int       `json:"days_until_expiry"`
	Error           string    `json:"error,omitempty"`
}

// CertManager provides the server certificate, either loaded from files
// once or obtained and renewed through ACME.
type CertManager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	config          *types.TLSConfig
	autocertMgr     *autocert.Manager
	mu              sync.RWMutex
	certificates    map[string]*tls.Certificate
	state           atomic.Value
	now             types.Clock
	renewalInterval time.Duration
	done            chan struct{}
}

func NewCertManager(ctx context.Context, logger types.Logger, config *types.TLSConfig) (*CertManager, error) {
	if config == nil || !config.Enabled {
		return nil, types.Errorf(types.ErrTLSConfigInvalid, "tls is disabled")
	}

	managerCtx, cancel := context.WithCancel(ctx)

	cm := &CertManager{
		ctx:             managerCtx,
		cancel:          cancel,
		logger:          logger,
		config:          config,
		certificates:    make(map[string]*tls.Certificate),
		now:             time.Now,
		renewalInterval: 12 * time.Hour,
	}

	cm.state.Store(StateStopped)

	var err error
	if config.AutoCert {
		err = cm.initializeAutocert()
	} else {
		err = cm.loadKeyPair()
	}
	if err != nil {
		cancel()
		return nil, err
	}

	return cm, nil
}

func (cm *CertManager) loadKeyPair() error {
	if cm.config.CertFile == "" || cm.config.KeyFile == "" {
		return types.Errorf(types.ErrTLSConfigInvalid, "cert_file and key_file are required without auto_cert")
	}

	cert, err := tls.LoadX509KeyPair(cm.config.CertFile, cm.config.KeyFile)
	if err != nil {
		return types.Errorf(types.ErrCertificateInvalid, "load key pair: %v", err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return types.Errorf(types.ErrCertificateInvalid, "parse certificate: %v", err)
	}

	now := cm.now()
	if now.Before(leaf.NotBefore) {
		return types.Errorf(types.ErrCertificateInvalid, "certificate not valid before %s", leaf.NotBefore)
	}
	if now.After(leaf.NotAfter) {
		return types.Errorf(types.ErrCertificateInvalid, "certificate expired at %s", leaf.NotAfter)
	}

	cert.Leaf = leaf
	name := leaf.Subject.CommonName
	if len(leaf.DNSNames) > 0 {
		name = leaf.DNSNames[0]
	}
	cm.certificates[name] = &cert

	return nil
}

func (cm *CertManager) initializeAutocert() error {
	if len(cm.config.Domains) == 0 {
		return types.Errorf(types.ErrTLSConfigInvalid, "auto_cert needs at least one domain")
	}
	for _, domain := range cm.config.Domains {
		if domain == "" {
			return types.Errorf(types.ErrTLSConfigInvalid, "empty domain name")
		}
	}

	cacheDir := cm.config.CacheDir
	if cacheDir == "" {
		cacheDir = "./certs"
	}
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return types.WrapError(err, "failed to create certificate cache directory")
	}

	cm.autocertMgr = &autocert.Manager{
		Cache:      autocert.DirCache(cacheDir),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cm.config.Domains...),
		Email:      cm.config.Email,
	}
	if cm.config.ACMEDirectory != "" {
		cm.autocertMgr.Client = &acme.Client{DirectoryURL: cm.config.ACMEDirectory}
	}

	return nil
}

// Config returns the server side TLS configuration.
func (cm *CertManager) Config() *tls.Config {
	config := &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
	}

	if cm.autocertMgr != nil {
		config.GetCertificate = cm.getCertificate
		config.NextProtos = append(config.NextProtos, acme.ALPNProto)
		return config
	}

	cm.mu.RLock()
	for _, cert := range cm.certificates {
		config.Certificates = append(config.Certificates, *cert)
	}
	cm.mu.RUnlock()

	return config
}

// Wrap turns a plain TCP listener into a TLS one.
func (cm *CertManager) Wrap(listener net.Listener) net.Listener {
	return tls.NewListener(listener, cm.Config())
}

func (cm *CertManager) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert, err := cm.autocertMgr.GetCertificate(hello)
	if err != nil {
		cm.logger.Error("Failed to get certificate",
			zap.String("server_name", hello.ServerName),
			zap.Error(err))
		return nil, err
	}

	if hello.ServerName != "" {
		cm.mu.Lock()
		cm.certificates[hello.ServerName] = cert
		cm.mu.Unlock()
	}

	return cert, nil
}

func (cm *CertManager) Start() error {
	if !cm.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	cm.done = make(chan struct{})
	if cm.autocertMgr != nil {
		cm.preloadCertificates()
		go cm.renewalMonitor()
	} else {
		close(cm.done)
	}

	cm.setState(StateRunning)
	cm.logger.Info("TLS certificate manager started",
		zap.Bool("auto_cert", cm.autocertMgr != nil),
		zap.Strings("domains", cm.domains()))

	return nil
}

func (cm *CertManager) Stop() error {
	if !cm.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	cm.cancel()
	<-cm.done

	cm.setState(StateStopped)
	cm.logger.Info("TLS certificate manager stopped")

	return nil
}

func (cm *CertManager) IsRunning() bool {
	return cm.getState() == StateRunning
}

func (cm *CertManager) getState() State {
	return cm.state.Load().(State)
}

func (cm *CertManager) setState(newState State) bool {
	currentState := cm.getState()
	return cm.state.CompareAndSwap(currentState, newState)
}

func (cm *CertManager) transitionState(from, to State) bool {
	return cm.state.CompareAndSwap(from, to)
}

func (cm *CertManager) preloadCertificates() {
	ctx, cancel := context.WithTimeout(cm.ctx, 60*time.Second)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	for _, domain := range cm.config.Domains {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}

			if _, err := cm.getCertificate(&tls.ClientHelloInfo{ServerName: domain}); err != nil {
				cm.logger.Warn("Failed to preload certificate", zap.String("domain", domain), zap.Error(err))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		cm.logger.Warn("Certificate preloading timeout", zap.Error(err))
	}
}

func (cm *CertManager) renewalMonitor() {
	defer close(cm.done)

	ticker := time.NewTicker(cm.renewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cm.renewExpiring()
		case <-cm.ctx.Done():
			return
		}
	}
}

func (cm *CertManager) renewExpiring() {
	for _, status := range cm.Status() {
		if status.Status == "valid" {
			continue
		}

		cm.logger.Info("Certificate renewal required",
			zap.String("domain", status.Domain),
			zap.Time("expires_at", status.NotAfter))

		if _, err := cm.getCertificate(&tls.ClientHelloInfo{ServerName: status.Domain}); err != nil {
			continue
		}
		cm.logger.Info("Certificate renewed", zap.String("domain", status.Domain))
	}
}

func (cm *CertManager) domains() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	domains := make([]string, 0, len(cm.certificates))
	for domain := range cm.certificates {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains
}

// Status reports every known certificate, sorted by domain.
func (cm *CertManager) Status() []CertificateStatus {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	now := cm.now()
	statuses := make([]CertificateStatus, 0, len(cm.certificates))

	for domain, cert := range cm.certificates {
		status := CertificateStatus{Domain: domain}

		leaf := cert.Leaf
		if leaf == nil && len(cert.Certificate) > 0 {
			leaf, _ = x509.ParseCertificate(cert.Certificate[0])
		}
		if leaf == nil {
			status.Status = "error"
			status.Error = "no certificate data"
			statuses = append(statuses, status)
			continue
		}

		status.Issuer = leaf.Issuer.String()
		status.NotAfter = leaf.NotAfter
		status.DaysUntilExpiry = int(leaf.NotAfter.Sub(now).Hours() / 24)

		switch {
		case !now.Before(leaf.NotAfter):
			status.Status = "expired"
		case leaf.NotAfter.Sub(now) <= RenewBefore:
			status.Status = "expiring_soon"
		default:
			status.Status = "valid"
		}

		statuses = append(statuses, status)
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Domain < statuses[j].Domain })
	return statuses
}

// HealthCheck is degraded while any certificate is expiring or unreadable
// and unhealthy once one has expired.
func (cm *CertManager) HealthCheck(_ context.Context) types.HealthCheck {
	check := types.HealthCheck{
		Name:    "tls",
		Status:  types.StatusHealthy,
		Details: map[string]interface{}{},
	}

	for _, status := range cm.Status() {
		check.Details[status.Domain] = status.Status

		switch status.Status {
		case "expired":
			check.Status = types.StatusUnhealthy
			check.Message = "certificate expired: " + status.Domain
		case "expiring_soon", "error":
			if check.Status == types.StatusHealthy {
				check.Status = types.StatusDegraded
				check.Message = "certificate needs attention: " + status.Domain
			}
		}
	}

	return check
}
