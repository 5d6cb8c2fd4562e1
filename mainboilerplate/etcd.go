package mainboilerplate

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdConfig configures the bookie's Etcd coordinator session.
type EtcdConfig struct {
	Address       string        `long:"address" env:"ADDRESS" default:"localhost:2379" description:"Etcd service address"`
	CertFile      string        `long:"cert-file" env:"CERT_FILE" default:"" description:"Path to the client TLS certificate"`
	CertKeyFile   string        `long:"cert-key-file" env:"CERT_KEY_FILE" default:"" description:"Path to the client TLS private key"`
	TrustedCAFile string        `long:"trusted-ca-file" env:"TRUSTED_CA_FILE" default:"" description:"Path to the trusted CA for client verification of server certificates"`
	LeaseTTL      time.Duration `long:"lease" env:"LEASE_TTL" default:"20s" description:"Time-to-live of the Etcd lease backing this bookie's coordinator registration"`
}

// MustDial builds an Etcd client connection, blocking on an initial trial
// dial so a misconfiguration or network partition fails fast rather than
// looping a crash/restart cycle.
func (c *EtcdConfig) MustDial() *clientv3.Client {
	var tlsConfig *tls.Config
	if c.CertFile != "" || c.CertKeyFile != "" || c.TrustedCAFile != "" {
		var err error
		tlsConfig, err = buildTLSConfig(c.CertFile, c.CertKeyFile, c.TrustedCAFile)
		Must(err, "failed to build TLS config")
	}

	var timer = time.AfterFunc(time.Second, func() {
		log.WithField("address", c.Address).Warn("dialing Etcd is taking a while (is network okay?)")
	})
	trialEtcd, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{c.Address},
		DialTimeout: 10 * time.Second,
		TLS:         tlsConfig,
	})
	Must(err, "failed to build trial Etcd client")
	Must(func() error {
		var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return trialEtcd.Sync(ctx)
	}(), "initial trial dial of Etcd failed")

	_ = trialEtcd.Close()
	timer.Stop()

	etcd, err := clientv3.New(clientv3.Config{
		Endpoints:            []string{c.Address},
		AutoSyncInterval:     time.Minute,
		DialTimeout:          c.LeaseTTL / 20,
		DialKeepAliveTime:    c.LeaseTTL / 4,
		DialKeepAliveTimeout: c.LeaseTTL / 4,
		RejectOldCluster:     true,
		TLS:                  tlsConfig,
	})
	Must(err, "failed to build Etcd client")

	Must(etcd.Sync(context.Background()), "initial Etcd endpoint sync failed")
	return etcd
}

// buildTLSConfig loads a client certificate/key pair and trusted CA bundle
// from disk. Any of the three paths may be empty to skip that half of the
// config (e.g. a trusted CA with no client certificate for server-only
// verification).
func buildTLSConfig(certFile, certKeyFile, trustedCAFile string) (*tls.Config, error) {
	var cfg = &tls.Config{}

	if certFile != "" && certKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, certKeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if trustedCAFile != "" {
		pem, err := os.ReadFile(trustedCAFile)
		if err != nil {
			return nil, err
		}
		var pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, os.ErrInvalid
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
