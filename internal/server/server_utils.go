package server

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/config"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/stomp"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/utils"
)

const acceptRetryDelay = 50 * time.Millisecond

var webSocketSubprotocols = []string{"v12.stomp", "v10.stomp"}

type limits struct {
	frame           stomp.Limits
	readBufferSize  int
	writeQueueDepth int
	flushTimeout    time.Duration
	connectTimeout  time.Duration
}

func limitsFromConfig(cfg *config.Config) limits {
	l := limits{
		frame: stomp.Limits{
			MinCommandLength: cfg.Frame.MinCommandLength,
			MaxCommandLength: cfg.Frame.MaxCommandLength,
			MaxHeaders:       cfg.Frame.MaxHeaders,
			MaxHeaderLength:  cfg.Frame.MaxHeaderLength,
			MaxBodySize:      cfg.Frame.MaxBodySize,
		},
		readBufferSize:  cfg.Server.ReadBufferSize,
		writeQueueDepth: cfg.Server.WriteQueueDepth,
		flushTimeout:    utils.DurationOr(cfg.Server.FlushTimeout, 5*time.Second),
		connectTimeout:  utils.DurationOr(cfg.Server.ConnectTimeout, time.Minute),
	}
	if l.readBufferSize <= 0 {
		l.readBufferSize = 8192
	}
	if l.writeQueueDepth <= 0 {
		l.writeQueueDepth = 1024
	}
	defaults := stomp.DefaultLimits()
	if l.frame.MaxCommandLength <= 0 {
		l.frame.MaxCommandLength = defaults.MaxCommandLength
	}
	if l.frame.MaxHeaders <= 0 {
		l.frame.MaxHeaders = defaults.MaxHeaders
	}
	if l.frame.MaxHeaderLength <= 0 {
		l.frame.MaxHeaderLength = defaults.MaxHeaderLength
	}
	if l.frame.MaxBodySize <= 0 {
		l.frame.MaxBodySize = defaults.MaxBodySize
	}
	return l
}

func buildTLSConfig(cfg *config.Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.Server.CertFile, cfg.Server.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.Server.ClientCAFile == "" {
		if cfg.Server.RequireClientAuth {
			return nil, errors.New("require_client_auth needs client_ca_file")
		}
		return tlsConfig, nil
	}

	pem, err := os.ReadFile(cfg.Server.ClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("read client ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificate found in %s", cfg.Server.ClientCAFile)
	}
	tlsConfig.ClientCAs = pool
	if cfg.Server.RequireClientAuth {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return tlsConfig, nil
}

func newTLSListener(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(ln, tlsConfig), nil
}
