// Package sshproxy is the SSH front-end. It authenticates git clients
// against the user store, runs their exec command through the chain and
// relays allowed sessions to the upstream git host.
package sshproxy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/G-Research/git-proxy/internal/chain"
	"github.com/G-Research/git-proxy/internal/config"
	"github.com/G-Research/git-proxy/internal/domain"
	"github.com/G-Research/git-proxy/internal/engine"
	"github.com/G-Research/git-proxy/internal/metrics"
	"github.com/G-Research/git-proxy/internal/repo"
)

const (
	extUsername    = "git-proxy-username"
	extKey         = "git-proxy-key"
	extFingerprint = "git-proxy-fingerprint"
)

type Config struct {
	Chain  *chain.Chain
	Engine engine.Engine

	HostSigner ssh.Signer

	UpstreamAddr string
	UpstreamUser string
	// RelayIdentity selects the upstream credentials: config.RelayProxy
	// uses RelaySigner, config.RelayAgent prefers the client's forwarded
	// agent.
	RelayIdentity   string
	RelaySigner     ssh.Signer
	HostKeyCallback ssh.HostKeyCallback

	KeepaliveInterval time.Duration
	KeepaliveCountMax int
	ReadyTimeout      time.Duration

	RemoteDir   string
	KeepStaging bool
}

type Server struct {
	cfg    Config
	sshCfg *ssh.ServerConfig

	mu sync.Mutex
	// keyOffers marks connections, by remote address, that tried a key.
	keyOffers map[string]bool

	wg sync.WaitGroup
}

func New(cfg Config) (*Server, error) {
	if cfg.Chain == nil {
		return nil, errors.New("sshproxy: chain is required")
	}
	if cfg.HostSigner == nil {
		return nil, errors.New("sshproxy: host key is required")
	}
	if cfg.UpstreamUser == "" {
		cfg.UpstreamUser = "git"
	}
	if cfg.RelayIdentity == "" {
		cfg.RelayIdentity = config.RelayProxy
	}
	if cfg.HostKeyCallback == nil {
		log.Warn("no known_hosts configured, upstream host keys are not verified")
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	s := &Server{cfg: cfg, keyOffers: map[string]bool{}}
	s.sshCfg = &ssh.ServerConfig{
		PublicKeyCallback: s.publicKeyAuth,
		PasswordCallback:  s.passwordAuth,
		ServerVersion:     "SSH-2.0-git-proxy",
	}
	s.sshCfg.AddHostKey(cfg.HostSigner)
	return s, nil
}

// LoadSigner reads an unencrypted PEM or OpenSSH private key.
func LoadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return signer, nil
}

// KeyString formats a key the way user keys are stored.
func KeyString(key ssh.PublicKey) string {
	return key.Type() + " " + base64.StdEncoding.EncodeToString(key.Marshal())
}

func (s *Server) publicKeyAuth(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	s.mu.Lock()
	s.keyOffers[meta.RemoteAddr().String()] = true
	s.mu.Unlock()

	keyString := KeyString(key)
	u, err := s.cfg.Engine.Repo.FindUserBySSHKey(context.Background(), keyString)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			log.WithError(err).Error("ssh key lookup failed")
		}
		log.WithFields(log.Fields{"remote": meta.RemoteAddr().String(), "fingerprint": ssh.FingerprintSHA256(key)}).Info("ssh public key rejected")
		return nil, errors.New("rejected")
	}
	log.WithFields(log.Fields{"user": u.Username, "fingerprint": ssh.FingerprintSHA256(key)}).Info("ssh public key accepted")
	return &ssh.Permissions{Extensions: map[string]string{
		extUsername:    u.Username,
		extKey:         keyString,
		extFingerprint: ssh.FingerprintSHA256(key),
	}}, nil
}

func (s *Server) passwordAuth(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	s.mu.Lock()
	offered := s.keyOffers[meta.RemoteAddr().String()]
	s.mu.Unlock()
	if offered {
		log.WithField("user", meta.User()).Info("ssh password refused after public key attempt")
		return nil, errors.New("rejected")
	}
	u, ok, err := s.cfg.Engine.VerifyPassword(context.Background(), meta.User(), string(password))
	if err != nil {
		log.WithError(err).Error("ssh password lookup failed")
		return nil, errors.New("rejected")
	}
	if !ok {
		log.WithField("user", meta.User()).Info("ssh password rejected")
		return nil, errors.New("rejected")
	}
	return &ssh.Permissions{Extensions: map[string]string{extUsername: u.Username}}, nil
}

func sshUser(perms *ssh.Permissions) *domain.SSHUser {
	if perms == nil {
		return nil
	}
	u := &domain.SSHUser{Username: perms.Extensions[extUsername]}
	if key := perms.Extensions[extKey]; key != "" {
		algo, _, _ := strings.Cut(key, " ")
		u.SSHKeyInfo = domain.SSHKeyInfo{
			Algorithm:       algo,
			Fingerprint:     perms.Extensions[extFingerprint],
			PublicKeyString: key,
		}
	}
	return u
}

// Start listens on addr and serves until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ssh listen %s: %w", addr, err)
	}
	log.WithField("addr", l.Addr().String()).Info("ssh proxy listening")
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is canceled, then waits for
// open connections to finish.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	metrics.SSHConnections.Inc()
	defer metrics.SSHConnections.Dec()
	remote := nc.RemoteAddr().String()
	logger := log.WithField("remote", remote)
	defer func() {
		s.mu.Lock()
		delete(s.keyOffers, remote)
		s.mu.Unlock()
	}()

	if s.cfg.ReadyTimeout > 0 {
		_ = nc.SetDeadline(time.Now().Add(s.cfg.ReadyTimeout))
	}
	sconn, chans, reqs, err := ssh.NewServerConn(nc, s.sshCfg)
	if err != nil {
		logger.WithError(err).Info("ssh handshake failed")
		nc.Close()
		return
	}
	_ = nc.SetDeadline(time.Time{})
	defer sconn.Close()

	user := sshUser(sconn.Permissions)
	logger = logger.WithField("user", user.Username)
	logger.Info("ssh client ready")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		sconn.Close()
	}()
	go func() {
		// the client dropped; unblock any session still relaying
		_ = sconn.Wait()
		cancel()
	}()
	go ssh.DiscardRequests(reqs)
	go s.keepalive(connCtx, sconn, logger)

	var wg sync.WaitGroup
	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			logger.WithError(err).Warn("accept session")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleSession(connCtx, sconn, user, ch, chReqs, logger)
		}()
	}
	wg.Wait()
	logger.Info("ssh client disconnected")
}

// keepalive closes the connection after KeepaliveCountMax unanswered probes.
func (s *Server) keepalive(ctx context.Context, sconn *ssh.ServerConn, logger *log.Entry) {
	if s.cfg.KeepaliveInterval <= 0 {
		return
	}
	maxMissed := s.cfg.KeepaliveCountMax
	if maxMissed <= 0 {
		maxMissed = 3
	}
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()
	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		replied := make(chan error, 1)
		go func() {
			_, _, err := sconn.SendRequest("keepalive@openssh.com", true, nil)
			replied <- err
		}()
		select {
		case <-ctx.Done():
			return
		case err := <-replied:
			if err != nil {
				return
			}
			missed = 0
		case <-time.After(s.cfg.KeepaliveInterval):
			missed++
			if missed >= maxMissed {
				logger.Warn("ssh keepalive timeout, closing connection")
				sconn.Close()
				return
			}
		}
	}
}
