package sshproxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/G-Research/git-proxy/internal/config"
)

type upstream struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	agentCh ssh.Channel

	closeOnce sync.Once
}

// Close tears down the upstream session and connection. It is safe to call
// from several goroutines.
func (u *upstream) Close() {
	u.closeOnce.Do(func() {
		u.session.Close()
		u.client.Close()
		if u.agentCh != nil {
			u.agentCh.Close()
		}
	})
}

// openUpstream dials the upstream host and starts command there. Upstream
// stderr goes straight to the client.
func (s *session) openUpstream(ctx context.Context, command string) (*upstream, error) {
	cfg := s.srv.cfg
	u := &upstream{}
	auth, err := s.relayAuth(u)
	if err != nil {
		return nil, err
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.UpstreamUser,
		Auth:            auth,
		HostKeyCallback: cfg.HostKeyCallback,
		Timeout:         cfg.ReadyTimeout,
	}
	d := net.Dialer{Timeout: cfg.ReadyTimeout}
	nc, err := d.DialContext(ctx, "tcp", cfg.UpstreamAddr)
	if err != nil {
		u.closeAgent()
		return nil, fmt.Errorf("connect to upstream %s: %w", cfg.UpstreamAddr, err)
	}
	cc, chans, reqs, err := ssh.NewClientConn(nc, cfg.UpstreamAddr, clientCfg)
	if err != nil {
		nc.Close()
		u.closeAgent()
		return nil, fmt.Errorf("upstream handshake: %w", err)
	}
	u.client = ssh.NewClient(cc, chans, reqs)

	u.session, err = u.client.NewSession()
	if err != nil {
		u.client.Close()
		u.closeAgent()
		return nil, fmt.Errorf("upstream session: %w", err)
	}
	if v, ok := s.env["GIT_PROTOCOL"]; ok && strings.HasPrefix(command, uploadPack) {
		_ = u.session.Setenv("GIT_PROTOCOL", v)
	}
	u.session.Stderr = s.ch.Stderr()
	if u.stdin, err = u.session.StdinPipe(); err != nil {
		u.Close()
		return nil, err
	}
	if u.stdout, err = u.session.StdoutPipe(); err != nil {
		u.Close()
		return nil, err
	}
	if err := u.session.Start(command); err != nil {
		u.Close()
		return nil, fmt.Errorf("start %s upstream: %w", command, err)
	}
	s.logger.WithFields(log.Fields{"upstream": cfg.UpstreamAddr, "command": command}).Debug("upstream session started")
	return u, nil
}

func (u *upstream) closeAgent() {
	if u.agentCh != nil {
		u.agentCh.Close()
	}
}

// relayAuth picks the upstream credentials. With the agent identity the
// client's forwarded agent keys are tried before the proxy key.
func (s *session) relayAuth(u *upstream) ([]ssh.AuthMethod, error) {
	cfg := s.srv.cfg
	var methods []ssh.AuthMethod
	if cfg.RelayIdentity == config.RelayAgent {
		if s.agentForward {
			ch, reqs, err := s.conn.OpenChannel("auth-agent@openssh.com", nil)
			if err == nil {
				go ssh.DiscardRequests(reqs)
				u.agentCh = ch
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(ch).Signers))
			} else {
				s.logger.WithError(err).Info("client agent unavailable, using proxy key")
			}
		} else {
			s.logger.Info("client did not forward an agent, using proxy key")
		}
	}
	if cfg.RelaySigner != nil {
		methods = append(methods, ssh.PublicKeys(cfg.RelaySigner))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no upstream credentials available")
	}
	return methods, nil
}
