package sshproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/G-Research/git-proxy/internal/chain"
	"github.com/G-Research/git-proxy/internal/domain"
	"github.com/G-Research/git-proxy/internal/metrics"
	"github.com/G-Research/git-proxy/internal/processors"
)

const (
	uploadPack  = "git-upload-pack"
	receivePack = "git-receive-pack"
)

// ParseCommand splits a git exec command such as
// "git-upload-pack '/org/repo.git'" into its service and repository path.
func ParseCommand(cmd string) (service, repoPath string, ok bool) {
	cmd = strings.TrimSpace(cmd)
	if rest, found := strings.CutPrefix(cmd, "git "); found {
		cmd = "git-" + strings.TrimSpace(rest)
	}
	service, arg, found := strings.Cut(cmd, " ")
	if !found || (service != uploadPack && service != receivePack) {
		return "", "", false
	}
	arg = strings.TrimSpace(arg)
	arg = strings.Trim(arg, `'"`)
	arg = strings.Trim(arg, "/")
	if arg == "" || strings.ContainsAny(arg, "'\"\n") {
		return "", "", false
	}
	return service, arg, true
}

// RequestFor builds the chain request for a parsed exec command.
func RequestFor(service, repoPath string, user *domain.SSHUser) *chain.Request {
	req := &chain.Request{
		Protocol: domain.ProtocolSSH,
		Method:   http.MethodGet,
		Path:     "/" + repoPath + "/" + service,
		Header:   http.Header{},
		SSHUser:  user,
	}
	if service == receivePack {
		req.Method = http.MethodPost
		req.Header.Set("Content-Type", "application/x-git-receive-pack-request")
	}
	return req
}

type exitStatus struct {
	Status uint32
}

type session struct {
	srv    *Server
	conn   *ssh.ServerConn
	user   *domain.SSHUser
	ch     ssh.Channel
	logger *log.Entry

	env          map[string]string
	agentForward bool
}

func (s *Server) handleSession(ctx context.Context, conn *ssh.ServerConn, user *domain.SSHUser, ch ssh.Channel, reqs <-chan *ssh.Request, logger *log.Entry) {
	defer ch.Close()
	sess := &session{srv: s, conn: conn, user: user, ch: ch, logger: logger, env: map[string]string{}}
	for req := range reqs {
		switch req.Type {
		case "env":
			var kv struct{ Name, Value string }
			if err := ssh.Unmarshal(req.Payload, &kv); err == nil {
				sess.env[kv.Name] = kv.Value
			}
			reply(req, true)
		case "auth-agent-req@openssh.com":
			sess.agentForward = true
			reply(req, true)
		case "exec":
			var cmd struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &cmd); err != nil {
				reply(req, false)
				continue
			}
			reply(req, true)
			go ssh.DiscardRequests(reqs)
			code := sess.exec(ctx, cmd.Command)
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{Status: code}))
			return
		default:
			reply(req, false)
		}
	}
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		_ = req.Reply(ok, nil)
	}
}

func (s *session) fail(msg string) uint32 {
	_, _ = io.WriteString(s.ch.Stderr(), strings.TrimRight(msg, "\n")+"\n")
	return 1
}

func (s *session) exec(ctx context.Context, command string) uint32 {
	service, repoPath, ok := ParseCommand(command)
	if !ok {
		s.logger.WithField("command", command).Info("unsupported ssh command")
		return s.fail("Unsupported command")
	}
	logger := s.logger.WithFields(log.Fields{"service": service, "repo": repoPath})
	req := RequestFor(service, repoPath, s.user)
	command = fmt.Sprintf("%s '%s'", service, repoPath)

	if service == uploadPack {
		action := s.srv.cfg.Chain.Execute(ctx, req)
		if !action.Continue() {
			return s.fail(firstNonEmpty(action.BlockedMessage, action.ErrorMessage))
		}
		up, err := s.openUpstream(ctx, command)
		if err != nil {
			logger.WithError(err).Error("upstream connection failed")
			metrics.RelayErrors.WithLabelValues(domain.ProtocolSSH).Inc()
			return s.fail(err.Error())
		}
		defer up.Close()
		return up.relay(ctx, s.ch, nil, logger)
	}
	return s.receivePack(ctx, req, command, logger)
}

// receivePack relays the upstream ref advertisement, reads the client's
// ref update commands, and only then runs the chain, since the commands
// are what the push processors inspect.
func (s *session) receivePack(ctx context.Context, req *chain.Request, command string, logger *log.Entry) uint32 {
	up, err := s.openUpstream(ctx, command)
	if err != nil {
		logger.WithError(err).Error("upstream connection failed")
		metrics.RelayErrors.WithLabelValues(domain.ProtocolSSH).Inc()
		return s.fail(err.Error())
	}
	defer up.Close()

	if err := relayAdvertisement(s.ch, up.stdout); err != nil {
		logger.WithError(err).Warn("relay ref advertisement")
		return s.fail(err.Error())
	}
	commands, err := readCommands(s.ch)
	if err != nil {
		logger.WithError(err).Warn("read push commands")
		return s.fail(err.Error())
	}
	if isFlushOnly(commands) {
		// nothing to update
		return up.relay(ctx, s.ch, commands, logger)
	}

	req.Body = commands
	action := s.srv.cfg.Chain.Execute(ctx, req)
	if !s.srv.cfg.KeepStaging {
		defer processors.ReleaseStaging(s.srv.cfg.RemoteDir, action)
	}
	if action.Status() != "pending" {
		if err := s.srv.cfg.Engine.WriteAudit(context.WithoutCancel(ctx), action); err != nil {
			logger.WithError(err).Error("failed to write push audit record")
		}
	}
	if !action.Continue() {
		logger.WithFields(log.Fields{"action_id": action.ID, "status": action.Status()}).Info("push stopped")
		return s.fail(firstNonEmpty(action.BlockedMessage, action.ErrorMessage))
	}
	return up.relay(ctx, s.ch, commands, logger)
}

// relayAdvertisement copies pkt-lines from upstream to the client up to and
// including the first flush.
func relayAdvertisement(dst io.Writer, src io.Reader) error {
	scanner := pktline.NewScanner(src)
	enc := pktline.NewEncoder(dst)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			return enc.Flush()
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read ref advertisement: %w", err)
	}
	return io.ErrUnexpectedEOF
}

// readCommands returns the raw pkt-lines sent by the client up to and
// including the first flush.
func readCommands(src io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	scanner := pktline.NewScanner(io.TeeReader(src, &buf))
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			return buf.Bytes(), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read push commands: %w", err)
	}
	return nil, io.ErrUnexpectedEOF
}

func isFlushOnly(b []byte) bool {
	return bytes.Equal(b, []byte("0000"))
}

// relay writes prefix to the upstream, then splices the client channel and
// the upstream session until the upstream command exits. The upstream is
// closed as soon as ctx ends or the client side goes away, so Wait never
// outlives the client.
func (u *upstream) relay(ctx context.Context, ch ssh.Channel, prefix []byte, logger *log.Entry) uint32 {
	stop := context.AfterFunc(ctx, u.Close)
	defer stop()
	if len(prefix) > 0 {
		if _, err := u.stdin.Write(prefix); err != nil {
			logger.WithError(err).Warn("write to upstream")
			return 1
		}
	}
	go func() {
		if _, err := io.Copy(u.stdin, ch); err != nil {
			logger.WithError(err).Debug("client stdin copy failed")
			u.Close()
			return
		}
		_ = u.stdin.Close()
	}()
	if _, err := io.Copy(ch, u.stdout); err != nil {
		// the client is gone; the upstream would otherwise block on flow control
		logger.WithError(err).Debug("client write failed, closing upstream")
		u.Close()
	}
	err := u.session.Wait()
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		return uint32(exitErr.ExitStatus())
	case ctx.Err() != nil:
		logger.WithError(ctx.Err()).Info("relay canceled")
		return 1
	default:
		metrics.RelayErrors.WithLabelValues(domain.ProtocolSSH).Inc()
		logger.WithError(err).Warn("upstream session ended abnormally")
		return 1
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
