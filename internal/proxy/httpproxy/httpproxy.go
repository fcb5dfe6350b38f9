// Package httpproxy is the smart-HTTP front-end. Every request runs through
// the chain; allowed ones are reverse proxied to the upstream git host.
package httpproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/git-proxy/internal/chain"
	"github.com/G-Research/git-proxy/internal/domain"
	"github.com/G-Research/git-proxy/internal/engine"
	"github.com/G-Research/git-proxy/internal/metrics"
	"github.com/G-Research/git-proxy/internal/processors"
)

type Config struct {
	Chain        *chain.Chain
	Engine       engine.Engine
	Upstream     string
	RemoteDir    string
	KeepStaging  bool
	MaxBodyBytes int64
	// Transport overrides the upstream round tripper.
	Transport http.RoundTripper
}

type Proxy struct {
	cfg      Config
	upstream *url.URL
	rp       *httputil.ReverseProxy
}

// TransportWithTimeouts bounds dialing and TLS setup but not the response,
// since upload-pack on a large repository can take minutes to start.
func TransportWithTimeouts() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func New(cfg Config) (*Proxy, error) {
	if cfg.Chain == nil {
		return nil, errors.New("httpproxy: chain is required")
	}
	u, err := url.Parse(cfg.Upstream)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("httpproxy: invalid upstream %q", cfg.Upstream)
	}
	transport := cfg.Transport
	if transport == nil {
		transport = TransportWithTimeouts()
	}
	p := &Proxy{cfg: cfg, upstream: u}
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.SetXForwarded()
		},
		Transport:     transport,
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			metrics.RelayErrors.WithLabelValues("http").Inc()
			log.WithError(err).WithField("path", r.URL.Path).Error("upstream request failed")
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}
	return p, nil
}

// Handler returns the router serving every git path.
func (p *Proxy) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Handle("/*", http.HandlerFunc(p.serveGit))
	return router
}

func (p *Proxy) serveGit(w http.ResponseWriter, r *http.Request) {
	protocol := domain.ProtocolHTTP
	if r.TLS != nil {
		protocol = domain.ProtocolHTTPS
	}
	req := &chain.Request{
		Protocol:   protocol,
		Method:     r.Method,
		Path:       r.URL.RequestURI(),
		Header:     r.Header.Clone(),
		RemoteAddr: r.RemoteAddr,
	}
	if processors.Classify(req) == domain.ActionPush && r.Header.Get("Authorization") == "" {
		w.Header().Set("WWW-Authenticate", `Basic realm="git-proxy"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	body, err := p.readBody(w, r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	req.Body = body

	action := p.cfg.Chain.Execute(r.Context(), req)
	if !p.cfg.KeepStaging {
		defer processors.ReleaseStaging(p.cfg.RemoteDir, action)
	}
	logger := log.WithFields(log.Fields{"action_id": action.ID, "repo": action.RepoName, "type": action.Type})
	if action.Status() != "pending" {
		// pending pushes were already written by the approval step
		if err := p.cfg.Engine.WriteAudit(context.WithoutCancel(r.Context()), action); err != nil {
			logger.WithError(err).Error("failed to write push audit record")
		}
	}

	// a refusal wins over a later failure on the same action
	switch {
	case action.Blocked:
		logger.WithField("reason", action.BlockedMessage).Info("request blocked")
		writeMessage(w, http.StatusForbidden, action.BlockedMessage)
		return
	case action.Error:
		logger.WithField("error", action.ErrorMessage).Warn("request failed")
		writeMessage(w, http.StatusInternalServerError, action.ErrorMessage)
		return
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
	p.rp.ServeHTTP(w, r)
}

func (p *Proxy) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	var src io.Reader = r.Body
	if p.cfg.MaxBodyBytes > 0 {
		src = http.MaxBytesReader(w, r.Body, p.cfg.MaxBodyBytes)
	}
	return io.ReadAll(src)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg+"\n")
}

// ListenConfig names the listeners Start opens.
type ListenConfig struct {
	HTTPAddr  string
	HTTPSAddr string
	CertPath  string
	KeyPath   string
}

// Start serves plaintext HTTP and, when both TLS files exist, HTTPS, until
// ctx is canceled. A listener that fails to start is logged and does not
// stop the other.
func (p *Proxy) Start(ctx context.Context, lc ListenConfig) error {
	handler := p.Handler()
	var servers []*http.Server
	if lc.HTTPAddr != "" {
		servers = append(servers, &http.Server{Addr: lc.HTTPAddr, Handler: handler, ReadHeaderTimeout: 30 * time.Second})
	}
	tlsReady := fileExists(lc.CertPath) && fileExists(lc.KeyPath)
	if lc.HTTPSAddr != "" && !tlsReady {
		log.WithFields(log.Fields{"cert": lc.CertPath, "key": lc.KeyPath}).Info("tls files not found, https listener disabled")
	}
	var tlsSrv *http.Server
	if lc.HTTPSAddr != "" && tlsReady {
		tlsSrv = &http.Server{Addr: lc.HTTPSAddr, Handler: handler, ReadHeaderTimeout: 30 * time.Second}
		servers = append(servers, tlsSrv)
	}
	if len(servers) == 0 {
		return errors.New("httpproxy: no listener configured")
	}

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			var err error
			if srv == tlsSrv {
				log.WithField("addr", srv.Addr).Info("https proxy listening")
				err = srv.ListenAndServeTLS(lc.CertPath, lc.KeyPath)
			} else {
				log.WithField("addr", srv.Addr).Info("http proxy listening")
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).WithField("addr", srv.Addr).Error("proxy listener stopped")
			}
		}(srv)
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).WithField("addr", srv.Addr).Warn("proxy shutdown")
		}
	}
	wg.Wait()
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
