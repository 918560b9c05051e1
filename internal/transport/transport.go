// Package transport resolves and executes the outbound hop for each target.
//
// Each target gets exactly one transport kind, resolved once at startup from
// configuration: direct, forward HTTP(S) proxy, SOCKS5, or relay. Above this
// package the distinction is invisible — the Dispatcher exposes a single
// send-and-await contract regardless of kind.
package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/uixray/figma-ai-proxy/internal/config"
	"github.com/uixray/figma-ai-proxy/internal/metrics"
	"github.com/uixray/figma-ai-proxy/internal/registry"
)

// Kind is the outbound transport mechanism for one target.
type Kind string

const (
	KindDirect    Kind = "direct"
	KindHTTPProxy Kind = "http-proxy"
	KindSOCKS5    Kind = "socks5"
	KindRelay     Kind = "relay"
)

// Side headers of the relay hop. The relay reads the true upstream URL and
// the shared secret from these and strips them before forwarding.
const (
	HeaderRelayTarget = "X-Relay-Target-Url"
	HeaderRelaySecret = "X-Relay-Secret"
	HeaderRelayBy     = "X-Relay-By"
)

// ErrTunnelUnreachable marks failures to reach the configured proxy or SOCKS
// tunnel itself, as opposed to the upstream target being unreachable.
var ErrTunnelUnreachable = errors.New("transport tunnel unreachable")

// Resolved is the immutable per-target transport decision.
type Resolved struct {
	Kind Kind

	// proxyURL is set for http-proxy and socks5 kinds.
	proxyURL *url.URL

	// RelayEndpoint and relaySecret are set for the relay kind.
	RelayEndpoint string
	relaySecret   string
}

// Masked returns a displayable endpoint with credentials redacted.
func (r Resolved) Masked() string {
	switch r.Kind {
	case KindRelay:
		return r.RelayEndpoint
	case KindHTTPProxy, KindSOCKS5:
		u := *r.proxyURL
		if u.User != nil {
			u.User = url.User("***")
		}
		return u.String()
	default:
		return ""
	}
}

// Snapshot holds the resolved transport and a dedicated HTTP client per
// target. Built once at startup and read-only afterwards.
type Snapshot struct {
	targets map[string]*targetTransport
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type targetTransport struct {
	resolved Resolved
	client   *http.Client
}

// NewSnapshot resolves the transport for every registered target and builds
// its outbound client. Resolution never fails startup: an unusable transport
// value degrades to direct with a warning (soft dependency).
func NewSnapshot(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Snapshot {
	log := logger.With("component", "transport")
	s := &Snapshot{
		targets: make(map[string]*targetTransport, len(registry.IDs())),
		logger:  log,
		metrics: m,
	}

	for _, id := range registry.IDs() {
		resolved := resolve(id, cfg, log)
		s.targets[id] = &targetTransport{
			resolved: resolved,
			client:   newClient(resolved, cfg, log),
		}
		log.Info("transport resolved",
			"target", id,
			"kind", string(resolved.Kind),
			"endpoint", resolved.Masked(),
		)
	}
	return s
}

// Resolved returns the transport decision for a target. Unknown targets
// report direct; the router rejects them before dispatch.
func (s *Snapshot) Resolved(target string) Resolved {
	if t, ok := s.targets[target]; ok {
		return t.resolved
	}
	return Resolved{Kind: KindDirect}
}

// resolve applies the priority order: per-target override, then global
// default, then direct. The literal "direct" short-circuits. The scheme of
// the winning value selects the kind.
func resolve(target string, cfg *config.Config, log *slog.Logger) Resolved {
	raw := cfg.TransportFor(target)
	if raw == "" || raw == "direct" {
		return Resolved{Kind: KindDirect}
	}

	u, err := url.Parse(raw)
	if err != nil {
		// Config validation already rejects unparseable values; this is a
		// safety net for snapshots built from raw structs in tests.
		log.Warn("invalid transport URL, using direct", "target", target, "value", raw)
		return Resolved{Kind: KindDirect}
	}

	switch u.Scheme {
	case "relay":
		endpoint := *u
		endpoint.Scheme = "https"
		return Resolved{
			Kind:          KindRelay,
			RelayEndpoint: endpoint.String(),
			relaySecret:   cfg.Relay.Secret,
		}
	case "socks5", "socks5h", "socks4":
		return Resolved{Kind: KindSOCKS5, proxyURL: normalizeSOCKSURL(u)}
	case "http", "https":
		return Resolved{Kind: KindHTTPProxy, proxyURL: u}
	default:
		log.Warn("unrecognized transport scheme, using direct",
			"target", target,
			"scheme", u.Scheme,
		)
		return Resolved{Kind: KindDirect}
	}
}

// normalizeSOCKSURL fills in the default SOCKS port when absent.
func normalizeSOCKSURL(u *url.URL) *url.URL {
	out := *u
	if out.Port() == "" {
		out.Host = net.JoinHostPort(out.Hostname(), "1080")
	}
	return &out
}

// newClient builds the per-target HTTP client for a resolved transport.
func newClient(r Resolved, cfg *config.Config, log *slog.Logger) *http.Client {
	base := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	switch r.Kind {
	case KindHTTPProxy:
		base.Proxy = http.ProxyURL(r.proxyURL)
		if user := r.proxyURL.User; user != nil {
			// Authenticates to the intermediate proxy; the upstream API's own
			// Authorization header passes through untouched.
			pass, _ := user.Password()
			cred := base64.StdEncoding.EncodeToString([]byte(user.Username() + ":" + pass))
			base.ProxyConnectHeader = http.Header{
				"Proxy-Authorization": {"Basic " + cred},
			}
		}
	case KindSOCKS5:
		dialer, err := xproxy.FromURL(r.proxyURL, xproxy.Direct)
		if err != nil {
			// SOCKS capability is a soft dependency: socks4 URLs and other
			// unsupported dialer setups degrade to direct.
			log.Warn("SOCKS transport unavailable, using direct",
				"proxy", r.Masked(),
				"err", err,
			)
			break
		}
		base.DialContext = socksDialContext(dialer)
	}

	return &http.Client{Transport: base}
}

// socksDialContext adapts a SOCKS dialer to DialContext, marking its failures
// as tunnel failures for error classification.
func socksDialContext(d xproxy.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var conn net.Conn
		var err error
		if cd, ok := d.(xproxy.ContextDialer); ok {
			conn, err = cd.DialContext(ctx, network, addr)
		} else {
			conn, err = d.Dial(network, addr)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTunnelUnreachable, err)
		}
		return conn, nil
	}
}

// Dispatch sends one request to rawURL via the target's resolved transport
// and returns the raw upstream response. The caller owns the response body.
// The relay kind substitutes the relay endpoint as the wire destination and
// carries the true URL in a side header.
func (s *Snapshot) Dispatch(ctx context.Context, target, method, rawURL string, header http.Header, body []byte) (*http.Response, error) {
	t, ok := s.targets[target]
	if !ok {
		return nil, fmt.Errorf("dispatch: no transport for target %q", target)
	}

	if header == nil {
		header = make(http.Header)
	}

	wireURL := rawURL
	if t.resolved.Kind == KindRelay {
		wireURL = t.resolved.RelayEndpoint
		header = header.Clone()
		header.Set(HeaderRelayTarget, rawURL)
		if t.resolved.relaySecret != "" {
			header.Set(HeaderRelaySecret, t.resolved.relaySecret)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, wireURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	s.logger.Debug("dispatching",
		"target", target,
		"kind", string(t.resolved.Kind),
	)

	start := time.Now()
	resp, err := t.client.Do(req)
	duration := time.Since(start).Seconds()

	if s.metrics != nil {
		s.metrics.UpstreamDuration.WithLabelValues(target, string(t.resolved.Kind)).Observe(duration)
	}

	if err != nil {
		return nil, classifyDispatchError(t.resolved.Kind, err)
	}

	if s.metrics != nil {
		s.metrics.UpstreamResponses.WithLabelValues(target, strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, nil
}

// classifyDispatchError tags tunnel-level failures so the router can report
// proxy-unreachable distinctly from a dead upstream.
func classifyDispatchError(kind Kind, err error) error {
	if errors.Is(err, ErrTunnelUnreachable) {
		return fmt.Errorf("upstream request: %w", err)
	}

	if kind == KindHTTPProxy {
		// The stdlib transport reports failures to reach the forward proxy
		// with the "proxyconnect" op.
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "proxyconnect" {
			return fmt.Errorf("upstream request: %w: %v", ErrTunnelUnreachable, err)
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) && strings.Contains(urlErr.Err.Error(), "proxyconnect") {
			return fmt.Errorf("upstream request: %w: %v", ErrTunnelUnreachable, err)
		}
	}

	return fmt.Errorf("upstream request: %w", err)
}
