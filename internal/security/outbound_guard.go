package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// OutboundGuard はアクターディレクトリや告知フィードへの外向きHTTP通信を制限する。
type OutboundGuard interface {
	// NewClient はSSRF防止機能付きのHTTPクライアントを生成する。
	// プライベートアドレスを許可する設定の場合は通常のクライアントを返す。
	NewClient(timeout time.Duration) *http.Client

	// ValidateURL はDNS解決を伴わない静的な検証を行う。
	ValidateURL(rawURL string) error
}

var allowedSchemes = []string{"http", "https"}

// blockedNetworks はValidateURLで拒否するネットワーク範囲。
// 接続時の検証はsafeurlがDNS解決後のIPアドレスに対して行う。
var blockedNetworks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16", // クラウドメタデータIPを含む
	"0.0.0.0/8",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		out = append(out, network)
	}
	return out
}

// GuardOption はoutboundGuardの設定を変更する。
type GuardOption func(*outboundGuard)

// WithAllowPrivate はプライベートアドレスへの通信を許可する。
// クラスタ内部のディレクトリサービスを呼び出す場合に使用する。
func WithAllowPrivate(allow bool) GuardOption {
	return func(g *outboundGuard) { g.allowPrivate = allow }
}

// WithAllowedPorts は接続を許可するポートを指定する。既定は80と443。
func WithAllowedPorts(ports ...int) GuardOption {
	return func(g *outboundGuard) { g.allowedPorts = ports }
}

type outboundGuard struct {
	allowPrivate bool
	allowedPorts []int
}

var _ OutboundGuard = (*outboundGuard)(nil)

// NewOutboundGuard はOutboundGuardを生成する。
func NewOutboundGuard(opts ...GuardOption) *outboundGuard {
	g := &outboundGuard{allowedPorts: []int{80, 443}}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewClient はHTTPクライアントを生成する。
// safeurlはnet.DialerのControlフックで解決後のIPアドレスを検証するため、
// DNS再バインディングによる内部アドレスへの接続も拒否される。
func (g *outboundGuard) NewClient(timeout time.Duration) *http.Client {
	if g.allowPrivate {
		return &http.Client{Timeout: timeout}
	}

	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(g.allowedPorts...).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL はスキーム・ホストを検証し、プライベートアドレスを許可しない設定では
// ブロック対象のIPアドレスとlocalhostを拒否する。
func (g *outboundGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("disallowed scheme: %q (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}
	if g.allowPrivate {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		for _, network := range blockedNetworks {
			if network.Contains(ip) {
				return fmt.Errorf("blocked IP address: %s", ip)
			}
		}
		return nil
	}

	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}
