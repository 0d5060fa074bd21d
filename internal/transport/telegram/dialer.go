package telegram

import (
	"fmt"
	"net/url"

	"github.com/gotd/td/telegram/dcs"
	"golang.org/x/net/proxy"
)

// newResolver builds the DC resolver, optionally routed through a
// SOCKS5 proxy given as socks5://[user:pass@]host:port.
func newResolver(proxyURL string) (dcs.Resolver, error) {
	if proxyURL == "" {
		return dcs.Plain(dcs.PlainOptions{}), nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	if u.Scheme != "socks5" {
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}

	var auth *proxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: pass}
	}
	d, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer lacks context support")
	}
	return dcs.Plain(dcs.PlainOptions{Dial: cd.DialContext}), nil
}
