// Package useragent picks User-Agent strings that agree with a TLS client
// hello profile, so a browser handshake is not paired with a tool's name.
package useragent

import (
	"crypto/rand"
	"math/big"
)

var byBrowser = map[string][]string{
	"chrome": {
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	},
	"firefox": {
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:133.0) Gecko/20100101 Firefox/133.0",
	},
	// the safari profile presents an iOS hello
	"safari": {
		"Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1",
	},
}

// ForProfile returns a User-Agent for a TLS profile name. "random" picks from
// every browser. Unknown names and "go" return "", leaving the client default.
func ForProfile(profile string) string {
	var pool []string
	switch profile {
	case "random":
		for _, name := range []string{"chrome", "firefox", "safari"} {
			pool = append(pool, byBrowser[name]...)
		}
	default:
		pool = byBrowser[profile]
	}
	return pick(pool)
}

func pick(pool []string) string {
	if len(pool) == 0 {
		return ""
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(pool))))
	if err != nil {
		return pool[0]
	}
	return pool[n.Int64()]
}
