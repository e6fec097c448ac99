// Package directory resolves counterparty websocket endpoints from DNS TXT
// records. Each record is signed by the free balance key (index 0) of the
// extended public key it advertises, so a record cannot redirect traffic for
// a party it was not signed by.
package directory

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"statechannels/crypto"
)

const (
	recordPrefix        = "chanpeer:v1:"
	defaultLookupPrefix = "_chanpeers."
)

var errEmptyRecord = errors.New("directory: empty TXT record")

// Resolver abstracts DNS TXT lookups so tests can supply in-memory fixtures.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Entry is a validated xpub to endpoint mapping.
type Entry struct {
	Xpub      string
	Endpoint  string
	Source    string
	NotBefore int64
	NotAfter  int64
}

// Active reports whether the entry is live at now.
func (e Entry) Active(now time.Time) bool {
	if e.NotBefore > 0 && now.Unix() < e.NotBefore {
		return false
	}
	if e.NotAfter > 0 && now.Unix() > e.NotAfter {
		return false
	}
	return true
}

// Record is the JSON payload carried (base64 encoded) in a TXT record.
type Record struct {
	Xpub      string `json:"xpub"`
	Endpoint  string `json:"endpoint"`
	NotBefore int64  `json:"notBefore,omitempty"`
	NotAfter  int64  `json:"notAfter,omitempty"`
	Signature string `json:"signature"`
}

// SigningDigest is the digest a record's signature covers.
func SigningDigest(xpub, endpoint string, notBefore, notAfter int64) common.Hash {
	var window [16]byte
	binary.BigEndian.PutUint64(window[:8], uint64(notBefore))
	binary.BigEndian.PutUint64(window[8:], uint64(notAfter))
	return ethcrypto.Keccak256Hash(
		[]byte(recordPrefix),
		[]byte(strings.TrimSpace(xpub)),
		[]byte{0},
		[]byte(strings.TrimSpace(endpoint)),
		window[:],
	)
}

// Sign builds the TXT value advertising endpoint for the party owning
// xprv.
func Sign(xprv *crypto.ExtendedKey, endpoint string, notBefore, notAfter int64) (string, error) {
	if !xprv.IsPrivate() {
		return "", fmt.Errorf("%w: signing requires a private key", crypto.ErrInvalidExtendedKey)
	}
	xpub, err := xprv.Neuter()
	if err != nil {
		return "", err
	}
	key, err := xprv.Derive(0)
	if err != nil {
		return "", err
	}
	sig, err := crypto.SignDigest(key.Private, SigningDigest(xpub.String(), endpoint, notBefore, notAfter))
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(Record{
		Xpub:      xpub.String(),
		Endpoint:  endpoint,
		NotBefore: notBefore,
		NotAfter:  notAfter,
		Signature: base64.StdEncoding.EncodeToString(sig.Bytes()),
	})
	if err != nil {
		return "", err
	}
	return recordPrefix + base64.StdEncoding.EncodeToString(raw), nil
}

// Parse validates one TXT value.
func Parse(value, source string) (Entry, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return Entry{}, errEmptyRecord
	}
	if !strings.HasPrefix(trimmed, recordPrefix) {
		return Entry{}, fmt.Errorf("directory: record missing prefix %q", recordPrefix)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(trimmed, recordPrefix))
	if err != nil {
		return Entry{}, fmt.Errorf("directory: base64 decode: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Entry{}, fmt.Errorf("directory: invalid JSON payload: %w", err)
	}
	return rec.verify(source)
}

func (r Record) verify(source string) (Entry, error) {
	xpub := strings.TrimSpace(r.Xpub)
	key, err := crypto.ParseExtendedKey(xpub)
	if err != nil {
		return Entry{}, err
	}
	if key.IsPrivate() {
		return Entry{}, errors.New("directory: record carries a private key")
	}
	endpoint := strings.TrimSpace(r.Endpoint)
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return Entry{}, fmt.Errorf("directory: invalid endpoint %q", endpoint)
	}
	if r.NotAfter > 0 && r.NotBefore > 0 && r.NotAfter < r.NotBefore {
		return Entry{}, errors.New("directory: notAfter must be >= notBefore")
	}
	rawSig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(r.Signature))
	if err != nil {
		return Entry{}, fmt.Errorf("directory: invalid signature encoding: %w", err)
	}
	sig, err := crypto.SignatureFromBytes(rawSig)
	if err != nil {
		return Entry{}, err
	}
	signer, err := crypto.RecoverAddress(SigningDigest(xpub, endpoint, r.NotBefore, r.NotAfter), sig)
	if err != nil {
		return Entry{}, err
	}
	owner, err := key.Derive(0)
	if err != nil {
		return Entry{}, err
	}
	if signer != owner.Address {
		return Entry{}, fmt.Errorf("directory: record signed by %s, want %s", signer.Hex(), owner.Address.Hex())
	}
	return Entry{
		Xpub:      xpub,
		Endpoint:  endpoint,
		Source:    source,
		NotBefore: r.NotBefore,
		NotAfter:  r.NotAfter,
	}, nil
}

// LookupName returns the TXT name queried for a domain.
func LookupName(domain string) string {
	domain = strings.TrimSpace(domain)
	if strings.HasPrefix(domain, "_") {
		return domain
	}
	return defaultLookupPrefix + domain
}

// Resolve queries every domain and returns the active, validated entries.
// Invalid records are reported but do not discard valid ones. When two
// records advertise the same xpub the first one wins.
func Resolve(ctx context.Context, now time.Time, resolver Resolver, domains []string) ([]Entry, error) {
	if resolver == nil {
		resolver = DefaultResolver()
	}
	var (
		entries []Entry
		errs    []error
		seen    = make(map[string]struct{})
	)
	for _, domain := range domains {
		if strings.TrimSpace(domain) == "" {
			continue
		}
		name := LookupName(domain)
		records, err := resolver.LookupTXT(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("directory: dns %s lookup failed: %w", name, err))
			continue
		}
		for _, record := range records {
			entry, err := Parse(record, "dns:"+strings.TrimSpace(domain))
			if err != nil {
				errs = append(errs, fmt.Errorf("dns %s: %w", name, err))
				continue
			}
			if !entry.Active(now) {
				continue
			}
			if _, dup := seen[entry.Xpub]; dup {
				continue
			}
			seen[entry.Xpub] = struct{}{}
			entries = append(entries, entry)
		}
	}
	if len(errs) > 0 {
		return entries, errors.Join(errs...)
	}
	return entries, nil
}

type netResolver struct {
	resolver *net.Resolver
}

func (n *netResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return n.resolver.LookupTXT(ctx, name)
}

// DefaultResolver uses the Go runtime's DNS implementation.
func DefaultResolver() Resolver {
	return &netResolver{resolver: net.DefaultResolver}
}
