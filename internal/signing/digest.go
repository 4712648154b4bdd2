package signing

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strings"
)

// Digest turns a canonical message into a lowercase hex signature.
type Digest interface {
	Name() string
	Sum(secret, message string) string
}

// Supported digest names
const (
	DigestMD5        = "md5"
	DigestHMACSHA256 = "hmac-sha256"
	DigestHMACMD5    = "hmac-md5"
)

// plainDigest hashes the message as is. The canonical message already
// starts with the shared secret, so no key is applied.
type plainDigest struct {
	name string
	new  func() hash.Hash
}

func (d plainDigest) Name() string { return d.name }

func (d plainDigest) Sum(_ string, message string) string {
	h := d.new()
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

type hmacDigest struct {
	name string
	new  func() hash.Hash
}

func (d hmacDigest) Name() string { return d.name }

func (d hmacDigest) Sum(secret, message string) string {
	mac := hmac.New(d.new, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

var digests = map[string]Digest{
	DigestMD5:        plainDigest{name: DigestMD5, new: md5.New},
	DigestHMACSHA256: hmacDigest{name: DigestHMACSHA256, new: sha256.New},
	DigestHMACMD5:    hmacDigest{name: DigestHMACMD5, new: md5.New},
}

// LookupDigest returns the digest registered under name.
func LookupDigest(name string) (Digest, error) {
	d, ok := digests[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown digest %q (supported: %s)", name, strings.Join(DigestNames(), ", "))
	}
	return d, nil
}

// DigestNames lists the registered digests in sorted order
func DigestNames() []string {
	names := make([]string, 0, len(digests))
	for name := range digests {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
