package clientauth

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/jose"
	"github.com/gematik/zero-lab/go/authzserver/oauth"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

var errCertMalformed = errors.New("cert malformed")

// ParseCertificate accepts DER or a single PEM block.
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, errCertMalformed
	}
	return cert, nil
}

// TLSAuthenticator implements tls_client_auth (RFC 8705 section 2.1).
// The chain has been validated by the TLS terminator.
type TLSAuthenticator struct {
	Now func() time.Time
}

func (a *TLSAuthenticator) Authenticate(_ context.Context, req *Request, _ *oauth.ServerConfiguration, client *oauth.ClientConfiguration) (*oauth.ClientCredentials, error) {
	if len(req.ClientCertificate) == 0 {
		return nil, oauth.ErrInvalidClient("tls_client_auth requires a client certificate")
	}
	cert, err := ParseCertificate(req.ClientCertificate)
	if err != nil {
		return nil, oauth.ErrInvalidClient("cert malformed")
	}
	if a.Now != nil {
		now := a.Now()
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return nil, oauth.ErrInvalidClient("cert is not valid at this time")
		}
	}
	if !matchesSubject(cert, client) {
		return nil, oauth.ErrInvalidClient("cert does not match any subject names")
	}
	return &oauth.ClientCredentials{Certificate: cert}, nil
}

// matchesSubject checks the registered identifiers in priority order:
// subject DN, SAN dNSName, SAN URI, SAN IP, SAN rfc822Name.
func matchesSubject(cert *x509.Certificate, client *oauth.ClientConfiguration) bool {
	if dn := client.TLSClientAuthSubjectDN; dn != "" && normalizeDN(cert.Subject.String()) == normalizeDN(dn) {
		return true
	}
	if dns := client.TLSClientAuthSANDNS; dns != "" {
		for _, name := range cert.DNSNames {
			if strings.EqualFold(name, dns) {
				return true
			}
		}
	}
	if uri := client.TLSClientAuthSANURI; uri != "" {
		for _, u := range cert.URIs {
			if u.String() == uri {
				return true
			}
		}
	}
	if ip := net.ParseIP(client.TLSClientAuthSANIP); ip != nil {
		for _, certIP := range cert.IPAddresses {
			if certIP.Equal(ip) {
				return true
			}
		}
	}
	if email := client.TLSClientAuthSANEmail; email != "" {
		for _, e := range cert.EmailAddresses {
			if strings.EqualFold(e, email) {
				return true
			}
		}
	}
	return false
}

// normalizeDN drops whitespace around RDN separators and folds the
// attribute type case, so "CN=a, O=b" equals "cn=a,O=b".
func normalizeDN(dn string) string {
	rdns := strings.Split(dn, ",")
	for i, rdn := range rdns {
		rdn = strings.TrimSpace(rdn)
		if typ, value, ok := strings.Cut(rdn, "="); ok {
			rdn = strings.ToUpper(strings.TrimSpace(typ)) + "=" + strings.TrimSpace(value)
		}
		rdns[i] = rdn
	}
	return strings.Join(rdns, ",")
}

// SelfSignedTLSAuthenticator implements self_signed_tls_client_auth
// (RFC 8705 section 2.2).
type SelfSignedTLSAuthenticator struct {
	Fetcher jose.JwksFetcher
}

func (a *SelfSignedTLSAuthenticator) Authenticate(ctx context.Context, req *Request, _ *oauth.ServerConfiguration, client *oauth.ClientConfiguration) (*oauth.ClientCredentials, error) {
	if len(req.ClientCertificate) == 0 {
		return nil, oauth.ErrInvalidClient("self_signed_tls_client_auth requires a client certificate")
	}
	cert, err := ParseCertificate(req.ClientCertificate)
	if err != nil {
		return nil, oauth.ErrInvalidClient("cert malformed")
	}

	keys, err := clientKeys(ctx, client, a.Fetcher)
	if err != nil {
		return nil, err
	}

	var registered jwk.Key
	for i := 0; i < keys.Len(); i++ {
		key, _ := keys.Key(i)
		if chain := key.X509CertChain(); chain != nil && chain.Len() > 0 {
			if registered != nil {
				return nil, oauth.ErrInvalidClient("more than one registered key carries x5c")
			}
			registered = key
		}
	}
	if registered == nil {
		return nil, oauth.ErrInvalidClient("no registered key carries x5c")
	}

	der, err := firstCertificateDER(registered)
	if err != nil {
		return nil, oauth.ErrInvalidClient("registered x5c is malformed")
	}
	if !bytes.Equal(der, cert.Raw) {
		return nil, oauth.ErrInvalidClient("cert does not match the registered certificate")
	}
	return &oauth.ClientCredentials{Certificate: cert, PublicKey: registered}, nil
}

// firstCertificateDER returns the leaf of the key's x5c. The chain keeps
// the base64 text of each certificate.
func firstCertificateDER(key jwk.Key) ([]byte, error) {
	entry, ok := key.X509CertChain().Get(0)
	if !ok {
		return nil, errCertMalformed
	}
	if der, err := base64.StdEncoding.DecodeString(string(entry)); err == nil {
		return der, nil
	}
	if _, err := x509.ParseCertificate(entry); err == nil {
		return entry, nil
	}
	return nil, errCertMalformed
}
