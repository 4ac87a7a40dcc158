package httptpc

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/Courier/internal/checksum"
	"github.com/CZERTAINLY/Courier/internal/model"
	"github.com/CZERTAINLY/Courier/internal/transfer"
)

const (
	MethodCopy = "COPY"

	HeaderSource              = "Source"
	HeaderDestination         = "Destination"
	HeaderOverwrite           = "Overwrite"
	HeaderRequireVerification = "RequireChecksumVerification"
	HeaderWantDigest          = "Want-Digest"
	HeaderCredential          = "Credential"
	// TransferHeaderPrefix marks headers forwarded to the remote party with
	// the prefix removed.
	TransferHeaderPrefix = "TransferHeader"
)

func badRequest(format string, args ...any) *transfer.RequestError {
	return &transfer.RequestError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// ParseRequest reads a third party copy request. Errors are
// *transfer.RequestError.
func ParseRequest(r *http.Request) (transfer.Request, error) {
	req := transfer.Request{
		Path: path.Clean("/" + r.URL.Path),
	}

	source, destination := r.Header.Get(HeaderSource), r.Header.Get(HeaderDestination)
	var remote string
	switch {
	case source != "" && destination != "":
		return req, badRequest("%s and %s headers are mutually exclusive", HeaderSource, HeaderDestination)
	case source != "":
		req.Direction, remote = model.DirectionPull, source
	case destination != "":
		req.Direction, remote = model.DirectionPush, destination
	default:
		return req, badRequest("missing %s or %s header", HeaderSource, HeaderDestination)
	}
	u, err := url.Parse(remote)
	if err != nil {
		return req, badRequest("malformed %s URL", req.Direction.Role())
	}
	req.Remote = u

	switch r.Header.Get(HeaderOverwrite) {
	case "", "T", "t":
		req.Overwrite = true
	case "F", "f":
	default:
		return req, badRequest("%s header must be T or F", HeaderOverwrite)
	}

	if v := r.Header.Get(HeaderRequireVerification); v != "" {
		req.RequireVerification, err = strconv.ParseBool(v)
		if err != nil {
			return req, badRequest("%s header must be true or false", HeaderRequireVerification)
		}
	}

	if v := r.Header.Get(HeaderWantDigest); v != "" {
		// nothing supported means no digest, not an error
		req.WantDigest, _ = checksum.ParseWantDigest(v)
	}

	req.Credential, err = credential(r)
	if err != nil {
		return req, err
	}
	req.Headers = transferHeaders(r.Header)
	return req, nil
}

func credential(r *http.Request) (transfer.Credential, error) {
	var cred transfer.Credential
	switch v := strings.ToLower(r.Header.Get(HeaderCredential)); v {
	case "", string(transfer.CredentialNone):
		cred.Source = transfer.CredentialNone
	case string(transfer.CredentialOIDC):
		cred.Source = transfer.CredentialOIDC
		token, ok := bearer(r.Header.Get("Authorization"))
		if !ok {
			return cred, badRequest("%s credential needs a bearer token", v)
		}
		cred.Token = token
	case string(transfer.CredentialGridSite):
		cred.Source = transfer.CredentialGridSite
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			return cred, badRequest("%s credential needs a client certificate", v)
		}
		cred.Subject = r.TLS.PeerCertificates[0].Subject.String()
	default:
		return cred, badRequest("unsupported %s %q", HeaderCredential, v)
	}
	return cred, nil
}

func bearer(auth string) (string, bool) {
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func transferHeaders(h http.Header) map[string]string {
	var ret map[string]string
	for key, values := range h {
		if len(key) <= len(TransferHeaderPrefix) || !strings.EqualFold(key[:len(TransferHeaderPrefix)], TransferHeaderPrefix) {
			continue
		}
		if ret == nil {
			ret = make(map[string]string)
		}
		ret[http.CanonicalHeaderKey(key[len(TransferHeaderPrefix):])] = strings.Join(values, ", ")
	}
	return ret
}

// acceptsTrailers reports whether the client announced TE: trailers.
func acceptsTrailers(r *http.Request) bool {
	for _, v := range r.Header.Values("TE") {
		for part := range strings.SplitSeq(v, ",") {
			name, _, _ := strings.Cut(part, ";")
			if strings.EqualFold(strings.TrimSpace(name), "trailers") {
				return true
			}
		}
	}
	return false
}
