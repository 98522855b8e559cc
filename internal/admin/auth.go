package admin

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/jwk"
	jwxt "github.com/lestrrat-go/jwx/jwt"
	"go.uber.org/zap"

	"github.com/starwalkn/ladle"
)

var errNoToken = errors.New("missing bearer token")

type verifier interface {
	Verify(token string) error
}

// newVerifier returns nil when the API is left open.
func newVerifier(cfg ladle.AuthConfig) (verifier, error) {
	switch {
	case cfg.Secret != "":
		return &secretVerifier{secret: []byte(cfg.Secret), issuer: cfg.Issuer}, nil
	case cfg.JWKSFile != "":
		set, err := jwk.ReadFile(cfg.JWKSFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read key set %s: %w", cfg.JWKSFile, err)
		}

		return &keySetVerifier{set: set, issuer: cfg.Issuer}, nil
	default:
		return nil, nil //nolint:nilnil // no authentication configured
	}
}

// secretVerifier accepts HS256 tokens signed with a shared secret.
type secretVerifier struct {
	secret []byte
	issuer string
}

func (v *secretVerifier) Verify(token string) error {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	_, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)

	return err
}

// keySetVerifier accepts tokens signed by a key of a JWK set. Tokens name their key
// with "kid".
type keySetVerifier struct {
	set    jwk.Set
	issuer string
}

func (v *keySetVerifier) Verify(token string) error {
	tok, err := jwxt.ParseString(token, jwxt.WithKeySet(v.set), jwxt.WithValidate(true))
	if err != nil {
		return err
	}

	if v.issuer != "" && tok.Issuer() != v.issuer {
		return fmt.Errorf("unexpected issuer %q", tok.Issuer())
	}

	return nil
}

func authenticated(v verifier, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")

			err := errNoToken
			if ok && token != "" {
				err = v.Verify(strings.TrimSpace(token))
			}

			if err != nil {
				log.Debug("admin request rejected", zap.String("path", r.URL.Path), zap.Error(err))

				w.Header().Set("WWW-Authenticate", `Bearer realm="ladle"`)
				writeError(w, http.StatusUnauthorized, "unauthorized")

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
