package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/zenazn/goji/web"

	"github.com/janelia-flyem/ichseg/ichseg"
)

// authConfig holds the key used to sign and check JWTs.  If the key is empty, no
// authorization is required.
type authConfig struct {
	SecretKey string `toml:"secret_key" yaml:"secret_key"`
}

// GenerateJWT returns a JWT for the given user signed by the secret key.
func GenerateJWT(user, secretKey string) (string, error) {
	if secretKey == "" {
		return "", fmt.Errorf("no secret key configured for JWT signing")
	}
	token := jwt.New(jwt.SigningMethodHS256)

	claims := token.Claims.(jwt.MapClaims)
	claims["user"] = user

	tokenString, err := token.SignedString([]byte(secretKey))
	if err != nil {
		return "", fmt.Errorf("error with JWT signing: %v", err)
	}
	return tokenString, nil
}

// isAuthorized is middleware that validates a JWT and sets the c.Env["user"] field
// to the authenticated user.  The health check and CORS preflight requests are not checked.
func (s *Service) isAuthorized(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		secret := s.config.Auth.SecretKey
		if secret == "" || r.Method == http.MethodOptions || r.URL.Path == "/" {
			h.ServeHTTP(w, r)
			return
		}
		user, err := checkJWT(r.Header.Get("Authorization"), secret)
		if err != nil {
			writeError(w, r, ichseg.WrapError(ichseg.KindUnauthorized, err))
			return
		}
		if c.Env == nil {
			c.Env = make(map[interface{}]interface{})
		}
		c.Env["user"] = user
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

// checkJWT parses an "Authorization: Bearer <token>" header value and returns the user claim.
func checkJWT(reqToken, secret string) (string, error) {
	if len(reqToken) == 0 {
		return "", fmt.Errorf("JWT required via Authorization in request header")
	}
	splitToken := strings.Split(reqToken, "Bearer")
	if len(splitToken) != 2 {
		return "", fmt.Errorf("bearer not in proper format")
	}
	reqToken = strings.TrimSpace(splitToken[1])
	if len(reqToken) == 0 {
		return "", fmt.Errorf("requests require JWT authentication")
	}
	token, err := jwt.Parse(reqToken, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("error signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("error parsing JWT: %v", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("failed authorization")
	}
	user, ok := claims["user"].(string)
	if !ok || user == "" {
		return "", fmt.Errorf("user %v is not a simple string", claims["user"])
	}
	return user, nil
}
