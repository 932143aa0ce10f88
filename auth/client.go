package auth

import (
	"context"
	"crypto/subtle"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/auth0/go-jwt-middleware/v2/jwks"
	"github.com/auth0/go-jwt-middleware/v2/validator"
)

const (
	RoleParticipant = "participant"
	RoleSupervisor  = "supervisor"
)

// TokenData is the resolved principal of an authenticated request
type TokenData struct {
	UserID   string
	Role     string
	IsServer bool
}

// IsSupervisor reports whether the principal may read other users data
func (t *TokenData) IsSupervisor() bool {
	return t.IsServer || t.Role == RoleSupervisor
}

// ClientInterface interface that we will implement and mock
type ClientInterface interface {
	Authenticate(req *http.Request) *TokenData
}

// Client holds the state of the Auth Client
type Client struct {
	serverSecret   string
	tokenValidator *validator.Validator
}

// CustomClaims contains custom data we want from the token.
type CustomClaims struct {
	Scope string   `json:"scope"`
	Roles []string `json:"https://studykit.io/roles"`
}

// Nothing to validate beyond the signature, the role check happens per route
func (c CustomClaims) Validate(ctx context.Context) error {
	return nil
}

func (c CustomClaims) role() string {
	for _, role := range c.Roles {
		if role == RoleSupervisor {
			return RoleSupervisor
		}
	}
	return RoleParticipant
}

func setupAuth0() *validator.Validator {
	//target audience is used to verify the token was issued for a specific domain or url.
	//by default it will be empty but we would (in the future) use this to authorize or deny access to some urls
	targetAudience := []string{}
	if value, present := os.LookupEnv("AUTH0_AUDIENCE"); present {
		targetAudience = []string{value}
	}
	issuerURL, err := url.Parse("https://" + os.Getenv("AUTH0_DOMAIN") + "/")
	if err != nil {
		log.Fatalf("Failed to parse the issuer url: %v", err)
	}
	keyProvider := jwks.NewCachingProvider(issuerURL, 5*time.Minute)

	jwtValidator, err := validator.New(
		keyProvider.KeyFunc,
		validator.RS256,
		issuerURL.String(),
		targetAudience,
		validator.WithCustomClaims(
			func() validator.CustomClaims {
				return &CustomClaims{}
			},
		),
		validator.WithAllowedClockSkew(time.Minute),
	)
	if err != nil {
		log.Fatalf("Failed to set up the jwt validator")
	}

	return jwtValidator
}

// NewClient creates a new Auth Client
func NewClient(serverSecret string) (*Client, error) {

	validator := setupAuth0()

	return &Client{
		serverSecret:   serverSecret,
		tokenValidator: validator,
	}, nil
}

// Authenticate the incoming request using either the x-studykit-server-secret
// header shared with internal services or the authorization Bearer token
// provided by OAuth
func (client *Client) Authenticate(req *http.Request) *TokenData {
	if serverSecret := req.Header.Get("x-studykit-server-secret"); serverSecret != "" {
		if client.serverSecret == "" || subtle.ConstantTimeCompare([]byte(serverSecret), []byte(client.serverSecret)) != 1 {
			log.Print("Invalid server secret")
			return nil
		}
		return &TokenData{IsServer: true}
	}

	var parsedToken *validator.ValidatedClaims
	if rawToken, err := jwtmiddleware.AuthHeaderTokenExtractor(req); err != nil {
		log.Print("Error decoding bearer token")
		return nil
	} else if t, err := client.tokenValidator.ValidateToken(req.Context(), rawToken); err != nil {
		log.Print("Error decoding bearer token")
		return nil
	} else {
		parsedToken = t.(*validator.ValidatedClaims)
	}

	subject := parsedToken.RegisteredClaims.Subject
	if parts := strings.Split(subject, "|"); len(parts) == 2 {
		subject = parts[1]
	}
	role := RoleParticipant
	if claims, ok := parsedToken.CustomClaims.(*CustomClaims); ok {
		role = claims.role()
	}
	return &TokenData{UserID: subject, Role: role}
}
