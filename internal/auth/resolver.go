package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/clock"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/models"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/services"
)

// GuestTokenHeader carries an anonymous visitor's session token.
const GuestTokenHeader = "X-Guest-Token"

const guestCacheTTL = time.Minute

// Claims are the JWT claims issued by the auth collaborator. The subject
// is the user id.
type Claims struct {
	Role   string `json:"role"`
	Region string `json:"region,omitempty"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Resolver turns request credentials into a services.Actor. Signed-in users
// present a bearer JWT; guests present the token of their guest session.
type Resolver struct {
	secret []byte
	db     *gorm.DB
	clock  clock.Clock
	guests *cache.Cache
}

// NewResolver creates a new Resolver.
func NewResolver(secret string, db *gorm.DB, clk clock.Clock) (*Resolver, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT secret cannot be empty")
	}
	if db == nil {
		return nil, fmt.Errorf("database instance (gorm.DB) cannot be nil for Resolver")
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Resolver{
		secret: []byte(secret),
		db:     db,
		clock:  clk,
		guests: cache.New(guestCacheTTL, 5*time.Minute),
	}, nil
}

// FromRequest resolves the caller of r. Browsers cannot set headers on a
// websocket handshake, so token and guest_token query parameters are
// accepted as well.
func (r *Resolver) FromRequest(req *http.Request) (services.Actor, error) {
	if bearer := req.Header.Get("Authorization"); bearer != "" {
		token, ok := strings.CutPrefix(bearer, "Bearer ")
		if !ok {
			return services.Actor{}, fmt.Errorf("malformed Authorization header: %w", services.ErrUnauthenticated)
		}
		return r.ParseToken(strings.TrimSpace(token))
	}
	if guest := req.Header.Get(GuestTokenHeader); guest != "" {
		return r.Guest(req.Context(), guest)
	}
	q := req.URL.Query()
	if token := q.Get("token"); token != "" {
		return r.ParseToken(token)
	}
	if guest := q.Get("guest_token"); guest != "" {
		return r.Guest(req.Context(), guest)
	}
	return services.Actor{}, fmt.Errorf("no credentials: %w", services.ErrUnauthenticated)
}

// ParseToken validates an HMAC-signed JWT and maps its claims.
func (r *Resolver) ParseToken(raw string) (services.Actor, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	}, jwt.WithTimeFunc(r.clock.Now), jwt.WithExpirationRequired())
	if err != nil {
		log.Debug().Err(err).Msg("Rejected bearer token")
		return services.Actor{}, fmt.Errorf("invalid token: %w", services.ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return services.Actor{}, fmt.Errorf("token has no subject: %w", services.ErrUnauthenticated)
	}

	role := services.Role(claims.Role)
	switch role {
	case services.RoleCustomer, services.RoleAgent, services.RoleAdmin:
	case "":
		role = services.RoleCustomer
	default:
		return services.Actor{}, fmt.Errorf("unknown role %q: %w", claims.Role, services.ErrUnauthenticated)
	}
	if strings.HasPrefix(claims.Subject, "guest:") {
		return services.Actor{}, fmt.Errorf("reserved subject %q: %w", claims.Subject, services.ErrUnauthenticated)
	}
	return services.Actor{UserID: claims.Subject, Role: role, Region: claims.Region, DisplayName: claims.Name}, nil
}

// Guest resolves a guest session token. Sessions are cached briefly; expiry
// is checked on every call.
func (r *Resolver) Guest(ctx context.Context, token string) (services.Actor, error) {
	var session *models.GuestSession
	if cached, ok := r.guests.Get(token); ok {
		session = cached.(*models.GuestSession)
	} else {
		var row models.GuestSession
		err := r.db.WithContext(ctx).Where("token = ?", token).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return services.Actor{}, fmt.Errorf("unknown guest token: %w", services.ErrUnauthenticated)
		}
		if err != nil {
			return services.Actor{}, fmt.Errorf("error querying guest session: %w", err)
		}
		session = &row
		r.guests.SetDefault(token, session)
	}

	if !session.ExpiresAt.IsZero() && !r.clock.Now().Before(session.ExpiresAt) {
		r.guests.Delete(token)
		return services.Actor{}, fmt.Errorf("guest session %s expired: %w", session.ID, services.ErrUnauthenticated)
	}
	return services.Actor{
		UserID:      session.MemberID(),
		Role:        services.RoleGuest,
		Region:      session.Region,
		DisplayName: session.DisplayName,
	}, nil
}

type contextKey struct{}

// WithActor stores actor in ctx.
func WithActor(ctx context.Context, actor services.Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, actor)
}

// ActorFrom returns the actor stored by WithActor.
func ActorFrom(ctx context.Context) (services.Actor, bool) {
	actor, ok := ctx.Value(contextKey{}).(services.Actor)
	return actor, ok
}
