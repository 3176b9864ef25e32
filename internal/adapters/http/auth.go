package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/huddle/internal/adapters/signal"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	HeaderUserID     = "X-User-ID"
	HeaderUserName   = "X-User-Name"
	HeaderUserAvatar = "X-User-Avatar"

	sessionUserID     = "uid"
	sessionUserName   = "name"
	sessionUserAvatar = "avatar"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the verified identity behind a request.
type Authenticator interface {
	Authenticate(c *gin.Context) (domain.User, error)
}

// HeaderAuthenticator trusts the identity headers set by the gateway in front
// of this service. The identity is remembered in the session cookie so a
// browser websocket upgrade, which cannot carry custom headers, is recognized.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(c *gin.Context) (domain.User, error) {
	s := sessions.Default(c)
	if id := c.GetHeader(HeaderUserID); id != "" {
		u, err := domain.NewUser(id, c.GetHeader(HeaderUserName), c.GetHeader(HeaderUserAvatar))
		if err != nil {
			return domain.User{}, err
		}
		if s.Get(sessionUserID) != string(u.ID) || s.Get(sessionUserName) != u.Name || s.Get(sessionUserAvatar) != u.Avatar {
			s.Set(sessionUserID, string(u.ID))
			s.Set(sessionUserName, u.Name)
			s.Set(sessionUserAvatar, u.Avatar)
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		return u, nil
	}

	id, _ := s.Get(sessionUserID).(string)
	if id == "" {
		return domain.User{}, ErrUnauthenticated
	}
	name, _ := s.Get(sessionUserName).(string)
	avatar, _ := s.Get(sessionUserAvatar).(string)
	return domain.NewUser(id, name, avatar)
}

func IdentityMiddleware(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, err := auth.Authenticate(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		c.Set(signal.IdentityKey, u)
		c.Next()
	}
}

func identity(c *gin.Context) domain.User {
	u, _ := signal.IdentityFrom(c)
	return u
}
