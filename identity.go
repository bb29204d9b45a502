package engage

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// identity capability. the surrounding app owns the auth flow; the engine
// only needs a stable user identifier for the current session.
type Identity interface {
	// returns false when no user is signed in
	CurrentUserId() (UserId, bool)
}

type StaticIdentity struct {
	userId UserId
}

func NewStaticIdentity(userId UserId) *StaticIdentity {
	return &StaticIdentity{
		userId: userId,
	}
}

func (self *StaticIdentity) CurrentUserId() (UserId, bool) {
	return self.userId, true
}

type ByJwt struct {
	UserId      UserId
	DisplayName string
	SessionId   Id
}

// the token signature is verified by the identity provider before it
// reaches the client. parsing here only extracts claims.
func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			byJwt.UserId = userId
		}
	}
	if displayName, ok := claims["display_name"].(string); ok {
		byJwt.DisplayName = displayName
	}
	if sessionIdStr, ok := claims["session_id"].(string); ok {
		if sessionId, err := ParseId(sessionIdStr); err == nil {
			byJwt.SessionId = sessionId
		}
	}

	if (byJwt.UserId == UserId{}) {
		return nil, errors.New("jwt missing user_id claim")
	}

	return byJwt, nil
}

// identity backed by the app's auth token
type JwtIdentity struct {
	byJwt *ByJwt
}

func NewJwtIdentity(jwt string) (*JwtIdentity, error) {
	byJwt, err := ParseByJwtUnverified(jwt)
	if err != nil {
		return nil, err
	}
	return &JwtIdentity{
		byJwt: byJwt,
	}, nil
}

func (self *JwtIdentity) CurrentUserId() (UserId, bool) {
	return self.byJwt.UserId, true
}
