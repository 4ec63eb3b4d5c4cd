package xenstored

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// DomainJwt authenticates a remote connection as a domain. Local socket
// connections skip this and run as dom0; everything arriving over a
// websocket must present one.
type DomainJwt struct {
	DomainId DomainId
}

func MintDomainJwt(secret []byte, domainId DomainId, duration time.Duration) (string, error) {
	now := time.Now()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"dom_id": float64(domainId),
		"iat":    now.Unix(),
		"exp":    now.Add(duration).Unix(),
	})
	return token.SignedString(secret)
}

func ParseDomainJwt(secret []byte, jwt string) (*DomainJwt, error) {
	token, err := gojwt.Parse(
		jwt,
		func(token *gojwt.Token) (any, error) {
			return secret, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("bad claims")
	}

	domainJwt := &DomainJwt{}

	if domId, ok := claims["dom_id"]; ok {
		if domIdFloat, ok := domId.(float64); ok {
			domainJwt.DomainId = DomainId(domIdFloat)
		} else {
			return nil, fmt.Errorf("bad dom_id claim")
		}
	} else {
		return nil, fmt.Errorf("missing dom_id claim")
	}

	return domainJwt, nil
}
