package jwttoken

import (
	id "exambridge/pkg/domain"
	authmw "exambridge/pkg/platform/middleware/auth"
)

func ToMiddlewareClaims(claims *Claims) *authmw.CenterClaims {
	centerID, _ := id.ParseCenterID(claims.CenterID)
	return &authmw.CenterClaims{
		CenterID:   centerID,
		CenterCode: claims.CenterCode,
		JTI:        claims.ID,
	}
}

type JWTServiceAdapter struct {
	service *JWTService
}

func NewJWTServiceAdapter(service *JWTService) *JWTServiceAdapter {
	return &JWTServiceAdapter{service: service}
}

func (a *JWTServiceAdapter) ValidateToken(tokenString string) (*authmw.CenterClaims, error) {
	claims, err := a.service.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	return ToMiddlewareClaims(claims), nil
}
