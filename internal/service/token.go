/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	k8suuid "k8s.io/apimachinery/pkg/util/uuid"
)

const (
	streamTokenIssuer   = "https://jumpstarter.dev/stream"
	streamTokenAudience = "https://jumpstarter.dev/router"

	// Stream tokens only have to survive the window between Dial and both
	// sides reaching the router.
	streamTokenLifetime = 2 * time.Minute
)

// StreamKeyFromSeed derives the symmetric stream token key from the
// controller seed. The derivation is one-way so the router never holds
// anything the controller signer keys could be recovered from.
func StreamKeyFromSeed(seed []byte) []byte {
	hashed := sha256.Sum256(seed)
	mac := hmac.New(sha256.New, hashed[:])
	mac.Write([]byte("router"))
	return mac.Sum(nil)
}

// MintStreamToken signs a short-lived token binding the holder to a single
// stream. Both sides of a Dial get separate tokens with the same subject.
func MintStreamToken(key []byte, stream string) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    streamTokenIssuer,
		Subject:   stream,
		Audience:  jwt.ClaimStrings{streamTokenAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(streamTokenLifetime)),
		NotBefore: jwt.NewNumericDate(time.Now()),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ID:        string(k8suuid.NewUUID()),
	}).SignedString(key)
}

// VerifyStreamToken checks the signature and claims locally and returns the
// stream subject with the token expiration.
func VerifyStreamToken(key []byte, token string) (string, time.Time, error) {
	parsed, err := jwt.ParseWithClaims(
		token,
		&jwt.RegisteredClaims{},
		func(t *jwt.Token) (interface{}, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(streamTokenIssuer),
		jwt.WithAudience(streamTokenAudience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return "", time.Time{}, status.Errorf(codes.Unauthenticated, "invalid stream token")
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil {
		return "", time.Time{}, status.Errorf(codes.Unauthenticated, "invalid stream token subject")
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return "", time.Time{}, status.Errorf(codes.Unauthenticated, "invalid stream token expiration")
	}

	return subject, exp.Time, nil
}
