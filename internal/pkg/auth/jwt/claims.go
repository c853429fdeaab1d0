package jwt

import "github.com/golang-jwt/jwt"

// Payload defines the structure of the JSON Web Token (JWT) claims for CallHub.
// The identity it carries is the only identity the realtime gateway and the REST
// API trust; client-supplied sender fields never override it.
type Payload struct {
	// StandardClaims embeds the necessary JWT standard fields such as Exp (Expiration),
	// Iat (Issued At), and Iss (Issuer). These are crucial for token validity checks.
	jwt.StandardClaims `json:"standard_claims"`

	// ID is the stable identifier of the authenticated user.
	ID string `json:"id"`

	// Name is the display name shown to peers when the client does not supply one.
	Name string `json:"name"`
}
