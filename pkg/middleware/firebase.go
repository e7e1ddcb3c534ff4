package middleware

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
)

// FirebaseVerifier verifies Firebase ID tokens issued by the identity
// collaborator.
type FirebaseVerifier struct {
	auth *auth.Client
}

func NewFirebaseVerifier(ctx context.Context, app *firebase.App) (*FirebaseVerifier, error) {
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("middleware: creating firebase auth client: %w", err)
	}
	return &FirebaseVerifier{auth: client}, nil
}

func (v *FirebaseVerifier) Verify(ctx context.Context, token string) (string, error) {
	decoded, err := v.auth.VerifyIDToken(ctx, token)
	if err != nil {
		return "", err
	}
	return decoded.UID, nil
}

// InsecureVerifier treats the token itself as the user id. Local development
// only.
type InsecureVerifier struct{}

func (InsecureVerifier) Verify(ctx context.Context, token string) (string, error) {
	return token, nil
}
