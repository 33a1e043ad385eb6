// README: Firebase Admin SDK initialisation, token verifier and RTDB client.
package infra

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"firebase.google.com/go/v4/db"
	"google.golang.org/api/option"
)

// FirebaseToken holds the verified token data used by downstream middleware.
type FirebaseToken struct {
	UID    string
	Claims map[string]interface{}
}

// TokenVerifier verifies a raw Firebase ID token string and returns token data.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*FirebaseToken, error)
}

type firebaseVerifier struct {
	client *auth.Client
}

// Firebase bundles the clients built from one Admin SDK app.
type Firebase struct {
	Verifier TokenVerifier
	// Database is nil unless a database URL was configured.
	Database *db.Client
}

// NewFirebase initialises the Admin SDK. If credentialsFile is non-empty it is
// used as the service-account JSON path; otherwise application-default
// credentials are used. databaseURL may be empty.
func NewFirebase(ctx context.Context, projectID, credentialsFile, databaseURL string) (*Firebase, error) {
	opts := []option.ClientOption{}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID, DatabaseURL: databaseURL}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Auth: %w", err)
	}
	fb := &Firebase{Verifier: &firebaseVerifier{client: client}}
	if databaseURL != "" {
		fb.Database, err = app.Database(ctx)
		if err != nil {
			return nil, fmt.Errorf("firebase app.Database: %w", err)
		}
	}
	return fb, nil
}

func (v *firebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*FirebaseToken, error) {
	token, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, err
	}
	return &FirebaseToken{UID: token.UID, Claims: token.Claims}, nil
}
