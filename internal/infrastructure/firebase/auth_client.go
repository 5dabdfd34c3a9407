package firebase

import (
	"context"

	"firebase.google.com/go/v4/auth"

	"github.com/03AlAmine/jokko-agro/pkg/errors"
)

// Identity is what a verified ID token tells us about the caller.
type Identity struct {
	UID     string
	Name    string
	Picture string
}

type FirebaseAuthClient struct {
	client *auth.Client
}

func NewFirebaseAuthClient(client *auth.Client) *FirebaseAuthClient {
	return &FirebaseAuthClient{
		client: client,
	}
}

func (f *FirebaseAuthClient) VerifyToken(ctx context.Context, token string) (*Identity, error) {
	result, err := f.client.VerifyIDToken(ctx, token)
	if err != nil {
		return nil, errors.Unauthorized("Invalid or expired token", err)
	}

	identity := &Identity{UID: result.UID}
	if name, ok := result.Claims["name"].(string); ok {
		identity.Name = name
	}
	if picture, ok := result.Claims["picture"].(string); ok {
		identity.Picture = picture
	}
	return identity, nil
}

// TestConnection checks that the service account can reach Firebase Auth.
func (f *FirebaseAuthClient) TestConnection(ctx context.Context) error {
	_, err := f.client.GetUser(ctx, "healthcheck-nonexistent")
	if err != nil && !auth.IsUserNotFound(err) {
		return err
	}
	return nil
}
