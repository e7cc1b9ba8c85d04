// Package gcp holds the Google API adapters: Gmail as the mail source and
// Drive as the blob store. Both authenticate per user from the stored refresh
// credential.
package gcp

import (
	"context"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	gmail "google.golang.org/api/gmail/v1"

	"invoiceflow/internal/models"
	"invoiceflow/internal/pipeline"
)

// Provider is the credential provider key both adapters read.
const Provider = "google"

// CredentialSource yields the stored OAuth credential for a user.
type CredentialSource interface {
	GetCredential(ctx context.Context, userID, provider string) (*models.Credential, error)
}

// Auth builds per-user token sources from stored refresh tokens.
type Auth struct {
	Creds  CredentialSource
	Config *oauth2.Config
}

func NewAuth(creds CredentialSource, clientID, clientSecret string) *Auth {
	return &Auth{
		Creds: creds,
		Config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     googleoauth.Endpoint,
			Scopes: []string{
				gmail.GmailReadonlyScope,
				drive.DriveFileScope,
			},
		},
	}
}

// TokenSource returns a self-refreshing token source for the user, or a
// credential error when the stored credential is unusable.
func (a *Auth) TokenSource(ctx context.Context, userID string) (oauth2.TokenSource, error) {
	cred, err := a.Creds.GetCredential(ctx, userID, Provider)
	if err != nil {
		return nil, err
	}
	if !cred.Usable() {
		return nil, &pipeline.CredentialError{
			UserID: userID,
			Reason: "refresh token missing or account disconnected",
		}
	}

	token := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
	}
	return a.Config.TokenSource(ctx, token), nil
}
