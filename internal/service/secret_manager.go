package service

import (
	"context"
	"fmt"
	"strings"

	"crmcore/internal/config"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
)

// secretAccessor is the slice of the Secret Manager client used here.
type secretAccessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
}

// SecretManagerService reads runtime secrets such as the database password.
// It satisfies database.PasswordResolver.
type SecretManagerService interface {
	Resolve(ctx context.Context, name string) (string, error)
	Close() error
}

type secretManagerService struct {
	client    secretAccessor
	closer    func() error
	projectID string
}

// NewSecretManagerService dials Secret Manager for cfg.GCPProjectID.
func NewSecretManagerService(ctx context.Context, cfg *config.Config, opts ...option.ClientOption) (SecretManagerService, error) {
	if cfg.GCPProjectID == "" {
		return nil, fmt.Errorf("GCP Project ID is not set for the current environment")
	}

	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}

	return &secretManagerService{
		client:    client,
		closer:    client.Close,
		projectID: cfg.GCPProjectID,
	}, nil
}

// Resolve returns the latest version of the named secret. A fully qualified
// resource name ("projects/.../secrets/...") is used as given.
func (s *secretManagerService) Resolve(ctx context.Context, name string) (string, error) {
	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: s.versionName(name),
	}

	result, err := s.client.AccessSecretVersion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to access secret version: %w", err)
	}

	return strings.TrimSpace(string(result.GetPayload().GetData())), nil
}

func (s *secretManagerService) versionName(name string) string {
	if strings.HasPrefix(name, "projects/") {
		if strings.Contains(name, "/versions/") {
			return name
		}
		return name + "/versions/latest"
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", s.projectID, name)
}

func (s *secretManagerService) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
