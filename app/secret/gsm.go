package secret

import (
	"context"
	"errors"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type (
	GoogleSecretManager struct {
		projectID string
		version   string
		access    accessFunc
		close     func() error
	}

	GoogleOption func(*GoogleSecretManager)

	accessFunc func(context.Context, *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error)
)

const latestVersion = "latest"

var ErrProjectMissing = errors.New("google secret manager requires a project id")

var _ Source = (*GoogleSecretManager)(nil)

// WithSecretVersion pins the version read for short secret names. Empty
// means the latest version.
func WithSecretVersion(version string) GoogleOption {
	return func(m *GoogleSecretManager) {
		if version != "" {
			m.version = version
		}
	}
}

func NewGoogleSecretManager(ctx context.Context, projectID string, opts ...GoogleOption) (*GoogleSecretManager, error) {
	if projectID == "" {
		return nil, ErrProjectMissing
	}

	c, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize google secret manager client: %w", err)
	}

	access := func(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
		return c.AccessSecretVersion(ctx, req)
	}

	return newGoogleSecretManager(projectID, access, c.Close, opts...), nil
}

func newGoogleSecretManager(projectID string, access accessFunc, closer func() error, opts ...GoogleOption) *GoogleSecretManager {
	m := &GoogleSecretManager{
		projectID: projectID,
		version:   latestVersion,
		access:    access,
		close:     closer,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Get reads a secret by short name, e.g. redis-password, or by a full
// projects/.../secrets/... resource name.
func (m *GoogleSecretManager) Get(ctx context.Context, name string) (Secret, error) {
	r, err := m.access(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: m.resourceName(name)})
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to access secret %s: %w", name, err)
	}

	if r.GetPayload() == nil {
		return nil, fmt.Errorf("%w: %s has no payload", ErrSecretNotFound, name)
	}

	return r.GetPayload().GetData(), nil
}

func (m *GoogleSecretManager) resourceName(name string) string {
	if !strings.HasPrefix(name, "projects/") {
		return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", m.projectID, name, m.version)
	}

	if strings.Contains(name, "/versions/") {
		return name
	}

	return name + "/versions/" + m.version
}

func (m *GoogleSecretManager) Close() { _ = m.close() }
