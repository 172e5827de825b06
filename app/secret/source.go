package secret

import (
	"context"
	"fmt"
)

type (
	Secret = []byte

	Source interface {
		Get(context.Context, string) (Secret, error)
	}
)

const (
	SourceEnv    = "env"
	SourceFile   = "file"
	SourceGoogle = "gsm"
)

// NewSource picks the backend named by kind. The returned closer releases
// any client the source holds. Options apply to the Google backend only.
func NewSource(ctx context.Context, kind, projectID string, opts ...GoogleOption) (Source, func(), error) {
	switch kind {
	case SourceEnv, "":
		return NewEnvSource(), func() {}, nil
	case SourceFile:
		return NewFileSource(), func() {}, nil
	case SourceGoogle:
		m, err := NewGoogleSecretManager(ctx, projectID, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize %s secret source: %w", kind, err)
		}

		return m, m.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown secret source %q", kind)
	}
}
