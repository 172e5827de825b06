package secret

import (
	"context"
	"fmt"
	"os"
)

// FileSource reads secrets mounted as files, e.g. Kubernetes secret volumes.
type FileSource struct{}

var _ Source = (*FileSource)(nil)

func NewFileSource() *FileSource { return &FileSource{} }

func (s *FileSource) Get(_ context.Context, name string) (Secret, error) {
	b, err := os.ReadFile(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
		}

		return nil, fmt.Errorf("failed to read secret file: %w", err)
	}

	return b, nil
}
