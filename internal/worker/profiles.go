// File: internal/worker/profiles.go
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/formforge/autoapply/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ProfileLoader resolves a requester ID to the profile used for filling.
type ProfileLoader interface {
	Load(ctx context.Context, requesterID string) (schemas.RequesterProfile, error)
}

// StaticProfiles serves profiles from an in-memory map.
type StaticProfiles map[string]schemas.RequesterProfile

func (p StaticProfiles) Load(_ context.Context, requesterID string) (schemas.RequesterProfile, error) {
	profile, ok := p[requesterID]
	if !ok {
		return schemas.RequesterProfile{}, fmt.Errorf("incomplete profile: no profile found for requester %s", requesterID)
	}
	return profile, nil
}

// FileProfiles lazily loads a JSON file mapping requester IDs to profiles
// and serves lookups from it. The file is read once.
type FileProfiles struct {
	path string

	once     sync.Once
	loadErr  error
	profiles StaticProfiles
}

// NewFileProfiles creates a loader for the given profiles file.
func NewFileProfiles(path string) *FileProfiles {
	return &FileProfiles{path: path}
}

func (f *FileProfiles) Load(ctx context.Context, requesterID string) (schemas.RequesterProfile, error) {
	f.once.Do(func() {
		data, err := os.ReadFile(f.path)
		if err != nil {
			f.loadErr = fmt.Errorf("configuration error: cannot read profiles file %s: %w", f.path, err)
			return
		}
		if err := json.Unmarshal(data, &f.profiles); err != nil {
			f.loadErr = fmt.Errorf("configuration error: malformed profiles file %s: %w", f.path, err)
		}
	})
	if f.loadErr != nil {
		return schemas.RequesterProfile{}, f.loadErr
	}
	return f.profiles.Load(ctx, requesterID)
}
