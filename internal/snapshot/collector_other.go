//go:build !windows

package snapshot

import (
	"errors"

	"github.com/prism-av/display-agent/internal/model"
)

type osProvider struct{}

func (osProvider) Collect() (*model.DisplaySnapshot, error) {
	return nil, errors.New("display snapshot is only supported on Windows hosts")
}
