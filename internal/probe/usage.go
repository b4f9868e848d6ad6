package probe

import (
	"context"
	"fmt"
	"os"

	"github.com/msageha/rdr/internal/jsonfile"
	"github.com/msageha/rdr/internal/model"
)

// UsageFile reads the last quota reading the usage monitor wrote. A missing
// file means no reading is available.
type UsageFile struct {
	path string
}

func NewUsageFile(path string) *UsageFile {
	return &UsageFile{path: path}
}

func (u *UsageFile) Path() string {
	return u.path
}

func (u *UsageFile) SessionUsage(ctx context.Context) (*model.Usage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var usage model.Usage
	if err := jsonfile.Read(u.path, &usage); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read usage file: %w", err)
	}
	return &usage, nil
}

// Write records a reading, used when the usage monitor pushes it over the
// control socket instead of writing the file itself.
func (u *UsageFile) Write(usage model.Usage) error {
	return jsonfile.AtomicWrite(u.path, usage)
}
